// Package session implements the finite dual-state machine which governs
// the packets allowed over an established channel.
//
// Each side of a channel tracks its own local variant of the shared phase:
// R and D suffixes stand for the requester and requested variants, S and R
// on data phases for the sending and receiving side.
package session

import (
	"sync"

	"github.com/hetianyi/gomft/common"
	"github.com/hetianyi/gox/convert"
	"github.com/hetianyi/gox/logger"
)

type State byte

const (
	INIT State = iota
	AUTHENTICATED
	REQUESTR
	REQUESTD
	VALIDOTHER
	DATAS
	DATAR
	ENDTRANSFERS
	ENDTRANSFERR
	ENDREQUESTS
	ENDREQUESTR
	CLOSED
	ERROR
)

var stateNames = []string{
	"INIT", "AUTHENTICATED", "REQUESTR", "REQUESTD", "VALIDOTHER", "DATAS", "DATAR",
	"ENDTRANSFERS", "ENDTRANSFERR", "ENDREQUESTS", "ENDREQUESTR", "CLOSED", "ERROR",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "STATE(" + convert.IntToStr(int(s)) + ")"
}

// UnexpectedPacketError reports a packet which is not allowed in the current state.
type UnexpectedPacketError struct {
	State     State
	Operation common.Operation
	Outbound  bool
}

func (e *UnexpectedPacketError) Error() string {
	dir := "received"
	if e.Outbound {
		dir = "sent"
	}
	return "unexpected packet " + e.Operation.String() + " " + dir + " in state " + e.State.String()
}

type transitions map[common.Operation]map[State]State

// activeStates are the states in which a control packet may interrupt the session.
var activeStates = []State{AUTHENTICATED, REQUESTR, REQUESTD, VALIDOTHER, DATAS, DATAR,
	ENDTRANSFERS, ENDTRANSFERR, ENDREQUESTS, ENDREQUESTR}

var (
	receiveTable = transitions{
		common.OPERATION_CONNECT:      {INIT: AUTHENTICATED},
		common.OPERATION_REQUEST:      {AUTHENTICATED: REQUESTD, REQUESTR: REQUESTD},
		common.OPERATION_DATA:         {REQUESTD: DATAR, DATAR: DATAR},
		common.OPERATION_END_TRANSFER: {REQUESTD: ENDTRANSFERR, DATAR: ENDTRANSFERR, ENDTRANSFERS: ENDTRANSFERR},
		common.OPERATION_END_REQUEST:  {AUTHENTICATED: ENDREQUESTR, ENDTRANSFERR: ENDREQUESTR, ENDREQUESTS: ENDREQUESTR},
		common.OPERATION_COMMAND:      {AUTHENTICATED: VALIDOTHER, VALIDOTHER: VALIDOTHER},
	}
	sendTable = transitions{
		common.OPERATION_CONNECT:      {INIT: INIT, AUTHENTICATED: AUTHENTICATED},
		common.OPERATION_REQUEST:      {AUTHENTICATED: REQUESTR, REQUESTD: REQUESTD},
		common.OPERATION_DATA:         {REQUESTD: DATAS, DATAS: DATAS},
		common.OPERATION_END_TRANSFER: {REQUESTD: ENDTRANSFERS, DATAS: ENDTRANSFERS, ENDTRANSFERR: ENDTRANSFERR},
		common.OPERATION_END_REQUEST:  {AUTHENTICATED: ENDREQUESTS, ENDTRANSFERR: ENDREQUESTS, ENDREQUESTR: ENDREQUESTR},
		common.OPERATION_COMMAND:      {AUTHENTICATED: VALIDOTHER, VALIDOTHER: VALIDOTHER},
	}
)

func init() {
	for _, t := range []transitions{receiveTable, sendTable} {
		for _, op := range []common.Operation{common.OPERATION_VALID, common.OPERATION_CANCEL, common.OPERATION_STOP} {
			m := make(map[State]State)
			for _, s := range activeStates {
				m[s] = VALIDOTHER
			}
			t[op] = m
		}
		// a session in error still permits a final CANCEL/STOP exchange.
		t[common.OPERATION_CANCEL][ERROR] = ERROR
		t[common.OPERATION_STOP][ERROR] = ERROR
		errs := make(map[State]State)
		for s := INIT; s < CLOSED; s++ {
			errs[s] = ERROR
		}
		errs[ERROR] = ERROR
		t[common.OPERATION_ERROR] = errs
	}
}

// Session holds the protocol state of one channel and its negotiated transfer parameters.
type Session struct {
	lock   *sync.Mutex
	id     string
	state  State
	params Params
}

// New creates a session in state INIT.
func New(id string) *Session {
	return &Session{
		lock:   new(sync.Mutex),
		id:     id,
		state:  INIT,
		params: DefaultParams(),
	}
}

// NewDataSession creates the session of a separate data connection.
// It starts validated, with the parameters of the control session.
func NewDataSession(id string, params Params) *Session {
	return &Session{
		lock:   new(sync.Mutex),
		id:     id,
		state:  REQUESTD,
		params: params,
	}
}

// CompleteDataPhase moves a validated control session past a data phase
// that ran on a separate data connection.
func (s *Session) CompleteDataPhase() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state != REQUESTD {
		return &UnexpectedPacketError{State: s.state, Operation: common.OPERATION_END_TRANSFER}
	}
	s.state = ENDTRANSFERR
	return nil
}

func (s *Session) Id() string {
	return s.id
}

func (s *Session) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// transition is the single place where the state changes.
// It validates op against the table and moves to the next state,
// or to ERROR when the packet is not allowed.
func (s *Session) transition(table transitions, op common.Operation, outbound bool) (State, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	prev := s.state
	if next, ok := table[op][prev]; ok {
		s.state = next
		return prev, nil
	}
	if s.state != CLOSED {
		s.state = ERROR
	}
	return prev, &UnexpectedPacketError{State: prev, Operation: op, Outbound: outbound}
}

// Receive validates an incoming packet and applies its transition.
// An illegal packet drives the session to ERROR, the channel is left open.
func (s *Session) Receive(op common.Operation) error {
	prev, err := s.transition(receiveTable, op, false)
	if err != nil {
		logger.Warn("session ", s.id, ": ", err)
		return err
	}
	logger.Debug("session ", s.id, " <- ", op, " ", prev, " -> ", s.State())
	return nil
}

// Send updates the state for an outgoing packet before write runs.
// When write fails the session goes to ERROR instead of staying at the optimistic state.
func (s *Session) Send(op common.Operation, write func() error) error {
	prev, err := s.transition(sendTable, op, true)
	if err != nil {
		logger.Warn("session ", s.id, ": ", err)
		return err
	}
	if err := write(); err != nil {
		s.Fail()
		logger.Debug("session ", s.id, " write ", op, " failed in ", prev, ": ", err)
		return err
	}
	return nil
}

// Fail moves the session to ERROR unless it is closed.
func (s *Session) Fail() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state != CLOSED {
		s.state = ERROR
	}
}

// Close moves the session to CLOSED.
func (s *Session) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.state = CLOSED
}

// Params returns a copy of the negotiated transfer parameters.
func (s *Session) Params() Params {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.params
}

// SetParams changes the transfer parameters and recomputes the codec.
func (s *Session) SetParams(p Params) {
	s.lock.Lock()
	defer s.lock.Unlock()
	p.codec = computeCodec(p)
	s.params = p
}
