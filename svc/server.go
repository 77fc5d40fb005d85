// Package svc serves the requested side of transfers and schedules the
// submitted ones of the requester side.
package svc

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/hetianyi/gomft/api"
	"github.com/hetianyi/gomft/common"
	"github.com/hetianyi/gomft/reg"
	"github.com/hetianyi/gomft/runner"
	"github.com/hetianyi/gomft/store"
	"github.com/hetianyi/gomft/util"
	"github.com/hetianyi/gox"
	"github.com/hetianyi/gox/convert"
	"github.com/hetianyi/gox/logger"
	"github.com/logrusorgru/aurora"
)

// Server answers the packets of remote requesters, one transfer or control request per channel.
type Server struct {
	config    *common.Config
	transfers store.TransferStore
	hosts     store.HostStore
	ports     *reg.PortRange
	timeout   time.Duration
	lock      *sync.Mutex
	active    map[string]chan common.Operation
	listener  net.Listener
	// Resubmit is called with a record restarted by a remote VALID request
	// when this host is its requester.
	Resubmit func(rec *common.TransferRecord)
	// Operator executes the commands of the local operator, nil refuses them.
	Operator *Operator
}

func NewServer(config *common.Config, transfers store.TransferStore, hosts store.HostStore, ports *reg.PortRange) *Server {
	return &Server{
		config:    config,
		transfers: transfers,
		hosts:     hosts,
		ports:     ports,
		timeout:   common.Millis(config.Timeout),
		lock:      new(sync.Mutex),
		active:    make(map[string]chan common.Operation),
	}
}

// ListenAndServe accepts connections until Shutdown is called.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.config.BindAddress+":"+convert.IntToStr(s.config.Port))
	if err != nil {
		return err
	}
	s.lock.Lock()
	s.listener = listener
	s.lock.Unlock()
	logger.Info("  tcp server starting on port ", s.config.Port)
	logger.Info(aurora.BrightGreen(":::server started:::"))
	for {
		conn, err := listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				logger.Error("error accepting new connection: ", err)
				continue
			}
			logger.Info("server stopped: ", err)
			return nil
		}
		logger.Debug("accept a new connection from ", conn.RemoteAddr())
		ch := api.NewTCPChannel(conn, s.ports)
		go gox.Try(func() {
			s.Serve(ch)
		}, func(i interface{}) {
			logger.Error("connection error: ", i)
			ch.Close()
		})
	}
}

// Addr returns the address the server listens on, empty before ListenAndServe.
func (s *Server) Addr() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown closes the listener, running transfers finish on their own.
func (s *Server) Shutdown() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
}

// ActiveTransfers returns the number of transfers being served.
func (s *Server) ActiveTransfers() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.active)
}

// Serve authenticates the remote host and answers its request. ch is closed on return.
func (s *Server) Serve(ch api.PacketChannel) {
	defer ch.Close()
	remote, ok := s.authenticate(ch)
	if !ok {
		return
	}
	h, _, err := ch.Receive(s.timeout)
	if err != nil {
		logger.Debug("no request from ", remote, ": ", err)
		return
	}
	if remote == s.config.HostId || h.Operation == common.OPERATION_COMMAND {
		s.handleCommand(ch, remote, h)
		return
	}
	switch h.Operation {
	case common.OPERATION_REQUEST:
		s.handleRequest(ch, remote, h)
	case common.OPERATION_VALID, common.OPERATION_CANCEL, common.OPERATION_STOP:
		s.handleControl(ch, remote, h)
	case common.OPERATION_END_REQUEST:
		s.handlePostTaskReplay(ch, remote, h)
	default:
		logger.Warn("unsupported operation ", h.Operation, " from ", remote)
	}
}

func (s *Server) authenticate(ch api.PacketChannel) (string, bool) {
	h, _, err := ch.Receive(s.timeout)
	if err != nil {
		logger.Debug("authentication failed from ", ch.RemoteAddress(), ": ", err)
		return "", false
	}
	hostId := h.Attr("hostId")
	var known bool
	if hostId == s.config.HostId {
		// the local operator, only from this machine
		known = s.config.Secret == h.Attr("secret") && api.IsLocalPeer(ch)
	} else {
		host, err := s.hosts.GetHost(hostId)
		known = err == nil && host.Secret == h.Attr("secret")
	}
	if !known {
		logger.Warn("authentication failed for host \"", hostId, "\" from ", ch.RemoteAddress())
		ch.Send(&common.Header{Operation: common.OPERATION_CONNECT, Code: common.BadAuthent, Msg: "authentication failed"}, nil)
		return "", false
	}
	if err := ch.Send(&common.Header{Operation: common.OPERATION_CONNECT, Code: common.CompleteOk, Msg: "authentication success"}, nil); err != nil {
		return "", false
	}
	return hostId, true
}

func (s *Server) reply(ch api.PacketChannel, op common.Operation, code common.ErrorCode, rec *common.TransferRecord) {
	s.answer(ch, answerHeader(op, code, rec), nil)
}

func answerHeader(op common.Operation, code common.ErrorCode, rec *common.TransferRecord) *common.Header {
	h := &common.Header{Operation: op, Code: code, Msg: code.String()}
	if rec != nil {
		h.Attributes = rec.Attributes()
		h.Attributes["rank"] = convert.IntToStr(rec.Rank)
	}
	return h
}

func (s *Server) answer(ch api.PacketChannel, h *common.Header, body []byte) {
	if err := ch.Send(h, body); err != nil {
		logger.Debug("cannot answer ", h.Operation, " to ", ch.RemoteAddress(), ": ", err)
	}
}

// register marks a transfer active, false if it already is or the host is full.
func (s *Server) register(key string) (chan common.Operation, common.ErrorCode) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.active[key]; ok {
		return nil, common.QueryStillRunning
	}
	max := s.config.MaxActiveTransfers
	if max <= 0 {
		max = common.DEFAULT_MAX_ACTIVE
	}
	if len(s.active) >= max {
		return nil, common.ServerOverloaded
	}
	abort := make(chan common.Operation, 1)
	s.active[key] = abort
	return abort, common.Unknown
}

func (s *Server) unregister(key string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.active, key)
}

// abort signals an active transfer, false if it is not active.
func (s *Server) abort(key string, op common.Operation) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	abort, ok := s.active[key]
	if !ok {
		return false
	}
	select {
	case abort <- op:
	default:
	}
	return true
}

func (s *Server) isActive(key string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, ok := s.active[key]
	return ok
}

func (s *Server) handleRequest(ch api.PacketChannel, remote string, h *common.Header) {
	req, err := common.RecordFromAttributes(h.Attributes)
	if err != nil {
		s.reply(ch, common.OPERATION_ERROR, common.CodeOf(err), nil)
		return
	}
	if req.Requester != remote || req.Requested != s.config.HostId {
		logger.Warn("request ", req.Key(), " refused for host ", remote)
		s.reply(ch, common.OPERATION_ERROR, common.NotKnownHost, nil)
		return
	}
	path, err := util.ConfinedPath(s.config.DataDir, req.Filename)
	if err != nil {
		logger.Warn("request ", req.Key(), " refused, file \"", req.Filename, "\": ", err)
		s.answer(ch, &common.Header{Operation: common.OPERATION_ERROR, Code: common.TransferError, Msg: err.Error()}, nil)
		return
	}

	abort, code := s.register(req.Key())
	if abort == nil {
		logger.Info("request ", req.Key(), " refused: ", code)
		s.reply(ch, common.OPERATION_REQUEST, code, nil)
		return
	}
	defer s.unregister(req.Key())

	rec, err := s.transfers.Load(req.Id, req.Requester, req.Requested)
	switch {
	case err == store.ErrNotFound:
		rec = req
		rec.Owner = s.config.HostId
		rec.Start = time.Now()
		if rec.BlockSize <= 0 {
			rec.BlockSize = s.config.BlockSize
		}
		if rec.IsSender() {
			rec.Rank = req.Rank
		} else {
			rec.Rank = 0
		}
	case err != nil:
		logger.Error("cannot load transfer ", req.Key(), ": ", err)
		s.reply(ch, common.OPERATION_ERROR, common.Internal, nil)
		return
	case rec.IsAllDone():
		s.reply(ch, common.OPERATION_REQUEST, common.QueryAlreadyFinished, rec)
		return
	default:
		if rec.IsSender() {
			rec.Rank = req.Rank
		} else if rec.Step == common.STEP_TRANSFERTASK {
			rec.Rank = runner.RestartRank(rec.Rank, s.config.RankRestart, s.config.CheckpointBlocks)
		}
	}
	if rec.Mode.IsPassThrough() {
		rec.Rank = 0
	}
	rec.SetStep(common.STEP_TRANSFERTASK)
	rec.ChangeStatus(common.STATUS_RUNNING, common.Running)
	if err := s.transfers.Save(rec); err != nil {
		logger.Error("cannot save transfer ", rec.Key(), ": ", err)
		s.reply(ch, common.OPERATION_ERROR, common.Internal, nil)
		return
	}

	initOk := answerHeader(common.OPERATION_REQUEST, common.InitOk, rec)
	listener := s.listenPassive(ch, h, rec)
	if listener != nil {
		initOk.Attributes[api.DATA_PORT_ATTRIBUTE] = convert.IntToStr(ch.Descriptor().LocalPort())
	}
	s.answer(ch, initOk, nil)
	logger.Info("transfer ", rec.Key(), " accepted, ", rec.Mode, " ", rec.Filename, " from rank ", rec.Rank)

	dataCh := ch
	if listener != nil {
		d, err := api.AcceptData(ch, listener, s.timeout)
		if err != nil {
			s.failTransfer(rec, common.NewFailure(common.TransferError, err.Error()))
			return
		}
		defer d.Close()
		dataCh = d
	}
	bt := &api.BlockTransfer{
		Channel:          dataCh,
		Record:           rec,
		Path:             path,
		Timeout:          s.timeout,
		CheckpointBlocks: s.config.CheckpointBlocks,
		Checkpoint:       s.progress,
		Abort:            abort,
	}
	if rec.IsSender() {
		err = bt.Send()
	} else {
		err = bt.Receive()
	}
	if err != nil {
		s.failTransfer(rec, err)
		return
	}
	if dataCh != ch {
		dataCh.Close()
		if err := ch.Session().CompleteDataPhase(); err != nil {
			s.failTransfer(rec, common.NewFailure(common.TransferError, err.Error()))
			return
		}
	}

	rec.SetStep(common.STEP_POSTTASK)
	s.save(rec)
	h, _, err = ch.Receive(s.timeout)
	if err != nil || h.Operation != common.OPERATION_END_REQUEST {
		switch {
		case err != nil:
		case h.Operation == common.OPERATION_STOP:
			err = common.NewFailure(common.StoppedTransfer, "stopped by remote host")
		case h.Operation == common.OPERATION_CANCEL:
			err = common.NewFailure(common.CanceledTransfer, "cancelled by remote host")
		default:
			err = errors.New("unexpected packet " + h.Operation.String())
		}
		s.failTransfer(rec, err)
		return
	}
	rec.SetAllDone()
	s.save(rec)
	s.reply(ch, common.OPERATION_END_REQUEST, common.CompleteOk, rec)
	logger.Info("transfer ", rec.Key(), " done")
}

// listenPassive opens the data connection a request asks for.
// nil keeps the data phase on the control channel.
func (s *Server) listenPassive(ch api.PacketChannel, h *common.Header, rec *common.TransferRecord) net.Listener {
	if h.Attr(api.DATA_ATTRIBUTE) != api.DATA_PASSIVE {
		return nil
	}
	if s.ports == nil {
		logger.Debug("transfer ", rec.Key(), " no passive port range, data on the control channel")
		return nil
	}
	l, port, err := api.ListenPassive(ch, s.ports)
	if err != nil {
		logger.Warn("transfer ", rec.Key(), " no passive data connection, data on the control channel: ", err)
		return nil
	}
	logger.Debug("transfer ", rec.Key(), " data connection on port ", port)
	return l
}

// failTransfer persists the error of a served transfer unless its copy is already finished.
func (s *Server) failTransfer(rec *common.TransferRecord, err error) {
	code := common.CodeOf(err)
	var te *common.TransferFailure
	if !errors.As(err, &te) {
		code = common.Internal
	}
	logger.Error("transfer ", rec.Key(), " failed: ", err)
	if fresh, lerr := s.transfers.Load(rec.Id, rec.Requester, rec.Requested); lerr == nil {
		fresh.Rank = rec.Rank
		*rec = *fresh
	}
	if rec.IsFinished() {
		return
	}
	status := common.STATUS_INERROR
	if code == common.StoppedTransfer {
		status = common.STATUS_INTERRUPTED
	}
	rec.ChangeStatus(status, code)
	s.save(rec)
}

func (s *Server) handleControl(ch api.PacketChannel, remote string, h *common.Header) {
	req, err := common.RecordFromAttributes(h.Attributes)
	if err != nil {
		s.reply(ch, h.Operation, common.CodeOf(err), nil)
		return
	}
	if req.Requester != remote && req.Requested != remote {
		logger.Warn("control ", h.Operation, " on ", req.Key(), " refused for host ", remote)
		s.reply(ch, h.Operation, common.NotKnownHost, nil)
		return
	}
	rec, err := s.transfers.Load(req.Id, req.Requester, req.Requested)
	if err != nil {
		code := common.TransferNotFound
		if h.Operation == common.OPERATION_VALID {
			code = common.QueryRemotelyUnknown
		}
		s.reply(ch, h.Operation, code, nil)
		return
	}
	logger.Info("control ", h.Operation, " on ", rec.Key(), " from ", remote)
	switch h.Operation {
	case common.OPERATION_CANCEL, common.OPERATION_STOP:
		s.reply(ch, h.Operation, s.interrupt(rec, h.Operation), rec)
	case common.OPERATION_VALID:
		s.reply(ch, h.Operation, s.restart(rec), rec)
	}
}

func (s *Server) interrupt(rec *common.TransferRecord, op common.Operation) common.ErrorCode {
	if rec.IsAllDone() {
		return common.TransferOk
	}
	if s.abort(rec.Key(), op) {
		return common.CompleteOk
	}
	if op == common.OPERATION_STOP {
		rec.ChangeStatus(common.STATUS_INTERRUPTED, common.StoppedTransfer)
	} else {
		rec.ChangeStatus(common.STATUS_INERROR, common.CanceledTransfer)
	}
	s.save(rec)
	return common.CompleteOk
}

func (s *Server) restart(rec *common.TransferRecord) common.ErrorCode {
	switch {
	case rec.IsAllDone():
		return common.CompleteOk
	case s.isActive(rec.Key()):
		return common.QueryStillRunning
	case rec.Status == common.STATUS_RUNNING:
		return common.Running
	case rec.Mode.IsPassThrough():
		return common.PassThroughMode
	case rec.Status == common.STATUS_INERROR && !restartable(rec.ErrorCode):
		return common.RemoteError
	}
	rec.Restart()
	s.save(rec)
	if rec.Requester == s.config.HostId && s.Resubmit != nil {
		s.Resubmit(rec)
	}
	return common.PreProcessingOk
}

// restartable reports whether a transfer failed with code may be restarted.
func restartable(code common.ErrorCode) bool {
	switch code {
	case common.LoopSelfRequestedHost, common.NotKnownHost, common.BadAuthent:
		return false
	}
	return true
}

func (s *Server) handlePostTaskReplay(ch api.PacketChannel, remote string, h *common.Header) {
	req, err := common.RecordFromAttributes(h.Attributes)
	if err != nil {
		s.reply(ch, common.OPERATION_END_REQUEST, common.CodeOf(err), nil)
		return
	}
	rec, err := s.transfers.Load(req.Id, req.Requester, req.Requested)
	if err != nil || req.Requester != remote {
		s.reply(ch, common.OPERATION_END_REQUEST, common.TransferNotFound, nil)
		return
	}
	rec.SetAllDone()
	s.save(rec)
	logger.Info("transfer ", rec.Key(), " finalized by its requester")
	s.reply(ch, common.OPERATION_END_REQUEST, common.CompleteOk, rec)
}

func (s *Server) save(rec *common.TransferRecord) {
	if err := s.transfers.Update(rec); err != nil {
		logger.Error("cannot update transfer ", rec.Key(), ": ", err)
	}
}

// progress persists the rank of a served transfer. A cancel or stop stored
// meanwhile is kept and ends the data phase.
func (s *Server) progress(rec *common.TransferRecord) error {
	var interruption error
	if stored, err := s.transfers.Load(rec.Id, rec.Requester, rec.Requested); err == nil && rec.Status == common.STATUS_RUNNING {
		switch stored.Status {
		case common.STATUS_INTERRUPTED:
			interruption = common.NewFailure(common.StoppedTransfer, "stopped locally")
		case common.STATUS_INERROR:
			interruption = common.NewFailure(common.CanceledTransfer, "cancelled locally")
		}
		if interruption != nil {
			rec.Status, rec.ErrorCode, rec.Stop = stored.Status, stored.ErrorCode, stored.Stop
		}
	}
	s.save(rec)
	return interruption
}

func (s *Server) handleCommand(ch api.PacketChannel, remote string, h *common.Header) {
	if remote != s.config.HostId || h.Operation != common.OPERATION_COMMAND || s.Operator == nil {
		logger.Warn("command ", h.Operation, " refused for host ", remote)
		s.answer(ch, &common.Header{Operation: common.OPERATION_ERROR, Code: common.NotKnownHost, Msg: "command refused"}, nil)
		return
	}
	reply := s.Operator.Execute(context.Background(), h)
	header, body := reply.packet()
	s.answer(ch, header, body)
}
