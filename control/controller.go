// Package control translates operator commands on a transfer into control packets
// sent to the remote host of the transfer.
package control

import (
	"context"
	"time"

	"github.com/hetianyi/gomft/common"
	"github.com/hetianyi/gomft/runner"
	"github.com/hetianyi/gomft/store"
	"github.com/hetianyi/gox/logger"
)

type Intent int

const (
	Query Intent = iota
	Cancel
	Stop
	Restart
)

var intentNames = map[Intent]string{
	Query:   "query",
	Cancel:  "cancel",
	Stop:    "stop",
	Restart: "restart",
}

func (i Intent) String() string {
	return intentNames[i]
}

// ParseIntent returns the intent named s.
func ParseIntent(s string) (Intent, bool) {
	for i, name := range intentNames {
		if name == s {
			return i, true
		}
	}
	return Query, false
}

// Request identifies a transfer and what to do with it.
type Request struct {
	Id        int64
	Requester string
	Requested string
	Intent    Intent
}

// Outcome is what an operator sees of a control result.
type Outcome struct {
	Success  bool
	ExitCode int
	Message  string
}

type Result struct {
	Code    common.ErrorCode
	Outcome Outcome
	Record  *common.TransferRecord
}

// localDone is the outcome of a cancel on a transfer already done, decided without the remote host.
var localDone = Outcome{true, 0, "transfer already done"}

var outcomes = map[Intent]map[common.ErrorCode]Outcome{
	Query: {
		common.CompleteOk: {true, 0, "transfer status"},
	},
	Cancel: {
		common.CompleteOk: {true, 0, "transfer cancelled"},
		common.TransferOk: {false, 3, "transfer already finished on remote host"},
	},
	Stop: {
		common.CompleteOk: {true, 0, "transfer stopped"},
		common.TransferOk: {true, 0, "transfer already finished"},
	},
	Restart: {
		common.QueryStillRunning: {true, 0, "transfer already active"},
		common.Running:           {true, 0, "transfer already running"},
		common.PreProcessingOk:   {true, 0, "transfer restarted"},
		common.CompleteOk:        {true, 4, "transfer already finished"},
		common.RemoteError:       {false, 5, "remote host refused the restart"},
		common.PassThroughMode:   {false, 6, "restart refused, transfer in pass-through mode"},
	},
}

var fallbacks = map[Intent]Outcome{
	Query:   {false, 1, "transfer status unavailable"},
	Cancel:  {false, 4, "internal error"},
	Stop:    {false, 4, "internal error"},
	Restart: {false, 3, "internal error"},
}

// OutcomeOf maps a reply code of an intent to its outcome.
func OutcomeOf(intent Intent, code common.ErrorCode) Outcome {
	if o, ok := outcomes[intent][code]; ok {
		return o
	}
	return fallbacks[intent]
}

var operations = map[Intent]common.Operation{
	Cancel:  common.OPERATION_CANCEL,
	Stop:    common.OPERATION_STOP,
	Restart: common.OPERATION_VALID,
}

// Controller executes operator requests synchronously.
type Controller struct {
	hostId    string
	transfers store.TransferStore
	hosts     store.HostStore
	connector runner.Connector
	timeout   time.Duration
}

func NewController(hostId string, transfers store.TransferStore, hosts store.HostStore, connector runner.Connector, timeout time.Duration) *Controller {
	return &Controller{
		hostId:    hostId,
		transfers: transfers,
		hosts:     hosts,
		connector: connector,
		timeout:   timeout,
	}
}

func (c *Controller) result(intent Intent, code common.ErrorCode, rec *common.TransferRecord) *Result {
	o := OutcomeOf(intent, code)
	if o.Success {
		logger.Info(intent, ": ", o.Message, " (", code, ")")
	} else {
		logger.Warn(intent, ": ", o.Message, " (", code, ")")
	}
	return &Result{Code: code, Outcome: o, Record: rec}
}

// Execute runs one operator request.
func (c *Controller) Execute(ctx context.Context, req Request) *Result {
	rec, err := c.transfers.Load(req.Id, req.Requester, req.Requested)
	if err == store.ErrNotFound {
		return c.result(req.Intent, common.TransferNotFound, nil)
	}
	if err != nil {
		logger.Error("cannot load transfer ", common.RecordKey(req.Id, req.Requester, req.Requested), ": ", err)
		return c.result(req.Intent, common.Internal, nil)
	}
	if req.Intent == Query {
		return c.result(Query, common.CompleteOk, rec)
	}
	if req.Intent == Cancel && rec.IsAllDone() {
		if rec.ChangeStatus(common.STATUS_DONE, rec.ErrorCode) {
			c.save(rec)
		}
		logger.Info(req.Intent, ": ", localDone.Message)
		return &Result{Code: common.TransferOk, Outcome: localDone, Record: rec}
	}

	code := c.remote(ctx, req.Intent, rec)
	if req.Intent == Restart && code == common.QueryRemotelyUnknown && rec.Requester == c.hostId {
		// the remote host never received the request, restart from here
		code = common.PreProcessingOk
	}
	res := c.result(req.Intent, code, rec)
	if res.Outcome.Success {
		c.apply(req.Intent, code, rec)
	}
	return res
}

// remote sends the control packet of intent and returns the reply code.
func (c *Controller) remote(ctx context.Context, intent Intent, rec *common.TransferRecord) common.ErrorCode {
	remote := rec.RemoteHost(c.hostId)
	host, err := c.hosts.GetHost(remote)
	if err != nil {
		logger.Error("host ", remote, " not found: ", err)
		return common.HostNotFound
	}
	ch, err := c.connector.CreateConnectionWithRetry(ctx, host.Address, host.IsSsl)
	if err != nil {
		logger.Error("cannot connect to ", remote, ": ", err)
		if code := common.CodeOf(err); code != common.Internal {
			return code
		}
		return common.ConnectionImpossible
	}
	defer ch.Close()
	op := operations[intent]
	if err := ch.Send(&common.Header{Operation: op, Attributes: rec.Attributes()}, nil); err != nil {
		logger.Error("cannot send ", op, " to ", remote, ": ", err)
		return common.Internal
	}
	h, _, err := ch.Receive(c.timeout)
	if err != nil {
		logger.Error("no answer to ", op, " from ", remote, ": ", err)
		return common.Internal
	}
	return h.Code
}

// apply updates the local copy after a successful remote answer.
func (c *Controller) apply(intent Intent, code common.ErrorCode, rec *common.TransferRecord) {
	if fresh, err := c.transfers.Load(rec.Id, rec.Requester, rec.Requested); err == nil {
		*rec = *fresh
	}
	switch {
	case intent == Cancel && code == common.CompleteOk:
		if !rec.ChangeStatus(common.STATUS_INERROR, common.CanceledTransfer) {
			return
		}
	case intent == Stop && code == common.CompleteOk:
		if !rec.ChangeStatus(common.STATUS_INTERRUPTED, common.StoppedTransfer) {
			return
		}
	case intent == Restart && code == common.PreProcessingOk:
		if rec.IsAllDone() {
			return
		}
		rec.Restart()
	default:
		return
	}
	c.save(rec)
}

func (c *Controller) save(rec *common.TransferRecord) {
	if err := c.transfers.Update(rec); err != nil {
		logger.Error("cannot update transfer ", rec.Key(), ": ", err)
	}
}
