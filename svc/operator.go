package svc

import (
	"context"
	"net"
	"time"

	"github.com/hetianyi/gomft/api"
	"github.com/hetianyi/gomft/common"
	"github.com/hetianyi/gomft/control"
	"github.com/hetianyi/gomft/util"
	"github.com/hetianyi/gox/convert"
	"github.com/hetianyi/gox/logger"
	json "github.com/json-iterator/go"
)

// command attributes, besides those of the transfer or host concerned.
const (
	COMMAND_INTENT = "intent"
	COMMAND_SUBMIT = "submit"
	COMMAND_HOST   = "host"
)

// OperatorStore receives the records created by operator commands.
type OperatorStore interface {
	Submit(rec *common.TransferRecord) error
	PutHost(host *common.HostAuth) error
}

// Operator executes the commands of the local operator on the stores of the running host.
// The store of a running host is locked, commands reach it through the server.
type Operator struct {
	hostId     string
	blockSize  int
	store      OperatorStore
	controller *control.Controller
	server     *Server
	// Resubmit starts a submitted or restarted transfer requested by this host.
	Resubmit func(rec *common.TransferRecord)
}

func NewOperator(hostId string, blockSize int, store OperatorStore, controller *control.Controller, server *Server) *Operator {
	return &Operator{
		hostId:     hostId,
		blockSize:  blockSize,
		store:      store,
		controller: controller,
		server:     server,
	}
}

// CommandReply is the answer to an operator command.
type CommandReply struct {
	Code     common.ErrorCode
	Success  bool
	ExitCode int
	Message  string
	Record   *common.TransferRecord
}

// ReplyOf converts a control result.
func ReplyOf(res *control.Result) *CommandReply {
	return &CommandReply{
		Code:     res.Code,
		Success:  res.Outcome.Success,
		ExitCode: res.Outcome.ExitCode,
		Message:  res.Outcome.Message,
		Record:   res.Record,
	}
}

func refused(code common.ErrorCode, msg string) *CommandReply {
	logger.Warn("operator command refused: ", msg)
	return &CommandReply{Code: code, ExitCode: 1, Message: msg}
}

func (r *CommandReply) packet() (*common.Header, []byte) {
	h := &common.Header{
		Operation:  common.OPERATION_COMMAND,
		Code:       r.Code,
		Msg:        r.Message,
		Attributes: map[string]string{"exit": convert.IntToStr(r.ExitCode)},
	}
	if r.Success {
		h.Attributes["success"] = "true"
	}
	var body []byte
	if r.Record != nil {
		bs, err := json.Marshal(r.Record)
		if err != nil {
			logger.Error("cannot encode transfer ", r.Record.Key(), ": ", err)
		}
		body = bs
	}
	return h, body
}

func commandReply(h *common.Header, body []byte) (*CommandReply, error) {
	r := &CommandReply{Code: h.Code, Message: h.Msg, Success: h.Attr("success") == "true"}
	r.ExitCode, _ = convert.StrToInt(h.Attr("exit"))
	if len(body) > 0 {
		r.Record = new(common.TransferRecord)
		if err := json.Unmarshal(body, r.Record); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Execute runs one command. Control intents go through the controller,
// a cancel or stop also aborts the transfer if this server is serving it.
func (o *Operator) Execute(ctx context.Context, h *common.Header) *CommandReply {
	intent := h.Attr(COMMAND_INTENT)
	logger.Info("operator command ", intent)
	switch intent {
	case COMMAND_SUBMIT:
		return o.submit(h.Attributes)
	case COMMAND_HOST:
		return o.putHost(h.Attributes)
	}
	i, ok := control.ParseIntent(intent)
	if !ok {
		return refused(common.TransferError, "unknown command \""+intent+"\"")
	}
	req, err := common.RecordFromAttributes(h.Attributes)
	if err != nil {
		return refused(common.CodeOf(err), err.Error())
	}
	res := o.controller.Execute(ctx, control.Request{Id: req.Id, Requester: req.Requester, Requested: req.Requested, Intent: i})
	switch {
	case i == control.Cancel && res.Code == common.CompleteOk:
		o.server.abort(req.Key(), common.OPERATION_CANCEL)
	case i == control.Stop && res.Code == common.CompleteOk:
		o.server.abort(req.Key(), common.OPERATION_STOP)
	case i == control.Restart && res.Code == common.PreProcessingOk && res.Record != nil:
		if res.Record.Requester == o.hostId && res.Record.Status == common.STATUS_TOSUBMIT {
			o.resubmit(res.Record)
		}
	}
	return ReplyOf(res)
}

func (o *Operator) submit(ats map[string]string) *CommandReply {
	rec, err := common.RecordFromAttributes(ats)
	if err != nil {
		return refused(common.CodeOf(err), err.Error())
	}
	if rec.Requester != o.hostId {
		return refused(common.NotKnownHost, "requester must be "+o.hostId)
	}
	rec.Owner = o.hostId
	if rec.BlockSize <= 0 {
		rec.BlockSize = o.blockSize
	}
	if err := o.store.Submit(rec); err != nil {
		logger.Error("cannot submit transfer: ", err)
		return &CommandReply{Code: common.Internal, ExitCode: 1, Message: err.Error()}
	}
	logger.Info("transfer ", rec.Key(), " submitted by operator")
	o.resubmit(rec)
	return &CommandReply{Code: common.PreProcessingOk, Success: true, Message: "transfer submitted", Record: rec}
}

// resubmit hands a copy of rec to the scheduler, rec itself goes back to the operator.
func (o *Operator) resubmit(rec *common.TransferRecord) {
	if o.Resubmit != nil {
		cp := *rec
		o.Resubmit(&cp)
	}
}

func (o *Operator) putHost(ats map[string]string) *CommandReply {
	host := &common.HostAuth{
		HostId:   ats["hostId"],
		Address:  ats["address"],
		Secret:   ats["secret"],
		IsClient: ats["client"] == "true",
		IsSsl:    ats["ssl"] == "true",
	}
	if err := util.CheckHost(host); err != nil {
		return refused(common.TransferError, err.Error())
	}
	if err := o.store.PutHost(host); err != nil {
		logger.Error("cannot save host ", host.HostId, ": ", err)
		return &CommandReply{Code: common.Internal, ExitCode: 1, Message: err.Error()}
	}
	logger.Info("host ", host.HostId, " saved by operator")
	return &CommandReply{Code: common.CompleteOk, Success: true, Message: "host " + host.HostId + " saved"}
}

// ControlCommand builds the attributes of a control intent on a transfer.
func ControlCommand(req control.Request) map[string]string {
	rec := &common.TransferRecord{Id: req.Id, Requester: req.Requester, Requested: req.Requested}
	ats := rec.Attributes()
	ats[COMMAND_INTENT] = req.Intent.String()
	return ats
}

// SubmitCommand builds the attributes of a new transfer.
func SubmitCommand(rec *common.TransferRecord) map[string]string {
	ats := rec.RequestAttributes()
	ats[COMMAND_INTENT] = COMMAND_SUBMIT
	return ats
}

// HostCommand builds the attributes of a remote host to save.
func HostCommand(host *common.HostAuth) map[string]string {
	ats := map[string]string{
		COMMAND_INTENT: COMMAND_HOST,
		"hostId":       host.HostId,
		"address":      host.Address,
		"secret":       host.Secret,
	}
	if host.IsClient {
		ats["client"] = "true"
	}
	if host.IsSsl {
		ats["ssl"] = "true"
	}
	return ats
}

// OperatorAddress is where the operator reaches the host configured by c.
func OperatorAddress(c *common.Config) string {
	host := c.BindAddress
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, convert.IntToStr(c.Port))
}

// CommandTimeout bounds the wait for a command answer, the host may have to
// reach the remote host of a transfer first.
func CommandTimeout(c *common.Config) time.Duration {
	retry := c.ConnectRetry
	if retry <= 0 {
		retry = 1
	}
	return common.Millis(2*c.Timeout + retry*(c.DialTimeout+c.ConnectDelay))
}

// DialHost connects to the running host configured by c as its operator.
// api.ErrNoConnection means no host is running.
func DialHost(c *common.Config) (api.PacketChannel, error) {
	connector := &api.Connector{
		HostId:      c.HostId,
		Secret:      c.Secret,
		Retry:       1,
		DialTimeout: time.Second,
		Timeout:     common.Millis(c.Timeout),
	}
	return connector.CreateConnectionWithRetry(context.Background(), OperatorAddress(c), false)
}

// SendCommand sends one command on an operator channel and waits for its answer.
func SendCommand(ch api.PacketChannel, ats map[string]string, timeout time.Duration) (*CommandReply, error) {
	if err := ch.Send(&common.Header{Operation: common.OPERATION_COMMAND, Attributes: ats}, nil); err != nil {
		return nil, err
	}
	h, body, err := ch.Receive(timeout)
	if h == nil {
		return nil, err
	}
	if err != nil || h.Operation != common.OPERATION_COMMAND {
		code := h.Code
		if code == common.Unknown {
			code = common.RemoteError
		}
		return nil, common.NewFailure(code, h.Msg)
	}
	return commandReply(h, body)
}
