// Package runner drives one transfer to completion across network failures
// and remote overload, persisting progress at every step.
package runner

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/hetianyi/gomft/api"
	"github.com/hetianyi/gomft/common"
	"github.com/hetianyi/gomft/store"
	"github.com/hetianyi/gox/convert"
	"github.com/hetianyi/gox/logger"
)

var ErrNotYetConnected = errors.New("not yet connected, transfer resubmitted")

// Connector opens authenticated channels.
type Connector interface {
	CreateConnectionWithRetry(ctx context.Context, address string, secure bool) (api.PacketChannel, error)
}

type Config struct {
	HostId           string
	DataDir          string
	RetryLimit       int
	RetryDelay       time.Duration
	OverloadDelay    time.Duration
	Timeout          time.Duration
	RankRestart      int
	CheckpointBlocks int
	// PassiveData asks the requested host for a separate data connection.
	PassiveData bool
}

// ConfigFrom extracts the runner settings of the host configuration.
func ConfigFrom(c *common.Config) Config {
	return Config{
		HostId:           c.HostId,
		DataDir:          c.DataDir,
		RetryLimit:       c.RetryLimit,
		RetryDelay:       common.Millis(c.RetryDelay),
		OverloadDelay:    common.Millis(c.OverloadDelay),
		Timeout:          common.Millis(c.Timeout),
		RankRestart:      c.RankRestart,
		CheckpointBlocks: c.CheckpointBlocks,
		PassiveData:      c.PassiveData,
	}
}

type Runner struct {
	config    Config
	transfers store.TransferStore
	hosts     store.HostStore
	connector Connector
	ledger    *RetryLedger
}

func NewRunner(config Config, transfers store.TransferStore, hosts store.HostStore, connector Connector) *Runner {
	return &Runner{
		config:    config,
		transfers: transfers,
		hosts:     hosts,
		connector: connector,
		ledger:    NewRetryLedger(),
	}
}

func (r *Runner) Ledger() *RetryLedger {
	return r.ledger
}

// outcome of one attempt, code Unknown means no explicit result.
type outcome struct {
	success bool
	code    common.ErrorCode
	err     error
}

// RestartRank computes the rank a receiver resumes from after an interruption:
// rankRestart blocks back, aligned down to the last checkpoint. It never exceeds rank.
func RestartRank(rank, rankRestart, checkpointBlocks int) int {
	if rankRestart < 0 {
		rankRestart = 0
	}
	n := rank - rankRestart
	if n < 0 {
		n = 0
	}
	if checkpointBlocks > 1 {
		n -= n % checkpointBlocks
	}
	return n
}

// Submit runs the transfer on its own goroutine.
// Awaiting the future with a timeout never cancels the transfer.
func (r *Runner) Submit(ctx context.Context, rec *common.TransferRecord) *api.Future {
	f := api.NewFuture()
	go func() {
		res, err := r.RunTransfer(ctx, rec)
		if res == nil {
			res = &api.Result{Code: common.CodeOf(err), Record: rec, Err: err}
		}
		f.Complete(res)
	}()
	return f
}

// RunTransfer drives one transfer.
//
// ErrNotYetConnected means the remote host could not be reached and the
// record was put back to TOSUBMIT. Any other error is terminal and has been
// persisted in the record.
func (r *Runner) RunTransfer(ctx context.Context, rec *common.TransferRecord) (*api.Result, error) {
	// the receiver moves back from its checkpoint once per run, not per overload retry
	rewind := true
	for {
		res, overloaded, err := r.attempt(ctx, rec, rewind)
		rewind = false
		if !overloaded {
			return res, err
		}
		if !r.ledger.Increment(rec.Key(), r.config.RetryLimit) {
			logger.Warn("transfer ", rec.Key(), " remote host still overloaded, give up")
			return r.fail(rec, common.ConnectionImpossible, "server overloaded, retry limit reached")
		}
		logger.Info("transfer ", rec.Key(), " remote host overloaded, retry in ", r.config.OverloadDelay)
		if err := wait(ctx, r.config.OverloadDelay); err != nil {
			return r.fail(rec, common.Internal, err.Error())
		}
	}
}

func (r *Runner) attempt(ctx context.Context, rec *common.TransferRecord, rewind bool) (*api.Result, bool, error) {
	if stored, ok := r.interrupted(rec); ok {
		*rec = *stored
		code := interruptionCode(stored)
		logger.Info("transfer ", rec.Key(), " interrupted locally before its start: ", code)
		err := common.NewFailure(code, "interrupted locally")
		return &api.Result{Code: code, Record: rec, Err: err}, false, err
	}
	if rec.Start.IsZero() {
		rec.Start = time.Now()
	}
	r.changeStatus(rec, common.STATUS_RUNNING, common.Running)

	if rec.IsSelfRequested() {
		res, err := r.fail(rec, common.LoopSelfRequestedHost, rec.Requester)
		return res, false, err
	}

	remote := rec.RemoteHost(r.config.HostId)
	host, err := r.hosts.GetHost(remote)
	if err != nil {
		res, err := r.fail(rec, common.NotKnownHost, remote)
		return res, false, err
	}
	if host.IsClient {
		res, err := r.fail(rec, common.ConnectionImpossible, "host "+remote+" is client only")
		return res, false, err
	}

	ch, err := r.connector.CreateConnectionWithRetry(ctx, host.Address, host.IsSsl)
	if err != nil {
		res, err := r.connectionFailed(ctx, rec, err)
		return res, false, err
	}

	if rec.Step == common.STEP_POSTTASK && !rec.IsSelfRequested() {
		logger.Info("transfer ", rec.Key(), " replays its end of request")
		res, err := r.finish(ch, rec, r.replayPostTask(ch, rec))
		return res, false, err
	}

	if rewind && !rec.IsSender() && rec.Step == common.STEP_TRANSFERTASK {
		prev := rec.Rank
		rec.Rank = RestartRank(rec.Rank, r.config.RankRestart, r.config.CheckpointBlocks)
		logger.Debug("transfer ", rec.Key(), " restarts from rank ", rec.Rank, " (was ", prev, ")")
	}
	if rec.Mode.IsPassThrough() {
		rec.Rank = 0
	}
	rec.SetStep(common.STEP_PRETASK)
	if err := r.progress(rec); err != nil {
		res, err := r.finish(ch, rec, outcome{code: common.CodeOf(err), err: err})
		return res, false, err
	}

	ats := rec.RequestAttributes()
	if r.config.PassiveData {
		ats[api.DATA_ATTRIBUTE] = api.DATA_PASSIVE
	}
	err = ch.Send(&common.Header{Operation: common.OPERATION_REQUEST, Attributes: ats}, nil)
	if err != nil {
		res, err := r.finish(ch, rec, outcome{err: err})
		return res, false, err
	}
	h, _, err := ch.Receive(r.config.Timeout)
	o, validated := r.validation(h, err)
	if !validated {
		if o.code == common.ServerOverloaded {
			ch.Close()
			if !rec.IsFinished() {
				r.changeStatus(rec, common.STATUS_INERROR, common.ServerOverloaded)
			}
			return nil, true, nil
		}
		res, err := r.finish(ch, rec, o)
		return res, false, err
	}

	if rec.IsSender() && !rec.Mode.IsPassThrough() {
		if rank, err := convert.StrToInt(h.Attr("rank")); err == nil && rank >= 0 {
			rec.Rank = rank
		}
	}
	res, err := r.finish(ch, rec, r.transfer(ch, rec, api.DataPort(h.Attributes)))
	return res, false, err
}

// connectionFailed applies the retry ledger after an unsuccessful connection.
func (r *Runner) connectionFailed(ctx context.Context, rec *common.TransferRecord, cause error) (*api.Result, error) {
	if common.CodeOf(cause) == common.BadAuthent {
		r.ledger.Remove(rec.Key())
		return r.fail(rec, common.BadAuthent, cause.Error())
	}
	if r.ledger.Increment(rec.Key(), r.config.RetryLimit) {
		logger.Info("transfer ", rec.Key(), " not yet connected, tries ", r.ledger.Tries(rec.Key()))
		r.changeStatus(rec, common.STATUS_TOSUBMIT, common.ConnectionImpossible)
		wait(ctx, r.config.RetryDelay)
		return &api.Result{Code: common.ConnectionImpossible, Record: rec, Err: ErrNotYetConnected}, ErrNotYetConnected
	}
	return r.fail(rec, common.ConnectionImpossible, cause.Error())
}

// validation reads the answer to a REQUEST.
func (r *Runner) validation(h *common.Header, err error) (outcome, bool) {
	if h == nil {
		return outcome{err: err}, false
	}
	if err != nil {
		return outcome{code: common.TransferError, err: err}, false
	}
	if h.Operation == common.OPERATION_ERROR {
		return outcome{code: nonZero(h.Code, common.RemoteError), err: errors.New(h.Msg)}, false
	}
	if h.Operation != common.OPERATION_REQUEST {
		return outcome{code: common.TransferError, err: errors.New("unexpected answer " + h.Operation.String())}, false
	}
	if h.Code != common.InitOk {
		return outcome{code: nonZero(h.Code, common.RemoteError), err: errors.New(h.Msg)}, false
	}
	return outcome{}, true
}

// transfer runs the data phase and the end of request handshake.
// A non zero dataPort moves the data phase to a data connection opened on that port.
func (r *Runner) transfer(ch api.PacketChannel, rec *common.TransferRecord, dataPort int) outcome {
	rec.SetStep(common.STEP_TRANSFERTASK)
	if err := r.progress(rec); err != nil {
		ch.Send(&common.Header{Operation: abortOperation(err), Attributes: rec.Attributes()}, nil)
		return outcome{code: common.CodeOf(err), err: err}
	}
	dataCh := ch
	if dataPort > 0 {
		d, err := api.DialData(ch, dataPort, r.config.Timeout)
		if err != nil {
			return outcome{code: common.TransferError, err: err}
		}
		defer d.Close()
		dataCh = d
	}
	bt := &api.BlockTransfer{
		Channel:          dataCh,
		Record:           rec,
		Path:             r.localPath(rec),
		Timeout:          r.config.Timeout,
		CheckpointBlocks: r.config.CheckpointBlocks,
		Checkpoint:       r.progress,
	}
	var err error
	if rec.IsSender() {
		err = bt.Send()
	} else {
		err = bt.Receive()
	}
	if err != nil {
		code := common.Unknown
		var te *common.TransferFailure
		if errors.As(err, &te) {
			code = te.Code
		}
		switch code {
		case common.StoppedTransfer:
			r.changeStatus(rec, common.STATUS_INTERRUPTED, code)
		case common.CanceledTransfer:
			r.changeStatus(rec, common.STATUS_INERROR, code)
		}
		return outcome{code: code, err: err}
	}

	if dataCh != ch {
		dataCh.Close()
		if err := ch.Session().CompleteDataPhase(); err != nil {
			return outcome{code: common.TransferError, err: err}
		}
	}
	rec.SetStep(common.STEP_POSTTASK)
	if err := r.progress(rec); err != nil {
		return outcome{code: common.CodeOf(err), err: err}
	}
	return r.endRequest(ch, rec)
}

func (r *Runner) endRequest(ch api.PacketChannel, rec *common.TransferRecord) outcome {
	err := ch.Send(&common.Header{
		Operation:  common.OPERATION_END_REQUEST,
		Code:       common.CompleteOk,
		Attributes: rec.Attributes(),
	}, nil)
	if err != nil {
		return outcome{err: err}
	}
	h, _, err := ch.Receive(r.config.Timeout)
	if h == nil {
		return outcome{err: err}
	}
	if err != nil {
		return outcome{code: common.TransferError, err: err}
	}
	if h.Operation != common.OPERATION_END_REQUEST || h.Code != common.CompleteOk {
		return outcome{code: nonZero(h.Code, common.RemoteError), err: errors.New(h.Msg)}
	}
	return outcome{success: true, code: common.CompleteOk}
}

// replayPostTask sends only the end of request of a transfer whose data phase completed.
// A missing answer is taken as done.
func (r *Runner) replayPostTask(ch api.PacketChannel, rec *common.TransferRecord) outcome {
	o := r.endRequest(ch, rec)
	if !o.success && o.err == api.ErrTimeout {
		logger.Warn("transfer ", rec.Key(), " no answer to end of request, considered done")
		return outcome{success: true, code: common.CompleteOk}
	}
	return o
}

// finish closes the channel and reconciles the outcome with the persisted record.
func (r *Runner) finish(ch api.PacketChannel, rec *common.TransferRecord, o outcome) (*api.Result, error) {
	r.ledger.Remove(rec.Key())
	ch.Close()
	if fresh, err := r.transfers.Load(rec.Id, rec.Requester, rec.Requested); err == nil {
		*rec = *fresh
	} else {
		logger.Error("cannot reload transfer ", rec.Key(), ": ", err)
	}

	switch {
	case o.success:
		rec.SetAllDone()
		r.save(rec)
		logger.Info("transfer ", rec.Key(), " done")
		return &api.Result{Code: common.CompleteOk, Success: true, Record: rec}, nil
	case o.code == common.Unknown && rec.Status == common.STATUS_DONE:
		logger.Info("transfer ", rec.Key(), " interrupted but already done")
		rec.SetAllDone()
		r.save(rec)
		return &api.Result{Code: common.CompleteOk, Success: true, Record: rec}, nil
	case o.code == common.Unknown:
		logger.Error("transfer ", rec.Key(), " interrupted: ", o.err)
		if !rec.IsFinished() {
			r.changeStatus(rec, common.STATUS_INERROR, common.Internal)
		}
		err := common.NewFailure(common.Internal, errString(o.err))
		return &api.Result{Code: common.Internal, Record: rec, Err: err}, err
	case o.code == common.QueryAlreadyFinished:
		logger.Info("transfer ", rec.Key(), " already finished on remote host, finalize")
		rec.SetStep(common.STEP_ALLDONE)
		rec.ChangeStatus(common.STATUS_DONE, common.QueryAlreadyFinished)
		r.save(rec)
		return &api.Result{Code: common.QueryAlreadyFinished, Success: true, Record: rec}, nil
	default:
		logger.Error("transfer ", rec.Key(), " failed: ", o.code, ": ", o.err)
		if !rec.IsFinished() {
			r.changeStatus(rec, common.STATUS_INERROR, o.code)
		}
		err := common.NewFailure(o.code, errString(o.err))
		return &api.Result{Code: o.code, Record: rec, Err: err}, err
	}
}

// fail persists a terminal error of an attempt which has no channel.
func (r *Runner) fail(rec *common.TransferRecord, code common.ErrorCode, msg string) (*api.Result, error) {
	logger.Error("transfer ", rec.Key(), " failed: ", code, ": ", msg)
	r.changeStatus(rec, common.STATUS_INERROR, code)
	err := common.NewFailure(code, msg)
	return &api.Result{Code: code, Record: rec, Err: err}, err
}

func (r *Runner) changeStatus(rec *common.TransferRecord, status common.Status, code common.ErrorCode) {
	if rec.ChangeStatus(status, code) {
		r.save(rec)
	}
}

// interrupted returns the stored copy of rec when an operator cancel or stop was persisted on it.
func (r *Runner) interrupted(rec *common.TransferRecord) (*common.TransferRecord, bool) {
	stored, err := r.transfers.Load(rec.Id, rec.Requester, rec.Requested)
	if err != nil {
		return nil, false
	}
	switch {
	case stored.Status == common.STATUS_INTERRUPTED:
	case stored.Status == common.STATUS_INERROR &&
		(stored.ErrorCode == common.CanceledTransfer || stored.ErrorCode == common.StoppedTransfer):
	default:
		return nil, false
	}
	return stored, true
}

// progress persists the step and rank of a running rec. When its stored copy
// was put in error or interrupted meanwhile, rec keeps the stored status and
// the returned failure ends the transfer.
func (r *Runner) progress(rec *common.TransferRecord) error {
	var interruption error
	if rec.Status == common.STATUS_RUNNING {
		stored, err := r.transfers.Load(rec.Id, rec.Requester, rec.Requested)
		if err == nil && (stored.Status == common.STATUS_INERROR || stored.Status == common.STATUS_INTERRUPTED) {
			rec.Status, rec.ErrorCode, rec.Stop = stored.Status, stored.ErrorCode, stored.Stop
			code := interruptionCode(stored)
			logger.Info("transfer ", rec.Key(), " interrupted locally: ", code)
			interruption = common.NewFailure(code, "interrupted locally")
		}
	}
	r.save(rec)
	return interruption
}

func interruptionCode(stored *common.TransferRecord) common.ErrorCode {
	if stored.ErrorCode != common.Unknown {
		return stored.ErrorCode
	}
	if stored.Status == common.STATUS_INTERRUPTED {
		return common.StoppedTransfer
	}
	return common.CanceledTransfer
}

func abortOperation(err error) common.Operation {
	if common.CodeOf(err) == common.StoppedTransfer {
		return common.OPERATION_STOP
	}
	return common.OPERATION_CANCEL
}

// save persists rec, errors are logged only. A stored DONE is never overwritten.
func (r *Runner) save(rec *common.TransferRecord) {
	if rec.Status != common.STATUS_DONE {
		if stored, err := r.transfers.Load(rec.Id, rec.Requester, rec.Requested); err == nil && stored.Status == common.STATUS_DONE {
			logger.Debug("transfer ", rec.Key(), " already done, keep stored copy")
			return
		}
	}
	if err := r.transfers.Update(rec); err != nil {
		logger.Error("cannot update transfer ", rec.Key(), ": ", err)
	}
}

func (r *Runner) localPath(rec *common.TransferRecord) string {
	if filepath.IsAbs(rec.Filename) {
		return rec.Filename
	}
	return filepath.Join(r.config.DataDir, rec.Filename)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func nonZero(code, fallback common.ErrorCode) common.ErrorCode {
	if code == common.Unknown {
		return fallback
	}
	return code
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
