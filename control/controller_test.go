package control_test

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hetianyi/gomft/api"
	"github.com/hetianyi/gomft/common"
	"github.com/hetianyi/gomft/control"
	"github.com/hetianyi/gomft/store"
	"github.com/hetianyi/gomft/svc"
	"github.com/hetianyi/gox/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Init(&logger.Config{
		Level: logger.DebugLevel,
	})
}

// countingConnector serves every channel with the remote server and counts connections.
type countingConnector struct {
	server   *svc.Server
	connects int32
}

func (c *countingConnector) CreateConnectionWithRetry(ctx context.Context, address string, secure bool) (api.PacketChannel, error) {
	atomic.AddInt32(&c.connects, 1)
	a, b := api.NewChannelPair("a", address)
	go c.server.Serve(b)
	if err := api.Handshake(a, "a", "sa", time.Second); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

type fixture struct {
	local      *store.BoltStore
	remote     *store.BoltStore
	connector  *countingConnector
	controller *control.Controller
}

func openStore(t *testing.T) *store.BoltStore {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{local: openStore(t), remote: openStore(t)}
	require.NoError(t, f.local.PutHost(&common.HostAuth{HostId: "b", Address: "b:6666"}))
	require.NoError(t, f.remote.PutHost(&common.HostAuth{HostId: "a", Address: "a:6666", Secret: "sa"}))
	server := svc.NewServer(&common.Config{HostId: "b", Timeout: 1000, MaxActiveTransfers: 10}, f.remote, f.remote, nil)
	f.connector = &countingConnector{server: server}
	f.controller = control.NewController("a", f.local, f.local, f.connector, time.Second)
	return f
}

// transfer stores the local and remote copies of one transfer a -> b.
func (f *fixture) transfer(t *testing.T, local, remote common.TransferRecord) *common.TransferRecord {
	local.Id, local.Requester, local.Requested, local.Owner = 1, "a", "b", "a"
	require.NoError(t, f.local.Save(&local))
	if remote.Owner != "" {
		remote.Id, remote.Requester, remote.Requested = 1, "a", "b"
		require.NoError(t, f.remote.Save(&remote))
	}
	return &local
}

func (f *fixture) execute(intent control.Intent) *control.Result {
	return f.controller.Execute(context.Background(), control.Request{Id: 1, Requester: "a", Requested: "b", Intent: intent})
}

func TestTransferNotFound(t *testing.T) {
	f := newFixture(t)
	res := f.execute(control.Cancel)
	assert.Equal(t, common.TransferNotFound, res.Code)
	assert.Equal(t, 4, res.Outcome.ExitCode)
	res = f.execute(control.Restart)
	assert.Equal(t, 3, res.Outcome.ExitCode)
	assert.False(t, f.execute(control.Query).Outcome.Success)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.connector.connects))
}

func TestCancelDoneIsLocal(t *testing.T) {
	f := newFixture(t)
	f.transfer(t, common.TransferRecord{Step: common.STEP_ALLDONE, Status: common.STATUS_RUNNING}, common.TransferRecord{})
	res := f.execute(control.Cancel)
	assert.True(t, res.Outcome.Success)
	assert.Equal(t, 0, res.Outcome.ExitCode)
	assert.Equal(t, common.TransferOk, res.Code)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.connector.connects))
	rec, _ := f.local.Load(1, "a", "b")
	assert.Equal(t, common.STATUS_DONE, rec.Status)
}

func TestCancelRemote(t *testing.T) {
	f := newFixture(t)
	f.transfer(t, common.TransferRecord{Status: common.STATUS_TOSUBMIT},
		common.TransferRecord{Owner: "b", Status: common.STATUS_RUNNING})
	res := f.execute(control.Cancel)
	assert.Equal(t, common.CompleteOk, res.Code)
	assert.Equal(t, 0, res.Outcome.ExitCode)

	local, _ := f.local.Load(1, "a", "b")
	assert.Equal(t, common.STATUS_INERROR, local.Status)
	assert.Equal(t, common.CanceledTransfer, local.ErrorCode)
	remote, _ := f.remote.Load(1, "a", "b")
	assert.Equal(t, common.STATUS_INERROR, remote.Status)
}

func TestCancelRemotelyFinished(t *testing.T) {
	f := newFixture(t)
	f.transfer(t, common.TransferRecord{Status: common.STATUS_INERROR},
		common.TransferRecord{Owner: "b", Step: common.STEP_ALLDONE, Status: common.STATUS_DONE})
	res := f.execute(control.Cancel)
	assert.Equal(t, common.TransferOk, res.Code)
	assert.False(t, res.Outcome.Success)
	assert.Equal(t, 3, res.Outcome.ExitCode)
}

func TestStop(t *testing.T) {
	f := newFixture(t)
	f.transfer(t, common.TransferRecord{Status: common.STATUS_RUNNING},
		common.TransferRecord{Owner: "b", Status: common.STATUS_RUNNING})
	res := f.execute(control.Stop)
	assert.Equal(t, 0, res.Outcome.ExitCode)
	local, _ := f.local.Load(1, "a", "b")
	assert.Equal(t, common.STATUS_INTERRUPTED, local.Status)
	assert.Equal(t, common.StoppedTransfer, local.ErrorCode)
}

func TestRestartOutcomes(t *testing.T) {
	cases := []struct {
		name   string
		remote common.TransferRecord
		code   common.ErrorCode
		exit   int
	}{
		{"pass-through", common.TransferRecord{Owner: "b", Mode: common.MODE_RECVTHROUGH, Status: common.STATUS_INERROR}, common.PassThroughMode, 6},
		{"finished", common.TransferRecord{Owner: "b", Step: common.STEP_ALLDONE, Status: common.STATUS_DONE}, common.CompleteOk, 4},
		{"refused", common.TransferRecord{Owner: "b", Status: common.STATUS_INERROR, ErrorCode: common.BadAuthent}, common.RemoteError, 5},
		{"running", common.TransferRecord{Owner: "b", Status: common.STATUS_RUNNING}, common.Running, 0},
		{"restarted", common.TransferRecord{Owner: "b", Step: common.STEP_ERRORTASK, Status: common.STATUS_INERROR, ErrorCode: common.TransferError}, common.PreProcessingOk, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newFixture(t)
			f.transfer(t, common.TransferRecord{Step: common.STEP_TRANSFERTASK, Status: common.STATUS_INERROR, ErrorCode: common.TransferError}, c.remote)
			res := f.execute(control.Restart)
			assert.Equal(t, c.code, res.Code)
			assert.Equal(t, c.exit, res.Outcome.ExitCode)
		})
	}
}

func TestRestartMarksLocalCopyToSubmit(t *testing.T) {
	f := newFixture(t)
	// the remote host never received the request
	f.transfer(t, common.TransferRecord{Step: common.STEP_PRETASK, Status: common.STATUS_INERROR, ErrorCode: common.ConnectionImpossible}, common.TransferRecord{})
	res := f.execute(control.Restart)
	assert.Equal(t, common.PreProcessingOk, res.Code)
	assert.Equal(t, 0, res.Outcome.ExitCode)
	local, _ := f.local.Load(1, "a", "b")
	assert.Equal(t, common.STATUS_TOSUBMIT, local.Status)
	assert.Equal(t, common.Unknown, local.ErrorCode)
}

func TestHostNotFound(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.local.Save(&common.TransferRecord{Id: 1, Requester: "a", Requested: "z", Owner: "a"}))
	res := f.controller.Execute(context.Background(), control.Request{Id: 1, Requester: "a", Requested: "z", Intent: control.Stop})
	assert.Equal(t, common.HostNotFound, res.Code)
	assert.Equal(t, 4, res.Outcome.ExitCode)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.connector.connects))
}

func TestQuery(t *testing.T) {
	f := newFixture(t)
	f.transfer(t, common.TransferRecord{Filename: "q.bin", Status: common.STATUS_RUNNING}, common.TransferRecord{})
	res := f.execute(control.Query)
	assert.True(t, res.Outcome.Success)
	assert.Equal(t, 0, res.Outcome.ExitCode)
	assert.Equal(t, "q.bin", res.Record.Filename)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.connector.connects))
}

func TestOutcomeTable(t *testing.T) {
	assert.Equal(t, 0, control.OutcomeOf(control.Cancel, common.CompleteOk).ExitCode)
	assert.Equal(t, 3, control.OutcomeOf(control.Cancel, common.TransferOk).ExitCode)
	assert.Equal(t, 4, control.OutcomeOf(control.Cancel, common.Internal).ExitCode)
	assert.Equal(t, 0, control.OutcomeOf(control.Stop, common.TransferOk).ExitCode)
	assert.Equal(t, 4, control.OutcomeOf(control.Stop, common.RemoteError).ExitCode)
	assert.Equal(t, 0, control.OutcomeOf(control.Restart, common.QueryStillRunning).ExitCode)
	assert.Equal(t, 3, control.OutcomeOf(control.Restart, common.ConnectionImpossible).ExitCode)
	finished := control.OutcomeOf(control.Restart, common.CompleteOk)
	assert.True(t, finished.Success)
	assert.Equal(t, 4, finished.ExitCode)
}

func TestRestartOfFinishedTransferIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.transfer(t, common.TransferRecord{Step: common.STEP_POSTTASK, Status: common.STATUS_INERROR, ErrorCode: common.TransferError},
		common.TransferRecord{Owner: "b", Step: common.STEP_ALLDONE, Status: common.STATUS_DONE})
	res := f.execute(control.Restart)
	assert.Equal(t, common.CompleteOk, res.Code)
	assert.True(t, res.Outcome.Success)
	assert.Equal(t, 4, res.Outcome.ExitCode)
	// the local copy is not put back to submission
	local, _ := f.local.Load(1, "a", "b")
	assert.Equal(t, common.STATUS_INERROR, local.Status)
}

func TestParseIntent(t *testing.T) {
	for _, i := range []control.Intent{control.Query, control.Cancel, control.Stop, control.Restart} {
		parsed, ok := control.ParseIntent(i.String())
		assert.True(t, ok)
		assert.Equal(t, i, parsed)
	}
	_, ok := control.ParseIntent("submit")
	assert.False(t, ok)
}
