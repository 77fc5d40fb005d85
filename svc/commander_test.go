package svc_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hetianyi/gomft/api"
	"github.com/hetianyi/gomft/common"
	"github.com/hetianyi/gomft/store"
	"github.com/hetianyi/gomft/svc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	lock    *sync.Mutex
	futures map[string]*api.Future
}

func (s *fakeSubmitter) Submit(ctx context.Context, rec *common.TransferRecord) *api.Future {
	s.lock.Lock()
	defer s.lock.Unlock()
	f := api.NewFuture()
	s.futures[rec.Key()] = f
	return f
}

func (s *fakeSubmitter) complete(key string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.futures[key].Complete(&api.Result{Code: common.CompleteOk, Success: true})
}

func TestCommanderSubmitsPendingTransfers(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()

	pending := &common.TransferRecord{Requester: "a", Requested: "b", Owner: "a"}
	require.NoError(t, s.Submit(pending))
	// the copy of another host, a running transfer and a transfer requested by b
	require.NoError(t, s.Submit(&common.TransferRecord{Requester: "a", Requested: "b", Owner: "b"}))
	running := &common.TransferRecord{Requester: "a", Requested: "b", Owner: "a"}
	require.NoError(t, s.Submit(running))
	running.Status = common.STATUS_RUNNING
	require.NoError(t, s.Update(running))
	require.NoError(t, s.Submit(&common.TransferRecord{Requester: "b", Requested: "a", Owner: "a"}))

	submitter := &fakeSubmitter{lock: new(sync.Mutex), futures: make(map[string]*api.Future)}
	c := svc.NewCommander(context.Background(), "a", s, submitter)

	assert.Len(t, c.RunOnce(), 1)
	assert.Equal(t, 1, c.InFlight())
	assert.Len(t, c.RunOnce(), 0)

	submitter.complete(pending.Key())
	assert.Eventually(t, func() bool { return c.InFlight() == 0 }, time.Second, 5*time.Millisecond)
	assert.Len(t, c.RunOnce(), 1)

	submitter.complete(pending.Key())
	assert.Eventually(t, func() bool { return c.InFlight() == 0 }, time.Second, 5*time.Millisecond)
	c.Stop()
	assert.Len(t, c.RunOnce(), 0)
}
