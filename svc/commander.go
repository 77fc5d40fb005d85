package svc

import (
	"context"
	"sync"
	"time"

	"github.com/emirpasic/gods/sets/hashset"
	"github.com/hetianyi/gomft/api"
	"github.com/hetianyi/gomft/common"
	"github.com/hetianyi/gox"
	"github.com/hetianyi/gox/logger"
	"github.com/hetianyi/gox/timer"
)

// Scanner walks persisted transfer records.
type Scanner interface {
	Scan(walker func(rec *common.TransferRecord) bool) error
}

// Submitter runs a transfer asynchronously.
type Submitter interface {
	Submit(ctx context.Context, rec *common.TransferRecord) *api.Future
}

// Commander periodically submits the TOSUBMIT transfers requested by this host.
type Commander struct {
	hostId    string
	scanner   Scanner
	submitter Submitter
	ctx       context.Context
	lock      *sync.Mutex
	inFlight  *hashset.Set
	stopped   bool
}

func NewCommander(ctx context.Context, hostId string, scanner Scanner, submitter Submitter) *Commander {
	return &Commander{
		hostId:    hostId,
		scanner:   scanner,
		submitter: submitter,
		ctx:       ctx,
		lock:      new(sync.Mutex),
		inFlight:  hashset.New(),
	}
}

// Start runs RunOnce every interval.
func (c *Commander) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	timer.Start(interval, interval, 0, func(t *timer.Timer) {
		gox.Try(func() {
			c.RunOnce()
		}, func(i interface{}) {
			logger.Error("commander error: ", i)
		})
	})
}

// Stop prevents further submissions, running transfers are not affected.
func (c *Commander) Stop() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.stopped = true
}

// RunOnce submits every pending transfer not already running and returns their futures.
func (c *Commander) RunOnce() []*api.Future {
	var pending []*common.TransferRecord
	err := c.scanner.Scan(func(rec *common.TransferRecord) bool {
		if rec.Status == common.STATUS_TOSUBMIT && rec.Owner == c.hostId && rec.Requester == c.hostId {
			pending = append(pending, rec)
		}
		return true
	})
	if err != nil {
		logger.Error("cannot scan transfers: ", err)
		return nil
	}
	var futures []*api.Future
	for _, rec := range pending {
		if f := c.Submit(rec); f != nil {
			futures = append(futures, f)
		}
	}
	return futures
}

// Submit runs rec unless it is already in flight, nil is returned in that case.
func (c *Commander) Submit(rec *common.TransferRecord) *api.Future {
	key := rec.Key()
	c.lock.Lock()
	if c.stopped || c.inFlight.Contains(key) {
		c.lock.Unlock()
		return nil
	}
	c.inFlight.Add(key)
	c.lock.Unlock()

	logger.Debug("submit transfer ", key)
	f := c.submitter.Submit(c.ctx, rec)
	go func() {
		<-f.Done()
		c.lock.Lock()
		defer c.lock.Unlock()
		c.inFlight.Remove(key)
	}()
	return f
}

// InFlight returns the number of submitted transfers not finished yet.
func (c *Commander) InFlight() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.inFlight.Size()
}
