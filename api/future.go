package api

import (
	"sync"
	"time"

	"github.com/hetianyi/gomft/common"
)

// Result is the outcome of a transfer attempt or a control request.
type Result struct {
	Code    common.ErrorCode
	Success bool
	Record  *common.TransferRecord
	Err     error
}

// Future is completed exactly once with a Result.
type Future struct {
	once   *sync.Once
	done   chan struct{}
	result *Result
}

func NewFuture() *Future {
	return &Future{
		once: new(sync.Once),
		done: make(chan struct{}),
	}
}

// Complete sets the result, later calls are ignored.
func (f *Future) Complete(r *Result) {
	f.once.Do(func() {
		f.result = r
		close(f.done)
	})
}

func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Done is closed when the result is set.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await waits for the result at most timeout, a non positive timeout waits forever.
// It returns false on timeout, the awaited work keeps running.
func (f *Future) Await(timeout time.Duration) (*Result, bool) {
	if timeout <= 0 {
		<-f.done
		return f.result, true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-f.done:
		return f.result, true
	case <-t.C:
		return nil, false
	}
}
