package runner

import (
	"sync"

	"github.com/hetianyi/gox/logger"
)

// RetryLedger counts the attempts of transfers which could not be served yet,
// keyed by transfer key. It is shared by all transfers of one Runner.
type RetryLedger struct {
	lock  *sync.Mutex
	tries map[string]int
}

func NewRetryLedger() *RetryLedger {
	return &RetryLedger{
		lock:  new(sync.Mutex),
		tries: make(map[string]int),
	}
}

// Increment counts one more try for key and reports whether another try is allowed.
// When the limit is reached the entry is removed and false is returned.
func (l *RetryLedger) Increment(key string, limit int) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	tries := l.tries[key] + 1
	if limit <= tries {
		delete(l.tries, key)
		logger.Debug("retry limit reached for ", key, ": ", tries, "/", limit)
		return false
	}
	l.tries[key] = tries
	return true
}

// Remove forgets key.
func (l *RetryLedger) Remove(key string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	delete(l.tries, key)
}

// Tries returns the current count of key, 0 if absent.
func (l *RetryLedger) Tries(key string) int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.tries[key]
}

func (l *RetryLedger) Contains(key string) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	_, ok := l.tries[key]
	return ok
}
