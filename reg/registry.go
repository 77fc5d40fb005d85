// package reg
//
// Process wide registries of the data channel layer:
// passive addresses currently bound, data sessions keyed by their
// (remote, local) address pair and passive port allocation.
package reg

import (
	"errors"
	"sync"

	"github.com/emirpasic/gods/maps/hashmap"
	"github.com/emirpasic/gods/sets/hashset"
	"github.com/hetianyi/gox/logger"
)

var (
	// Passive is the global passive address registry.
	Passive = NewPassiveRegistry()
	// Sessions is the global data session registry.
	Sessions = NewSessionRegistry()
)

// PassiveRegistry stores the local addresses bound for passive data connections.
type PassiveRegistry struct {
	lock  *sync.Mutex
	bound *hashset.Set
}

func NewPassiveRegistry() *PassiveRegistry {
	return &PassiveRegistry{
		lock:  new(sync.Mutex),
		bound: hashset.New(),
	}
}

// Bind registers a local address.
//
// It returns an error if the address is already bound.
func (r *PassiveRegistry) Bind(address string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if address == "" {
		return errors.New("address cannot be empty")
	}
	if r.bound.Contains(address) {
		return errors.New("address already bound: " + address)
	}
	r.bound.Add(address)
	logger.Debug("passive address bound: ", address)
	return nil
}

// Unbind deregisters a local address, it reports whether the address was bound.
func (r *PassiveRegistry) Unbind(address string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if !r.bound.Contains(address) {
		return false
	}
	r.bound.Remove(address)
	logger.Debug("passive address unbound: ", address)
	return true
}

func (r *PassiveRegistry) IsBound(address string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.bound.Contains(address)
}

func (r *PassiveRegistry) Size() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.bound.Size()
}

// SessionRegistry stores data sessions keyed by (remote, local) addresses.
type SessionRegistry struct {
	lock     *sync.Mutex
	sessions *hashmap.Map
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		lock:     new(sync.Mutex),
		sessions: hashmap.New(),
	}
}

func sessionKey(remote, local string) string {
	return remote + "/" + local
}

func (r *SessionRegistry) Put(remote, local string, value interface{}) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.sessions.Put(sessionKey(remote, local), value)
}

func (r *SessionRegistry) Get(remote, local string) (interface{}, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.sessions.Get(sessionKey(remote, local))
}

// Remove removes a session, it reports whether it was present.
func (r *SessionRegistry) Remove(remote, local string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	key := sessionKey(remote, local)
	if _, ok := r.sessions.Get(key); !ok {
		return false
	}
	r.sessions.Remove(key)
	return true
}

func (r *SessionRegistry) Size() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.sessions.Size()
}
