package reg

import (
	"errors"
	"sync"

	"github.com/hetianyi/gox/convert"
)

var NoPortAvailableErr = errors.New("no passive port available")

// PortRange hands out passive ports round robin over [min, max].
// A port is never handed out twice before it is released.
type PortRange struct {
	lock  *sync.Mutex
	min   int
	max   int
	next  int
	inUse map[int]bool
}

func NewPortRange(min, max int) (*PortRange, error) {
	if min <= 0 || max > 65535 || min > max {
		return nil, errors.New("invalid port range " + convert.IntToStr(min) + "-" + convert.IntToStr(max))
	}
	return &PortRange{
		lock:  new(sync.Mutex),
		min:   min,
		max:   max,
		next:  min,
		inUse: make(map[int]bool),
	}, nil
}

// Acquire returns the next free port of the range.
func (p *PortRange) Acquire() (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	size := p.max - p.min + 1
	for i := 0; i < size; i++ {
		port := p.next
		p.next++
		if p.next > p.max {
			p.next = p.min
		}
		if !p.inUse[port] {
			p.inUse[port] = true
			return port, nil
		}
	}
	return 0, NoPortAvailableErr
}

// Release gives a port back to the range.
func (p *PortRange) Release(port int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	delete(p.inUse, port)
}

func (p *PortRange) InUse() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.inUse)
}
