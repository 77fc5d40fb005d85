// Package data negotiates the addressing of out-of-band data connections.
//
// An ACTIVE descriptor connects out to the remote address, a PASSIVE one
// binds a local address and waits for the peer.
package data

import (
	"fmt"
	"net"
	"sync"

	"github.com/hetianyi/gomft/reg"
	"github.com/hetianyi/gomft/session"
	"github.com/hetianyi/gox/logger"
)

type Mode byte

const (
	ACTIVE Mode = iota
	PASSIVE
)

func (m Mode) String() string {
	if m == PASSIVE {
		return "passive"
	}
	return "active"
}

// NoDataConnectionError is returned when no data connection could be opened.
type NoDataConnectionError struct {
	Passive bool
}

func (e *NoDataConnectionError) Error() string {
	if e.Passive {
		return "cannot open passive data connection"
	}
	return "cannot open active data connection"
}

// Descriptor describes one data connection.
type Descriptor struct {
	lock          *sync.Mutex
	mode          Mode
	controlLocal  *net.TCPAddr
	controlRemote *net.TCPAddr
	localPort     int
	localAddress  *net.TCPAddr
	remoteAddress *net.TCPAddr
	bound         bool
	conn          net.Conn
	params        session.Params
	ports         *reg.PortRange
	acquiredPort  int
	passive       *reg.PassiveRegistry
	sessions      *reg.SessionRegistry
}

// NewDescriptor creates an ACTIVE descriptor bound to the addresses of a control connection.
// ports may be nil when no passive range is configured.
func NewDescriptor(controlLocal, controlRemote *net.TCPAddr, ports *reg.PortRange) *Descriptor {
	if controlLocal == nil {
		controlLocal = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
	}
	if controlRemote == nil {
		controlRemote = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
	}
	d := &Descriptor{
		lock:          new(sync.Mutex),
		mode:          ACTIVE,
		controlLocal:  controlLocal,
		controlRemote: controlRemote,
		remoteAddress: controlRemote,
		params:        session.DefaultParams(),
		ports:         ports,
		passive:       reg.Passive,
		sessions:      reg.Sessions,
	}
	d.SetDefaultLocalPort()
	return d
}

// UseRegistries replaces the global registries, mostly for isolated tests.
func (d *Descriptor) UseRegistries(passive *reg.PassiveRegistry, sessions *reg.SessionRegistry) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.passive = passive
	d.sessions = sessions
}

// SetActive releases any passive binding and connects out to remote.
func (d *Descriptor) SetActive(remote *net.TCPAddr) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.unbind()
	d.mode = ACTIVE
	d.remoteAddress = remote
	d.bound = false
}

// SetPassive releases any binding and listens on the control interface
// with the assigned local port. The peer has not connected yet.
func (d *Descriptor) SetPassive() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.unbind()
	d.mode = PASSIVE
	d.localAddress = &net.TCPAddr{IP: d.controlLocal.IP, Port: d.localPort, Zone: d.controlLocal.Zone}
	d.bound = false
}

// InitConnection registers a passive address. Active descriptors are connected
// by the caller, nothing to do.
func (d *Descriptor) InitConnection() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.mode != PASSIVE || d.bound {
		return nil
	}
	if err := d.passive.Bind(d.localAddress.String()); err != nil {
		return err
	}
	d.sessions.Put(d.remoteAddress.String(), d.localAddress.String(), d)
	d.bound = true
	return nil
}

// UsePortRange sets the passive range when the descriptor was created without one.
func (d *Descriptor) UsePortRange(ports *reg.PortRange) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.ports == nil {
		d.ports = ports
	}
}

// BindPassivePort assigns the next port of the configured range as local port.
func (d *Descriptor) BindPassivePort() (int, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.ports == nil {
		return 0, reg.NoPortAvailableErr
	}
	port, err := d.ports.Acquire()
	if err != nil {
		return 0, err
	}
	if d.acquiredPort != 0 {
		d.ports.Release(d.acquiredPort)
	}
	d.acquiredPort = port
	d.localPort = port
	return port, nil
}

func (d *Descriptor) SetLocalPort(port int) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.localPort = port
}

// SetDefaultLocalPort uses the port just below the control port.
func (d *Descriptor) SetDefaultLocalPort() {
	port := d.controlLocal.Port - 1
	if port < 0 {
		port = 0
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	d.localPort = port
}

// Unbind closes the data connection and releases the passive binding.
// Calling it again has no effect.
func (d *Descriptor) Unbind() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.unbind()
}

func (d *Descriptor) unbind() {
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	if !d.bound {
		return
	}
	if d.mode == PASSIVE {
		local := d.localAddress.String()
		d.passive.Unbind(local)
		d.sessions.Remove(d.remoteAddress.String(), local)
		logger.Debug("data connection unbound: ", local)
	}
	d.bound = false
}

// SetNewOpenedChannel takes ownership of an opened data connection.
func (d *Descriptor) SetNewOpenedChannel(conn net.Conn) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if conn == nil {
		return &NoDataConnectionError{Passive: d.mode == PASSIVE}
	}
	d.conn = conn
	d.bound = true
	return nil
}

func (d *Descriptor) IsConnected() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.conn != nil
}

func (d *Descriptor) IsBind() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.bound
}

func (d *Descriptor) Mode() Mode {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.mode
}

func (d *Descriptor) IsPassive() bool {
	return d.Mode() == PASSIVE
}

func (d *Descriptor) LocalAddress() *net.TCPAddr {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.localAddress
}

func (d *Descriptor) RemoteAddress() *net.TCPAddr {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.remoteAddress
}

func (d *Descriptor) LocalPort() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.localPort
}

func (d *Descriptor) Params() session.Params {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.params
}

func (d *Descriptor) SetMode(m session.TransmissionMode) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.params = d.params.WithMode(m)
}

func (d *Descriptor) SetStructure(s session.Structure) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.params = d.params.WithStructure(s)
}

func (d *Descriptor) SetType(t session.DataType) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.params = d.params.WithType(t)
}

// Status describes the descriptor for diagnostics.
func (d *Descriptor) Status() string {
	d.lock.Lock()
	defer d.lock.Unlock()
	local := "-"
	if d.localAddress != nil {
		local = d.localAddress.String()
	}
	return fmt.Sprintf("data connection %s local=%s remote=%s port=%d bound=%t connected=%t codec=%s",
		d.mode, local, d.remoteAddress, d.localPort, d.bound, d.conn != nil, d.params.Codec())
}

// Clear unbinds, closes the connection, releases the passive port and
// resets the descriptor to its defaults.
func (d *Descriptor) Clear() {
	d.lock.Lock()
	d.unbind()
	if d.acquiredPort != 0 && d.ports != nil {
		d.ports.Release(d.acquiredPort)
	}
	d.acquiredPort = 0
	d.mode = ACTIVE
	d.remoteAddress = d.controlRemote
	d.localAddress = nil
	d.params = session.DefaultParams()
	d.lock.Unlock()
	d.SetDefaultLocalPort()
}
