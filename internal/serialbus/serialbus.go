// Package serialbus shares one physical serial port across multiple
// logical MODBUS-RTU/ASCII devices (spec.md §4.8): the first device to
// open a port path wins the real open, later devices on the same path get
// a refcounted handle to the same port, and the port closes only when the
// last handle is released.
//
// Grounded on the teacher's services/hal bus-sharing shape (one
// measureWorker per physical bus, devices attach/detach by busID) and
// built on go.bug.st/serial for the actual transport, the same library
// EdgxCloud's gpio/modbus node opens with serial.Open(path, mode).
package serialbus

import (
	"fmt"
	"sync"

	"go.bug.st/serial"
)

// Config mirrors the subset of serial.Mode a MODBUS serial device needs.
type Config struct {
	BaudRate int
	DataBits int
	Parity   string // "N", "E", "O"
	StopBits float64
}

func (c Config) toMode() *serial.Mode {
	m := &serial.Mode{BaudRate: c.BaudRate, DataBits: c.DataBits}
	switch c.Parity {
	case "E":
		m.Parity = serial.EvenParity
	case "O":
		m.Parity = serial.OddParity
	default:
		m.Parity = serial.NoParity
	}
	switch c.StopBits {
	case 2:
		m.StopBits = serial.TwoStopBits
	case 1.5:
		m.StopBits = serial.OnePointFiveStopBits
	default:
		m.StopBits = serial.OneStopBit
	}
	return m
}

type handle struct {
	mu   sync.Mutex // serializes I/O across every device sharing this port
	port serial.Port
	refs int
	path string
	cfg  Config // line parameters the port was actually opened with
}

// Handle is a refcounted reference to a shared serial port. Every MODBUS
// transaction on it must be made while holding the embedded mutex, since
// two logical devices on the same RS-485 bus can never transmit at once.
type Handle struct {
	h *handle
}

// Lock serializes access to the underlying port across every device
// sharing it (spec.md's "max_active==1" invariant for shared RS-485).
func (h Handle) Lock()   { h.h.mu.Lock() }
func (h Handle) Unlock() { h.h.mu.Unlock() }

// Port returns the underlying serial.Port. Callers must hold Lock/Unlock
// around any I/O performed on it.
func (h Handle) Port() serial.Port { return h.h.port }

// Manager is the process-wide registry of open shared serial ports.
type Manager struct {
	mu      sync.Mutex
	handles map[string]*handle
	open    func(path string, mode *serial.Mode) (serial.Port, error)
}

// New constructs an empty Manager backed by the real go.bug.st/serial
// transport.
func New() *Manager {
	return &Manager{handles: map[string]*handle{}, open: serial.Open}
}

// NewWithOpener constructs a Manager using a caller-supplied open
// function, letting tests substitute a fake serial.Port without real
// hardware.
func NewWithOpener(open func(path string, mode *serial.Mode) (serial.Port, error)) *Manager {
	return &Manager{handles: map[string]*handle{}, open: open}
}

// Acquire opens path with cfg if it isn't already open, or returns a new
// reference to the existing open port. The config of the first opener
// wins; later Acquire calls for the same path do not reopen, but must
// supply identical line parameters (spec.md §3's serial-bus invariant) or
// the attach fails rather than silently sharing a port configured for a
// different baud rate/parity/stop-bits.
func (m *Manager) Acquire(path string, cfg Config) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handles[path]
	if ok {
		if h.cfg != cfg {
			return Handle{}, fmt.Errorf("serialbus: %s already open with %+v, requested %+v", path, h.cfg, cfg)
		}
		h.refs++
		return Handle{h: h}, nil
	}

	port, err := m.open(path, cfg.toMode())
	if err != nil {
		return Handle{}, fmt.Errorf("serialbus: open %s: %w", path, err)
	}
	h = &handle{port: port, refs: 1, path: path, cfg: cfg}
	m.handles[path] = h
	return Handle{h: h}, nil
}

// Release drops one reference to the port behind hd, closing it once the
// last reference is gone.
func (m *Manager) Release(hd Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := hd.h
	h.refs--
	if h.refs > 0 {
		return
	}
	delete(m.handles, h.path)
	_ = h.port.Close()
}

// OpenCount reports how many paths currently have a live port, for tests
// and diagnostics.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// RefCount reports the current reference count for path, or 0 if unopened.
func (m *Manager) RefCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[path]; ok {
		return h.refs
	}
	return 0
}
