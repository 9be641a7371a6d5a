package modbusrtu

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.bug.st/serial"

	"vxi11gateway/internal/adapter"
	"vxi11gateway/internal/modbusadu"
	"vxi11gateway/internal/serialbus"
)

// fakeBusPort simulates a single physical RS-485 line answering Read
// Holding Registers for whatever unit ID was framed in the request, and
// fails the test if two transactions ever overlap on the wire.
type fakeBusPort struct {
	mu       sync.Mutex
	inFlight int32
	pending  []byte
	t        *testing.T
}

func (f *fakeBusPort) Read(p []byte) (int, error) {
	// A real line only ever has one transaction in flight; prove the
	// bus manager enforces that even with two logical devices.
	if atomic.LoadInt32(&f.inFlight) != 1 {
		f.t.Fatalf("Read observed with inFlight=%d, want 1", f.inFlight)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	if len(f.pending) == 0 {
		atomic.AddInt32(&f.inFlight, -1)
	}
	return n, nil
}

func (f *fakeBusPort) Write(p []byte) (int, error) {
	atomic.AddInt32(&f.inFlight, 1)
	time.Sleep(time.Millisecond)

	unit := byte(0)
	if len(p) > 0 {
		unit = p[0]
	}
	resp := []byte{unit, 0x03, 0x02, 0x00, 0x2A}
	crc := modbusadu.CRC16(resp)
	resp = append(resp, byte(crc), byte(crc>>8))

	f.mu.Lock()
	f.pending = resp
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakeBusPort) Close() error                                         { return nil }
func (f *fakeBusPort) SetMode(mode *serial.Mode) error                      { return nil }
func (f *fakeBusPort) Break(d time.Duration) error                          { return nil }
func (f *fakeBusPort) Drain() error                                         { return nil }
func (f *fakeBusPort) ResetInputBuffer() error                              { return nil }
func (f *fakeBusPort) ResetOutputBuffer() error                             { return nil }
func (f *fakeBusPort) SetDTR(dtr bool) error                                { return nil }
func (f *fakeBusPort) SetRTS(rts bool) error                                { return nil }
func (f *fakeBusPort) GetModemStatusBits() (*serial.ModemStatusBits, error) { return &serial.ModemStatusBits{}, nil }
func (f *fakeBusPort) SetReadTimeout(t time.Duration) error                 { return nil }

func TestBuildRejectsMissingPort(t *testing.T) {
	_, err := build(adapter.BuildInput{DeviceName: "d1", Options: map[string]any{"unit_id": 1}})
	if err == nil {
		t.Fatalf("expected error for missing port")
	}
}

func TestBuildRejectsMissingUnitID(t *testing.T) {
	_, err := build(adapter.BuildInput{DeviceName: "d1", Options: map[string]any{"port": "/dev/ttyS0"}})
	if err == nil {
		t.Fatalf("expected error for missing unit_id")
	}
}

func TestTwoDevicesShareOneBusSerially(t *testing.T) {
	port := &fakeBusPort{t: t}
	busManager = serialbus.NewWithOpener(func(path string, mode *serial.Mode) (serial.Port, error) {
		return port, nil
	})

	a1, err := build(adapter.BuildInput{DeviceName: "d1", Options: map[string]any{
		"port": "socket://shared", "unit_id": 1,
		"rules": []any{map[string]any{
			"pattern": "^MEAS:TEMP\\?$",
			"action":  "read_holding_registers",
			"params":  map[string]any{"address": 0, "count": 1, "data_type": "uint16"},
		}},
	}})
	if err != nil {
		t.Fatalf("build d1: %v", err)
	}
	a2, err := build(adapter.BuildInput{DeviceName: "d2", Options: map[string]any{
		"port": "socket://shared", "unit_id": 2,
		"rules": []any{map[string]any{
			"pattern": "^MEAS:TEMP\\?$",
			"action":  "read_holding_registers",
			"params":  map[string]any{"address": 0, "count": 1, "data_type": "uint16"},
		}},
	}})
	if err != nil {
		t.Fatalf("build d2: %v", err)
	}

	ctx := context.Background()
	if err := a1.Acquire(ctx); err != nil {
		t.Fatalf("acquire d1: %v", err)
	}
	if err := a2.Acquire(ctx); err != nil {
		t.Fatalf("acquire d2: %v", err)
	}
	defer a1.Release()
	defer a2.Release()

	var wg sync.WaitGroup
	wg.Add(2)
	errs := make(chan error, 2)
	go func() {
		defer wg.Done()
		if _, err := a1.Write(ctx, []byte("MEAS:TEMP?")); err != nil {
			errs <- err
		}
	}()
	go func() {
		defer wg.Done()
		if _, err := a2.Write(ctx, []byte("MEAS:TEMP?")); err != nil {
			errs <- err
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected write error: %v", err)
	}

	if busManager.RefCount("socket://shared") != 2 {
		t.Fatalf("expected refcount 2 on shared bus")
	}
}
