// Package loopback implements the loopback adapter kind used for protocol
// conformance testing (spec.md §4.4, scenario S1): everything written is
// held until read back, byte for byte.
package loopback

import (
	"context"
	"sync"

	"vxi11gateway/internal/adapter"
)

type device struct {
	mu  sync.Mutex
	buf []byte
}

func build(in adapter.BuildInput) (adapter.Adapter, error) {
	return &device{}, nil
}

func init() {
	adapter.Register("loopback", adapter.BuilderFunc(build))
}

func (d *device) Connect(ctx context.Context) error { return nil }
func (d *device) Acquire(ctx context.Context) error { return nil }
func (d *device) Release()                          {}
func (d *device) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf = nil
}
func (d *device) RequiresLock() bool { return true }

func (d *device) Write(ctx context.Context, p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf = append(d.buf, p...)
	return len(p), nil
}

func (d *device) Read(ctx context.Context, p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := copy(p, d.buf)
	d.buf = d.buf[n:]
	return n, nil
}
