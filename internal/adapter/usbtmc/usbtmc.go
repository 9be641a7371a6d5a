// Package usbtmc implements the usbtmc adapter kind (spec.md §4.4): pass
// through of textual commands to a USB Test & Measurement Class instrument
// over github.com/google/gousb, framing each transfer as a USBTMC
// DEV_DEP_MSG_OUT / DEV_DEP_MSG_IN bulk transaction.
//
// Grounded on the HASHER project's internal/driver/device/usb_device.go
// for the gousb open/claim/endpoint sequence (gousb.NewContext,
// ctx.OpenDeviceWithVIDPID, device.Config, config.Interface,
// intf.OutEndpoint/InEndpoint); the USBTMC header layout itself is the
// USB-IF Test and Measurement Class spec's well-known bulk transfer
// envelope, the same one python-usbtmc (the original adapter's backend)
// applies under the hood.
package usbtmc

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"vxi11gateway/internal/adapter"
)

const (
	msgDevDepMsgOut = 1
	msgDevDepMsgIn  = 2
)

type device struct {
	vid, pid         gousb.ID
	serial           string
	writeTermination string
	readTermination  string
	ioTimeout        time.Duration

	mu      sync.Mutex
	ctx     *gousb.Context
	usbDev  *gousb.Device
	cfg     *gousb.Config
	intf    *gousb.Interface
	epOut   *gousb.OutEndpoint
	epIn    *gousb.InEndpoint
	bTag    byte
	rbuf    bytes.Buffer
}

func build(in adapter.BuildInput) (adapter.Adapter, error) {
	vid, okV := adapter.AsInt(in.Options["vid"])
	pid, okP := adapter.AsInt(in.Options["pid"])
	if !okV || !okP {
		return nil, fmt.Errorf("usbtmc: device %s: missing vid/pid", in.DeviceName)
	}
	serial, _ := in.Options["serial"].(string)
	ioTimeout := 5 * time.Second
	if ms, ok := adapter.AsInt(in.Options["io_timeout_ms"]); ok {
		ioTimeout = time.Duration(ms) * time.Millisecond
	}
	writeTerm, _ := in.Options["write_termination"].(string)
	readTerm := "\n"
	if v, ok := in.Options["read_termination"].(string); ok {
		readTerm = v
	}
	return &device{
		vid:              gousb.ID(vid),
		pid:              gousb.ID(pid),
		serial:           serial,
		writeTermination: writeTerm,
		readTermination:  readTerm,
		ioTimeout:        ioTimeout,
		bTag:             1,
	}, nil
}

func init() {
	adapter.Register("usbtmc", adapter.BuilderFunc(build))
}

func (d *device) Connect(ctx context.Context) error { return nil }

func (d *device) RequiresLock() bool { return true }

func (d *device) Acquire(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.usbDev != nil {
		return nil
	}

	usbCtx := gousb.NewContext()
	dev, err := usbCtx.OpenDeviceWithVIDPID(d.vid, d.pid)
	if err != nil {
		usbCtx.Close()
		return fmt.Errorf("usbtmc: open VID=0x%04x PID=0x%04x: %w", d.vid, d.pid, err)
	}
	if dev == nil {
		usbCtx.Close()
		return fmt.Errorf("usbtmc: device not found VID=0x%04x PID=0x%04x", d.vid, d.pid)
	}
	if d.serial != "" && dev.Desc.SerialNumber != d.serial {
		dev.Close()
		usbCtx.Close()
		return fmt.Errorf("usbtmc: serial mismatch for VID=0x%04x PID=0x%04x", d.vid, d.pid)
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		usbCtx.Close()
		return fmt.Errorf("usbtmc: set config: %w", err)
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		usbCtx.Close()
		return fmt.Errorf("usbtmc: claim interface: %w", err)
	}
	epOut, err := firstOutEndpoint(intf)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		usbCtx.Close()
		return fmt.Errorf("usbtmc: %w", err)
	}
	epIn, err := firstInEndpoint(intf)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		usbCtx.Close()
		return fmt.Errorf("usbtmc: %w", err)
	}

	d.ctx, d.usbDev, d.cfg, d.intf, d.epOut, d.epIn = usbCtx, dev, cfg, intf, epOut, epIn
	return nil
}

// firstOutEndpoint and firstInEndpoint pick the instrument's bulk data
// endpoints; USBTMC function interfaces expose exactly one bulk-OUT and
// one bulk-IN endpoint per the class spec's required transfer pair.
func firstOutEndpoint(intf *gousb.Interface) (*gousb.OutEndpoint, error) {
	for _, ep := range intf.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionOut && ep.TransferType == gousb.TransferTypeBulk {
			return intf.OutEndpoint(ep.Number)
		}
	}
	return nil, fmt.Errorf("no bulk OUT endpoint found")
}

func firstInEndpoint(intf *gousb.Interface) (*gousb.InEndpoint, error) {
	for _, ep := range intf.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionIn && ep.TransferType == gousb.TransferTypeBulk {
			return intf.InEndpoint(ep.Number)
		}
	}
	return nil, fmt.Errorf("no bulk IN endpoint found")
}

func (d *device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
}

func (d *device) Disconnect() { d.Release() }

func (d *device) closeLocked() {
	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
	}
	if d.cfg != nil {
		d.cfg.Close()
		d.cfg = nil
	}
	if d.usbDev != nil {
		d.usbDev.Close()
		d.usbDev = nil
	}
	if d.ctx != nil {
		d.ctx.Close()
		d.ctx = nil
	}
	d.epOut, d.epIn = nil, nil
	d.rbuf.Reset()
}

// nextTag cycles bTag through 1..255 as the USBTMC spec requires (0 is
// reserved); it ties a DEV_DEP_MSG_IN reply to its request.
func (d *device) nextTag() byte {
	tag := d.bTag
	d.bTag++
	if d.bTag == 0 {
		d.bTag = 1
	}
	return tag
}

// buildDevDepMsgOut frames payload as a USBTMC Bulk-OUT header followed by
// the payload padded to a 4-byte boundary.
func buildDevDepMsgOut(tag byte, payload []byte, eom bool) []byte {
	header := make([]byte, 12)
	header[0] = msgDevDepMsgOut
	header[1] = tag
	header[2] = ^tag
	header[3] = 0 // reserved
	putUint32LE(header[4:8], uint32(len(payload)))
	if eom {
		header[8] = 1
	}
	out := append(header, payload...)
	if pad := (4 - len(payload)%4) % 4; pad > 0 {
		out = append(out, make([]byte, pad)...)
	}
	return out
}

// buildDevDepMsgIn frames a request for up to maxLen bytes of response.
func buildDevDepMsgIn(tag byte, maxLen uint32) []byte {
	header := make([]byte, 12)
	header[0] = msgDevDepMsgIn
	header[1] = tag
	header[2] = ^tag
	header[3] = 0
	putUint32LE(header[4:8], maxLen)
	return header
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func (d *device) Write(ctx context.Context, p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.epOut == nil {
		return 0, fmt.Errorf("usbtmc: not connected")
	}
	payload := p
	if d.writeTermination != "" && !bytes.HasSuffix(payload, []byte(d.writeTermination)) {
		payload = append(append([]byte(nil), p...), d.writeTermination...)
	}
	tag := d.nextTag()
	frame := buildDevDepMsgOut(tag, payload, true)

	wctx, cancel := context.WithTimeout(context.Background(), d.ioTimeout)
	defer cancel()
	if _, err := d.epOut.WriteContext(wctx, frame); err != nil {
		return 0, fmt.Errorf("usbtmc: bulk write: %w", err)
	}
	return len(p), nil
}

func (d *device) Read(ctx context.Context, p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.epIn == nil {
		return 0, fmt.Errorf("usbtmc: not connected")
	}
	if d.rbuf.Len() == 0 {
		if err := d.fillLocked(); err != nil {
			return 0, err
		}
	}
	return d.rbuf.Read(p)
}

// fillLocked issues a DEV_DEP_MSG_IN request and strips its 12-byte
// header, stopping once read_termination is seen in the accumulated
// payload or the transfer's EOM bit is set.
func (d *device) fillLocked() error {
	const maxTransferSize = 4096
	term := []byte(d.readTermination)

	for {
		tag := d.nextTag()
		req := buildDevDepMsgIn(tag, maxTransferSize)
		wctx, cancel := context.WithTimeout(context.Background(), d.ioTimeout)
		_, err := d.epOut.WriteContext(wctx, req)
		cancel()
		if err != nil {
			return fmt.Errorf("usbtmc: bulk-out request: %w", err)
		}

		rctx, cancel2 := context.WithTimeout(context.Background(), d.ioTimeout)
		buf := make([]byte, 12+maxTransferSize+3)
		n, err := d.epIn.ReadContext(rctx, buf)
		cancel2()
		if err != nil {
			return fmt.Errorf("usbtmc: bulk read: %w", err)
		}
		if n < 12 {
			return fmt.Errorf("usbtmc: short DEV_DEP_MSG_IN header (%d bytes)", n)
		}
		transferSize := uint32(buf[4]) | uint32(buf[5])<<8 | uint32(buf[6])<<16 | uint32(buf[7])<<24
		eom := buf[8]&0x01 != 0
		end := 12 + int(transferSize)
		if end > n {
			end = n
		}
		d.rbuf.Write(buf[12:end])

		if len(term) > 0 && bytes.HasSuffix(d.rbuf.Bytes(), term) {
			return nil
		}
		if eom {
			return nil
		}
	}
}
