// Package vxi11 implements the VXI-11 core RPC server (spec.md §4.9):
// CREATE_LINK, DEVICE_WRITE, DEVICE_READ, DEVICE_LOCK, DEVICE_UNLOCK and
// DESTROY_LINK, dispatching by procedure number over a record-marked TCP
// stream, with every other procedure answered OPERATION_NOT_SUPPORTED.
//
// Grounded on the pack's portmap server shape (one goroutine per accepted
// connection, a per-message dispatch switch) generalised from "stateless
// GETPORT lookup" to "stateful link/lock/adapter lifecycle", and on the
// teacher's services/hal device-acquire/release discipline for the
// lock-then-acquire / release-then-unlock ordering.
package vxi11

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"vxi11gateway/internal/adapter"
	"vxi11gateway/internal/link"
	"vxi11gateway/internal/reslock"
	"vxi11gateway/internal/rpcframe"
	"vxi11gateway/internal/vxierr"
	"vxi11gateway/internal/xdr"
)

// VXI-11 CORE program/version and procedure numbers.
const (
	ProgramCore = 0x0607AF
	VersionCore = 1

	ProcCreateLink   = 10
	ProcDeviceWrite  = 11
	ProcDeviceRead   = 12
	ProcDeviceLock   = 18
	ProcDeviceUnlock = 19
	ProcDestroyLink  = 23

	rxEnd = 0x04

	defaultMaxRecvSize = 1 << 20
)

// DeviceSpec is one configured device: its adapter kind tag and the
// opaque options map passed to the adapter builder.
type DeviceSpec struct {
	Kind    string
	Options map[string]any
}

// Config describes how to start a Server.
type Config struct {
	Host        string
	Port        int
	Devices     map[string]DeviceSpec
	MaxRecvSize uint32
}

// Server is the VXI-11 CORE program listener.
type Server struct {
	log         *zap.Logger
	host        string
	port        int
	maxRecvSize uint32

	devicesMu sync.RWMutex
	devices   map[string]DeviceSpec

	links *link.Table
	locks *reslock.Manager

	ln       net.Listener
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

func New(log *zap.Logger, cfg Config) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	maxRecv := cfg.MaxRecvSize
	if maxRecv == 0 {
		maxRecv = defaultMaxRecvSize
	}
	return &Server{
		log:         log,
		host:        cfg.Host,
		port:        cfg.Port,
		devices:     cfg.Devices,
		maxRecvSize: maxRecv,
		links:       link.New(),
		locks:       reslock.New(),
		stop:        make(chan struct{}),
	}
}

// Addr returns the bound listener address, valid after Start returns nil.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// SetDevices atomically replaces the configured device table. Existing
// links keep referencing the adapter they were built with; only future
// CREATE_LINK calls see the new table (spec.md §9's Reloadable note —
// reload never tears down live links out from under a connected client).
func (s *Server) SetDevices(devices map[string]DeviceSpec) {
	s.devicesMu.Lock()
	defer s.devicesMu.Unlock()
	s.devices = devices
}

// Start binds the configured host:port and begins serving in the
// background.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.wg.Add(1)
	go s.serve(ctx)
	return nil
}

// Stop closes the listener, forces teardown of every live link, and waits
// for all connection workers to exit.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.ln != nil {
			_ = s.ln.Close()
		}
	})
	s.wg.Wait()
	s.destroyAll()
}

func (s *Server) destroyAll() {
	for _, l := range s.links.All() {
		s.teardownLink(l)
	}
}

func (s *Server) serve(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
				s.log.Debug("vxi11: accept error", zap.Error(err))
				return
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn serves one client connection until EOF or a framing error,
// then destroys every link this connection created (spec.md §5's
// client-disconnect cleanup rule).
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	var ownedLinks []uint32

	defer func() {
		for _, id := range ownedLinks {
			if l, ok := s.links.Destroy(id); ok {
				s.teardownLink(l)
			}
		}
	}()

	for {
		msg, err := rpcframe.ReadCall(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("vxi11: read error", zap.Error(err))
			}
			return
		}
		reply, createdLink := s.handleMessage(msg)
		if createdLink != 0 {
			ownedLinks = append(ownedLinks, createdLink)
		}
		if reply == nil {
			continue
		}
		if err := rpcframe.WriteReply(conn, reply); err != nil {
			s.log.Debug("vxi11: write error", zap.Error(err))
			return
		}
	}
}

// handleMessage dispatches one RPC call. It returns the created link id
// (0 if none) so the caller's connection-owned link list stays accurate.
func (s *Server) handleMessage(msg []byte) ([]byte, uint32) {
	call, err := rpcframe.ParseCall(msg)
	if err != nil {
		return nil, 0
	}
	if call.Program != ProgramCore || call.Version != VersionCore {
		return nil, 0
	}

	switch call.Procedure {
	case ProcCreateLink:
		return s.createLink(call)
	case ProcDeviceWrite:
		return s.deviceWrite(call), 0
	case ProcDeviceRead:
		return s.deviceRead(call), 0
	case ProcDeviceLock:
		return s.deviceLock(call), 0
	case ProcDeviceUnlock:
		return s.deviceUnlock(call), 0
	case ProcDestroyLink:
		return s.destroyLink(call), 0
	default:
		return unsupportedReply(call.XID), 0
	}
}

func unsupportedReply(xid uint32) []byte {
	e := xdr.NewEncoder(4)
	e.PutInt32(int32(vxierr.OperationNotSupported))
	return rpcframe.AcceptedReply(xid, rpcframe.AcceptSuccess, e.Bytes())
}

// createLink implements procedure 10 (spec.md §4.9's CREATE_LINK row):
// resolve device, build and connect its adapter, allocate a link id, and
// optionally grab the device lock up front, rolling back on any failure.
func (s *Server) createLink(call *rpcframe.Call) ([]byte, uint32) {
	d := xdr.NewDecoder(call.Body)
	clientID, err := d.GetInt32()
	if err != nil {
		return createLinkReply(call.XID, vxierr.SyntaxError, 0), 0
	}
	lockDevice, err := d.GetBool()
	if err != nil {
		return createLinkReply(call.XID, vxierr.SyntaxError, 0), 0
	}
	lockTimeoutMS, err := d.GetUint32()
	if err != nil {
		return createLinkReply(call.XID, vxierr.SyntaxError, 0), 0
	}
	deviceName, err := d.GetString()
	if err != nil {
		return createLinkReply(call.XID, vxierr.SyntaxError, 0), 0
	}

	s.devicesMu.RLock()
	spec, ok := s.devices[deviceName]
	s.devicesMu.RUnlock()
	if !ok {
		return createLinkReply(call.XID, vxierr.DeviceNotAccessible, 0), 0
	}

	a, err := adapter.Build(spec.Kind, adapter.BuildInput{DeviceName: deviceName, Options: spec.Options})
	if err != nil {
		s.log.Warn("vxi11: adapter build failed", zap.String("device", deviceName), zap.Error(err))
		return createLinkReply(call.XID, vxierr.DeviceNotAccessible, 0), 0
	}
	if err := a.Connect(context.Background()); err != nil {
		s.log.Warn("vxi11: adapter connect failed", zap.String("device", deviceName), zap.Error(err))
		return createLinkReply(call.XID, vxierr.OutOfResources, 0), 0
	}

	l := s.links.Create(deviceName, clientID, a)
	l.LockTimeout = lockTimeoutMS

	// An adapter that never requires the device lock (spec.md §4.9's WRITE/
	// READ precondition only checks has_lock when RequiresLock is true) has
	// no other opportunity to open its transport, since such a link's
	// client may never call DEVICE_LOCK. Acquire it unconditionally here;
	// this is safe because a non-lock-required Acquire never touches the
	// device-mutex → adapter-internal-mutex ordering from spec.md §5.
	if !a.RequiresLock() {
		if err := a.Acquire(context.Background()); err != nil {
			s.links.Destroy(l.ID)
			a.Disconnect()
			s.log.Warn("vxi11: adapter acquire failed", zap.String("device", deviceName), zap.Error(err))
			return createLinkReply(call.XID, vxierr.OutOfResources, 0), 0
		}
	}

	if lockDevice {
		timeout := time.Duration(lockTimeoutMS) * time.Millisecond
		if err := s.locks.Lock(context.Background(), deviceName, l.ID, timeout); err != nil {
			s.links.Destroy(l.ID)
			a.Disconnect()
			return createLinkReply(call.XID, codeFromLockErr(err), 0), 0
		}
		if err := a.Acquire(context.Background()); err != nil {
			s.locks.Unlock(deviceName, l.ID)
			s.links.Destroy(l.ID)
			a.Disconnect()
			s.log.Warn("vxi11: adapter acquire failed", zap.String("device", deviceName), zap.Error(err))
			return createLinkReply(call.XID, vxierr.OutOfResources, 0), 0
		}
		l.HasLock = true
	}

	return createLinkReply(call.XID, vxierr.NoError, l.ID), l.ID
}

func codeFromLockErr(err error) vxierr.Code {
	var lockedErr *reslock.ErrLockedByAnother
	if errors.As(err, &lockedErr) {
		return vxierr.DeviceLockedByAnotherLink
	}
	return vxierr.IOError
}

func createLinkReply(xid uint32, code vxierr.Code, lid uint32) []byte {
	e := xdr.NewEncoder(16)
	e.PutInt32(int32(code))
	e.PutUint32(lid)
	e.PutUint32(0) // abort_port: async channel not implemented
	e.PutUint32(defaultMaxRecvSize)
	return rpcframe.AcceptedReply(xid, rpcframe.AcceptSuccess, e.Bytes())
}

// deviceWrite implements procedure 11.
func (s *Server) deviceWrite(call *rpcframe.Call) []byte {
	d := xdr.NewDecoder(call.Body)
	lid, err := d.GetUint32()
	if err != nil {
		return writeReply(call.XID, vxierr.SyntaxError, 0)
	}
	ioTimeoutMS, err := d.GetUint32()
	if err != nil {
		return writeReply(call.XID, vxierr.SyntaxError, 0)
	}
	if _, err := d.GetUint32(); err != nil { // lock_timeout: unused, WRITE never waits for a lock
		return writeReply(call.XID, vxierr.SyntaxError, 0)
	}
	if _, err := d.GetUint32(); err != nil { // flags
		return writeReply(call.XID, vxierr.SyntaxError, 0)
	}
	data, err := d.GetOpaque()
	if err != nil {
		return writeReply(call.XID, vxierr.SyntaxError, 0)
	}

	l, ok := s.links.Get(lid)
	if !ok {
		return writeReply(call.XID, vxierr.InvalidLinkIdentifier, 0)
	}
	if l.Adapter.RequiresLock() && !l.HasLock {
		return writeReply(call.XID, vxierr.NoLockHeldByThisLink, 0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(ioTimeoutMS)*time.Millisecond)
	defer cancel()
	n, err := l.Adapter.Write(ctx, data)
	if err != nil {
		return writeReply(call.XID, codeFromIOErr(ctx, err), 0)
	}
	return writeReply(call.XID, vxierr.NoError, uint32(n))
}

func writeReply(xid uint32, code vxierr.Code, size uint32) []byte {
	e := xdr.NewEncoder(8)
	e.PutInt32(int32(code))
	e.PutUint32(size)
	return rpcframe.AcceptedReply(xid, rpcframe.AcceptSuccess, e.Bytes())
}

// deviceRead implements procedure 12.
func (s *Server) deviceRead(call *rpcframe.Call) []byte {
	d := xdr.NewDecoder(call.Body)
	lid, err := d.GetUint32()
	if err != nil {
		return readReply(call.XID, vxierr.SyntaxError, 0, nil)
	}
	requestSize, err := d.GetUint32()
	if err != nil {
		return readReply(call.XID, vxierr.SyntaxError, 0, nil)
	}
	ioTimeoutMS, err := d.GetUint32()
	if err != nil {
		return readReply(call.XID, vxierr.SyntaxError, 0, nil)
	}
	if _, err := d.GetUint32(); err != nil { // lock_timeout: unused, see deviceWrite
		return readReply(call.XID, vxierr.SyntaxError, 0, nil)
	}
	if _, err := d.GetUint32(); err != nil { // flags
		return readReply(call.XID, vxierr.SyntaxError, 0, nil)
	}
	if _, err := d.GetUint32(); err != nil { // term_char (packed as a u32; unused, no termset support)
		return readReply(call.XID, vxierr.SyntaxError, 0, nil)
	}

	l, ok := s.links.Get(lid)
	if !ok {
		return readReply(call.XID, vxierr.InvalidLinkIdentifier, 0, nil)
	}
	if l.Adapter.RequiresLock() && !l.HasLock {
		return readReply(call.XID, vxierr.NoLockHeldByThisLink, 0, nil)
	}
	if requestSize > s.maxRecvSize {
		requestSize = s.maxRecvSize
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(ioTimeoutMS)*time.Millisecond)
	defer cancel()
	buf := make([]byte, requestSize)
	n, err := l.Adapter.Read(ctx, buf)
	if err != nil {
		return readReply(call.XID, codeFromIOErr(ctx, err), 0, nil)
	}

	reason := uint32(0)
	if n > 0 {
		reason = rxEnd
	}
	return readReply(call.XID, vxierr.NoError, reason, buf[:n])
}

func readReply(xid uint32, code vxierr.Code, reason uint32, data []byte) []byte {
	e := xdr.NewEncoder(12 + len(data))
	e.PutInt32(int32(code))
	e.PutInt32(int32(reason))
	e.PutOpaque(data)
	return rpcframe.AcceptedReply(xid, rpcframe.AcceptSuccess, e.Bytes())
}

// deviceLock implements procedure 18.
func (s *Server) deviceLock(call *rpcframe.Call) []byte {
	d := xdr.NewDecoder(call.Body)
	lid, err := d.GetUint32()
	if err != nil {
		return errorReply(call.XID, vxierr.SyntaxError)
	}
	if _, err := d.GetUint32(); err != nil { // flags
		return errorReply(call.XID, vxierr.SyntaxError)
	}
	lockTimeoutMS, err := d.GetUint32()
	if err != nil {
		return errorReply(call.XID, vxierr.SyntaxError)
	}

	l, ok := s.links.Get(lid)
	if !ok {
		return errorReply(call.XID, vxierr.InvalidLinkIdentifier)
	}

	timeout := time.Duration(lockTimeoutMS) * time.Millisecond
	if err := s.locks.Lock(context.Background(), l.DeviceName, l.ID, timeout); err != nil {
		return errorReply(call.XID, codeFromLockErr(err))
	}
	if err := l.Adapter.Acquire(context.Background()); err != nil {
		s.locks.Unlock(l.DeviceName, l.ID)
		s.log.Warn("vxi11: adapter acquire failed on DEVICE_LOCK", zap.String("device", l.DeviceName), zap.Error(err))
		return errorReply(call.XID, vxierr.IOError)
	}
	l.HasLock = true
	return errorReply(call.XID, vxierr.NoError)
}

// deviceUnlock implements procedure 19.
func (s *Server) deviceUnlock(call *rpcframe.Call) []byte {
	d := xdr.NewDecoder(call.Body)
	lid, err := d.GetUint32()
	if err != nil {
		return errorReply(call.XID, vxierr.SyntaxError)
	}
	l, ok := s.links.Get(lid)
	if !ok {
		return errorReply(call.XID, vxierr.InvalidLinkIdentifier)
	}
	if !l.HasLock {
		return errorReply(call.XID, vxierr.NoLockHeldByThisLink)
	}
	s.locks.Unlock(l.DeviceName, l.ID)
	l.Adapter.Release()
	l.HasLock = false
	return errorReply(call.XID, vxierr.NoError)
}

// destroyLink implements procedure 23.
func (s *Server) destroyLink(call *rpcframe.Call) []byte {
	d := xdr.NewDecoder(call.Body)
	lid, err := d.GetUint32()
	if err != nil {
		return errorReply(call.XID, vxierr.SyntaxError)
	}
	l, ok := s.links.Destroy(lid)
	if !ok {
		return errorReply(call.XID, vxierr.InvalidLinkIdentifier)
	}
	s.teardownLink(l)
	return errorReply(call.XID, vxierr.NoError)
}

// teardownLink force-releases any held lock, purges l from any device's
// pending-waiter queue, and disconnects the adapter; used both by
// DESTROY_LINK and by connection-close cleanup. A link destroyed while
// still blocked in DEVICE_LOCK (HasLock==false) never held a lock for
// ForceUnlock to touch, so ReleaseAll is what actually removes it from
// that device's waiter queue.
func (s *Server) teardownLink(l *link.Link) {
	if l.HasLock {
		s.locks.ForceUnlock(l.DeviceName)
	}
	s.locks.ReleaseAll(l.ID)
	l.Adapter.Disconnect()
}

func errorReply(xid uint32, code vxierr.Code) []byte {
	e := xdr.NewEncoder(4)
	e.PutInt32(int32(code))
	return rpcframe.AcceptedReply(xid, rpcframe.AcceptSuccess, e.Bytes())
}

// codeFromIOErr maps an adapter I/O failure to IO_TIMEOUT when the ctx
// deadline is what actually fired, IO_ERROR otherwise (spec.md §9's
// resolution of the source's inconsistent timeout/IO-error split).
func codeFromIOErr(ctx context.Context, err error) vxierr.Code {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return vxierr.IOTimeout
	}
	return vxierr.IOError
}
