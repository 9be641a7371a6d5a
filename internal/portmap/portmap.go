// Package portmap implements the minimal RFC 1833 portmapper subset VXI-11
// discovery needs: PMAPPROC_NULL and PMAPPROC_GETPORT for the three VXI-11
// program numbers.
//
// Grounded on the dittofs portmap server (internal/protocol/portmap,
// internal/adapter/nfs/portmap) and the absnfs Portmapper — both run
// paired TCP (record-marked) and UDP (one-datagram-one-message) listeners
// dispatching on (program, version, procedure); this package keeps that
// shape but narrows the dispatch table to the two procedures spec.md §4.3
// names.
package portmap

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"vxi11gateway/internal/rpcframe"
	"vxi11gateway/internal/xdr"
)

// VXI-11 and portmap program/procedure numbers (RFC 1833, VXI-11 spec).
const (
	ProgramPortmap = 100000
	VersionPortmap = 2

	ProcNull    = 0
	ProcGetPort = 3

	ProgramCore  = 0x0607AF
	ProgramAsync = 0x0607B0
	ProgramIntr  = 0x0607B1

	IPProtoTCP = 6
	IPProtoUDP = 17
)

// Server answers portmap queries for a single configured VXI-11 TCP port.
// Binds are best-effort: a failure to listen on 111 (usually a permissions
// issue) is logged and the server simply runs without a portmapper.
type Server struct {
	log     *zap.Logger
	host    string
	port    int
	vxiPort uint32

	enableTCP bool
	enableUDP bool

	tcpLn  net.Listener
	udpCon *net.UDPConn

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// Config describes how to start a Server.
type Config struct {
	Host    string
	Port    int // usually 111
	VXIPort uint32
	TCP     bool
	UDP     bool
}

func New(log *zap.Logger, cfg Config) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		log:       log,
		host:      cfg.Host,
		port:      cfg.Port,
		vxiPort:   cfg.VXIPort,
		enableTCP: cfg.TCP,
		enableUDP: cfg.UDP,
		stop:      make(chan struct{}),
	}
}

// Start binds the configured listeners and begins serving in the
// background. A failed bind on one transport is logged and the other
// transport still serves; an error is returned only when no listener could
// be started (neither transport enabled, or every requested bind failed)
// or the UDP address does not resolve.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))

	var boundAny bool

	if s.enableTCP {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.log.Warn("portmapper: TCP bind failed, continuing without it", zap.String("addr", addr), zap.Error(err))
		} else {
			s.tcpLn = ln
			boundAny = true
			s.wg.Add(1)
			go s.serveTCP(ctx)
		}
	}

	if s.enableUDP {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return err
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			s.log.Warn("portmapper: UDP bind failed, continuing without it", zap.String("addr", addr), zap.Error(err))
		} else {
			s.udpCon = conn
			boundAny = true
			s.wg.Add(1)
			go s.serveUDP(ctx)
		}
	}

	if !boundAny {
		return errors.New("portmap: no listener could be started")
	}
	return nil
}

// Stop closes all listeners and waits for their goroutines to exit.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.tcpLn != nil {
			_ = s.tcpLn.Close()
		}
		if s.udpCon != nil {
			_ = s.udpCon.Close()
		}
	})
	s.wg.Wait()
}

func (s *Server) serveTCP(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.tcpLn.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
				s.log.Debug("portmapper: accept error", zap.Error(err))
				return
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleTCP(conn)
		}()
	}
}

func (s *Server) handleTCP(conn net.Conn) {
	defer conn.Close()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		msg, err := rpcframe.ReadCall(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("portmapper: read error", zap.Error(err))
			}
			return
		}
		reply := s.handleMessage(msg, IPProtoTCP)
		if reply == nil {
			continue
		}
		if err := rpcframe.WriteReply(conn, reply); err != nil {
			s.log.Debug("portmapper: write error", zap.Error(err))
			return
		}
	}
}

func (s *Server) serveUDP(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, 65535)
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		_ = s.udpCon.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := s.udpCon.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-s.stop:
				return
			default:
				continue
			}
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])
		reply := s.handleMessage(msg, IPProtoUDP)
		if reply == nil {
			continue
		}
		_, _ = s.udpCon.WriteToUDP(reply, addr)
	}
}

// handleMessage parses one RPC call and returns the reply body. It never
// returns an error body for an unrecognised (program, version) pair —
// spec.md §4.3 says those are ignored silently.
func (s *Server) handleMessage(msg []byte, proto uint32) []byte {
	call, err := rpcframe.ParseCall(msg)
	if err != nil {
		return nil
	}
	if call.Program != ProgramPortmap || call.Version != VersionPortmap {
		return nil
	}

	switch call.Procedure {
	case ProcNull:
		return rpcframe.AcceptedReply(call.XID, rpcframe.AcceptSuccess, nil)
	case ProcGetPort:
		return s.handleGetPort(call)
	default:
		// Other procedures receive an empty success reply per spec.md §4.3.
		return rpcframe.AcceptedReply(call.XID, rpcframe.AcceptSuccess, nil)
	}
}

func (s *Server) handleGetPort(call *rpcframe.Call) []byte {
	d := xdr.NewDecoder(call.Body)
	prog, err := d.GetUint32()
	if err != nil {
		return rpcframe.AcceptedReply(call.XID, rpcframe.AcceptGarbageArgs, nil)
	}
	vers, err := d.GetUint32()
	if err != nil {
		return rpcframe.AcceptedReply(call.XID, rpcframe.AcceptGarbageArgs, nil)
	}
	prot, err := d.GetUint32()
	if err != nil {
		return rpcframe.AcceptedReply(call.XID, rpcframe.AcceptGarbageArgs, nil)
	}
	if _, err := d.GetUint32(); err != nil { // port (ignored on GETPORT requests)
		return rpcframe.AcceptedReply(call.XID, rpcframe.AcceptGarbageArgs, nil)
	}

	port := s.resolvePort(prog, prot)

	e := xdr.NewEncoder(4)
	e.PutUint32(port)
	_ = vers // version is not used to select the port: only one VXI-11 version exists
	return rpcframe.AcceptedReply(call.XID, rpcframe.AcceptSuccess, e.Bytes())
}

// resolvePort implements the GETPORT property from spec.md §8: the
// configured VXI-11 port iff prog is CORE or ASYNC and the transport is
// TCP; zero otherwise (including any INTR request, over either
// transport — spec.md §9 resolves that ambiguity explicitly).
func (s *Server) resolvePort(prog, prot uint32) uint32 {
	if prot != IPProtoTCP {
		return 0
	}
	switch prog {
	case ProgramCore, ProgramAsync:
		return s.vxiPort
	default:
		return 0
	}
}

