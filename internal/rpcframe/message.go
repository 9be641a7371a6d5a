package rpcframe

import (
	"errors"

	"vxi11gateway/internal/xdr"
)

// ONC RPC message types and reply statuses (RFC 5531).
const (
	MsgCall  = 0
	MsgReply = 1

	RPCVersion = 2

	ReplyAccepted = 0
	ReplyDenied   = 1

	AcceptSuccess      = 0
	AcceptProgUnavail  = 1
	AcceptProgMismatch = 2
	AcceptProcUnavail  = 3
	AcceptGarbageArgs  = 4
	AcceptSystemErr    = 5

	AuthNull = 0
)

// ErrNotACall is returned by ParseCall when the message type field is not
// MsgCall.
var ErrNotACall = errors.New("rpcframe: not a call message")

// Call is a decoded ONC RPC call header. Body holds the still-encoded
// procedure-specific arguments.
type Call struct {
	XID       uint32
	Program   uint32
	Version   uint32
	Procedure uint32
	Body      []byte
}

// opaque_auth{flavor, body} — only AUTH_NULL (empty body) is supported;
// any credential/verifier is decoded and discarded, as VXI-11 clients in
// practice always authenticate with AUTH_NULL.
func skipAuth(d *xdr.Decoder) error {
	if _, err := d.GetUint32(); err != nil { // flavor
		return err
	}
	if _, err := d.GetOpaque(); err != nil { // body
		return err
	}
	return nil
}

// ParseCall decodes an RPC call header, leaving Body positioned at the
// first byte of the procedure arguments.
func ParseCall(msg []byte) (*Call, error) {
	d := xdr.NewDecoder(msg)

	xid, err := d.GetUint32()
	if err != nil {
		return nil, err
	}
	msgType, err := d.GetUint32()
	if err != nil {
		return nil, err
	}
	if msgType != MsgCall {
		return nil, ErrNotACall
	}
	if _, err := d.GetUint32(); err != nil { // rpcvers
		return nil, err
	}
	prog, err := d.GetUint32()
	if err != nil {
		return nil, err
	}
	vers, err := d.GetUint32()
	if err != nil {
		return nil, err
	}
	proc, err := d.GetUint32()
	if err != nil {
		return nil, err
	}
	if err := skipAuth(d); err != nil { // cred
		return nil, err
	}
	if err := skipAuth(d); err != nil { // verf
		return nil, err
	}

	return &Call{
		XID:       xid,
		Program:   prog,
		Version:   vers,
		Procedure: proc,
		Body:      msg[len(msg)-d.Remaining():],
	}, nil
}

// AcceptedReply builds an ACCEPTED reply with the given status and body.
// body is appended as given whatever the status; callers pass nil for any
// status other than AcceptSuccess.
func AcceptedReply(xid uint32, status uint32, body []byte) []byte {
	e := xdr.NewEncoder(24 + len(body))
	e.PutUint32(xid)
	e.PutUint32(MsgReply)
	e.PutUint32(ReplyAccepted)
	e.PutUint32(AuthNull) // verf flavor
	e.PutUint32(0)        // verf length
	e.PutUint32(status)
	return append(e.Bytes(), body...)
}

// ProgMismatchReply builds an RPC-level PROG_MISMATCH reply (low, high).
func ProgMismatchReply(xid uint32, low, high uint32) []byte {
	e := xdr.NewEncoder(32)
	e.PutUint32(xid)
	e.PutUint32(MsgReply)
	e.PutUint32(ReplyAccepted)
	e.PutUint32(AuthNull)
	e.PutUint32(0)
	e.PutUint32(AcceptProgMismatch)
	e.PutUint32(low)
	e.PutUint32(high)
	return e.Bytes()
}
