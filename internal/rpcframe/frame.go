// Package rpcframe implements ONC RPC message framing: TCP record marking
// and call/reply (de)serialisation.
//
// Grounded on the dittofs portmap server's handleTCPConn/serveUDP pair
// (internal/protocol/portmap server.go) — same 4-byte big-endian record
// marker with the last-fragment bit in the MSB for TCP, same one-packet-
// one-message rule for UDP.
package rpcframe

import (
	"encoding/binary"
	"errors"
	"io"
)

const lastFragmentBit = 0x80000000

// ErrFragmentTooLarge bounds a single fragment so a hostile or broken
// client cannot make the framer allocate without limit.
var ErrFragmentTooLarge = errors.New("rpcframe: fragment exceeds maximum size")

// MaxMessageSize is the largest call/reply payload accepted across all
// fragments of one message.
const MaxMessageSize = 8 << 20

// ReadCall reads one full (possibly multi-fragment) RPC message from a TCP
// stream, concatenating fragments until the last-fragment marker is seen.
// io.EOF is returned unchanged when the peer closes before sending a byte
// of a new message, so callers can distinguish "clean disconnect" from a
// mid-message truncation.
func ReadCall(r io.Reader) ([]byte, error) {
	var msg []byte
	first := true
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if first && errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		first = false

		marker := binary.BigEndian.Uint32(hdr[:])
		length := marker &^ lastFragmentBit
		last := marker&lastFragmentBit != 0

		if int(length) > MaxMessageSize || len(msg)+int(length) > MaxMessageSize {
			return nil, ErrFragmentTooLarge
		}

		frag := make([]byte, length)
		if _, err := io.ReadFull(r, frag); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		msg = append(msg, frag...)

		if last {
			return msg, nil
		}
	}
}

// WriteReply emits payload as a single last-fragment record.
func WriteReply(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], lastFragmentBit|uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
