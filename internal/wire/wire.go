// Package wire implements the coordinator/participant frame codec.
//
// The format is positional and fixed: 32-bit big-endian signed integers for
// status codes, ports and participant ids, and strings encoded as a 16-bit
// big-endian byte length followed by UTF-8 bytes. This matches the
// DataInputStream/DataOutputStream framing the protocol was defined with,
// so either side can interoperate with legacy peers.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Status codes exchanged on both the command and push connections.
const (
	StatusSuccess int32 = 0
	StatusError   int32 = -1
	StatusQuit    int32 = -2
)

// MaxStringLen is the largest encodable string payload in bytes, bounded by
// the 16-bit length prefix.
const MaxStringLen = 1<<16 - 1

var ErrStringTooLong = errors.New("wire: string exceeds 16-bit length prefix")

// ReadInt32 reads one big-endian signed 32-bit integer.
func ReadInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

// WriteInt32 writes one big-endian signed 32-bit integer.
func WriteInt32(w io.Writer, v int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	_, err := w.Write(buf[:])
	return err
}

// ReadString reads a length-prefixed UTF-8 string.
func ReadString(r io.Reader) (string, error) {
	var lbuf [2]byte
	if _, err := io.ReadFull(r, lbuf[:]); err != nil {
		return "", err
	}
	n := int(binary.BigEndian.Uint16(lbuf[:]))
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteString writes a length-prefixed UTF-8 string. Strings longer than
// MaxStringLen bytes are rejected rather than truncated.
func WriteString(w io.Writer, s string) error {
	if len(s) > MaxStringLen {
		return fmt.Errorf("%w: %d bytes", ErrStringTooLong, len(s))
	}
	buf := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(s)))
	copy(buf[2:], s)
	_, err := w.Write(buf)
	return err
}

// StatusName renders a status code for logs.
func StatusName(v int32) string {
	switch v {
	case StatusSuccess:
		return "SUCCESS"
	case StatusError:
		return "ERROR"
	case StatusQuit:
		return "QUIT"
	default:
		return fmt.Sprintf("status(%d)", v)
	}
}
