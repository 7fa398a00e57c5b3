// Package wire implements the peer-gateway protocol: a length-prefixed
// message of kind ∈ {WRITE, TRUNCATE, DETACH, ACCEPTED, ERROR}, framed
// as a fixed header followed by a flat payload.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jcnelson/syndicate/internal/manifest"
)

// Kind is the message opcode byte.
type Kind uint8

const (
	KindWrite Kind = iota + 1
	KindTruncate
	KindDetach
	KindAccepted
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindWrite:
		return "WRITE"
	case KindTruncate:
		return "TRUNCATE"
	case KindDetach:
		return "DETACH"
	case KindAccepted:
		return "ACCEPTED"
	case KindError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Message is the in-memory form of a peer-gateway wire message.
type Message struct {
	Kind Kind

	// WRITE
	FSPath      string
	FileVersion manifest.Version
	BlockID     manifest.BlockID
	BlockVersion manifest.Version
	Payload     []byte

	// TRUNCATE
	Size            uint64
	BlockVersionLo  manifest.BlockID
	BlockVersionHi  manifest.BlockID

	// DETACH carries only FSPath/FileVersion above.

	// ERROR
	Code int32
	Text string
}

// header layout: kind(1) + payload_len(4, big-endian).
const headerSize = 1 + 4

// WriteTo encodes m onto w as a fixed header followed by a flat
// payload.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	body, err := encodeBody(m)
	if err != nil {
		return 0, err
	}
	header := make([]byte, headerSize)
	header[0] = byte(m.Kind)
	binary.BigEndian.PutUint32(header[1:], uint32(len(body)))
	n1, err := w.Write(header)
	if err != nil {
		return int64(n1), err
	}
	n2, err := w.Write(body)
	return int64(n1 + n2), err
}

// ReadMessage decodes one framed message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	kind := Kind(header[0])
	bodyLen := binary.BigEndian.Uint32(header[1:])
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	}
	return decodeBody(kind, body)
}

func putString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)
	return buf
}

func getString(buf []byte) (string, []byte, error) {
	if len(buf) < 4 {
		return "", nil, io.ErrUnexpectedEOF
	}
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return "", nil, io.ErrUnexpectedEOF
	}
	return string(buf[:n]), buf[n:], nil
}

func encodeBody(m *Message) ([]byte, error) {
	switch m.Kind {
	case KindWrite:
		buf := putString(nil, m.FSPath)
		var rest [24]byte
		binary.BigEndian.PutUint64(rest[0:], uint64(m.FileVersion))
		binary.BigEndian.PutUint64(rest[8:], uint64(m.BlockID))
		binary.BigEndian.PutUint64(rest[16:], uint64(m.BlockVersion))
		buf = append(buf, rest[:]...)
		buf = append(buf, m.Payload...)
		return buf, nil
	case KindTruncate:
		buf := putString(nil, m.FSPath)
		var rest [32]byte
		binary.BigEndian.PutUint64(rest[0:], uint64(m.FileVersion))
		binary.BigEndian.PutUint64(rest[8:], m.Size)
		binary.BigEndian.PutUint64(rest[16:], uint64(m.BlockVersionLo))
		binary.BigEndian.PutUint64(rest[24:], uint64(m.BlockVersionHi))
		buf = append(buf, rest[:]...)
		return buf, nil
	case KindDetach:
		buf := putString(nil, m.FSPath)
		var ver [8]byte
		binary.BigEndian.PutUint64(ver[:], uint64(m.FileVersion))
		return append(buf, ver[:]...), nil
	case KindAccepted:
		return nil, nil
	case KindError:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(m.Code))
		return putString(buf, m.Text), nil
	default:
		return nil, fmt.Errorf("wire: unknown message kind %d", m.Kind)
	}
}

func decodeBody(kind Kind, body []byte) (*Message, error) {
	m := &Message{Kind: kind}
	switch kind {
	case KindWrite:
		path, rest, err := getString(body)
		if err != nil {
			return nil, err
		}
		if len(rest) < 24 {
			return nil, io.ErrUnexpectedEOF
		}
		m.FSPath = path
		m.FileVersion = manifest.Version(binary.BigEndian.Uint64(rest[0:]))
		m.BlockID = manifest.BlockID(binary.BigEndian.Uint64(rest[8:]))
		m.BlockVersion = manifest.Version(binary.BigEndian.Uint64(rest[16:]))
		m.Payload = append([]byte(nil), rest[24:]...)
		return m, nil
	case KindTruncate:
		path, rest, err := getString(body)
		if err != nil {
			return nil, err
		}
		if len(rest) < 32 {
			return nil, io.ErrUnexpectedEOF
		}
		m.FSPath = path
		m.FileVersion = manifest.Version(binary.BigEndian.Uint64(rest[0:]))
		m.Size = binary.BigEndian.Uint64(rest[8:])
		m.BlockVersionLo = manifest.BlockID(binary.BigEndian.Uint64(rest[16:]))
		m.BlockVersionHi = manifest.BlockID(binary.BigEndian.Uint64(rest[24:]))
		return m, nil
	case KindDetach:
		path, rest, err := getString(body)
		if err != nil {
			return nil, err
		}
		if len(rest) < 8 {
			return nil, io.ErrUnexpectedEOF
		}
		m.FSPath = path
		m.FileVersion = manifest.Version(binary.BigEndian.Uint64(rest[0:]))
		return m, nil
	case KindAccepted:
		return m, nil
	case KindError:
		if len(body) < 4 {
			return nil, io.ErrUnexpectedEOF
		}
		m.Code = int32(binary.BigEndian.Uint32(body[:4]))
		text, _, err := getString(body[4:])
		if err != nil {
			return nil, err
		}
		m.Text = text
		return m, nil
	default:
		return nil, fmt.Errorf("wire: unknown message kind %d", kind)
	}
}
