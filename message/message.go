// Package message defines the gateway message and its binary wire format.
//
// The same format is produced and consumed on both sides of the guest
// boundary:
//
//	0xA1 0x60                  header
//	int32                      total size, header included
//	int32                      property count
//	key\0 value\0              one pair per property
//	int32                      content length
//	[]byte                     content
//
// All integers are big-endian.
package message

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	header1 = 0xA1
	header2 = 0x60

	// headerSize covers the two header bytes and the int32 total size.
	headerSize = 6
)

var (
	ErrInvalidHeader   = errors.New("message: invalid header")
	ErrTruncated       = errors.New("message: truncated")
	ErrSizeMismatch    = errors.New("message: size mismatch")
	ErrInvalidProperty = errors.New("message: invalid property")
)

// Message is a set of string properties plus an opaque content payload.
type Message struct {
	Properties map[string]string
	Content    []byte
}

// New returns a message with a copy of content and properties.
func New(content []byte, properties map[string]string) *Message {
	m := &Message{Content: append([]byte(nil), content...)}
	if len(properties) > 0 {
		m.Properties = make(map[string]string, len(properties))
		for k, v := range properties {
			m.Properties[k] = v
		}
	}
	return m
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	return New(m.Content, m.Properties)
}

// ToBytes serializes m. Properties are written sorted by key so equal
// messages always encode to equal bytes.
func (m *Message) ToBytes() ([]byte, error) {
	keys := make([]string, 0, len(m.Properties))
	for k, v := range m.Properties {
		if strings.IndexByte(k, 0) >= 0 || strings.IndexByte(v, 0) >= 0 {
			return nil, fmt.Errorf("%w: %q contains NUL", ErrInvalidProperty, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var body bytes.Buffer
	writeInt32(&body, int32(len(keys)))
	for _, k := range keys {
		body.WriteString(k)
		body.WriteByte(0)
		body.WriteString(m.Properties[k])
		body.WriteByte(0)
	}
	writeInt32(&body, int32(len(m.Content)))
	body.Write(m.Content)

	out := make([]byte, 0, headerSize+body.Len())
	out = append(out, header1, header2)
	out = binary.BigEndian.AppendUint32(out, uint32(headerSize+body.Len()))
	out = append(out, body.Bytes()...)
	return out, nil
}

// FromBytes parses a serialized message.
func FromBytes(data []byte) (*Message, error) {
	if len(data) < headerSize {
		return nil, ErrTruncated
	}
	if data[0] != header1 || data[1] != header2 {
		return nil, ErrInvalidHeader
	}
	size := int(binary.BigEndian.Uint32(data[2:6]))
	if size != len(data) {
		return nil, fmt.Errorf("%w: header says %d, got %d", ErrSizeMismatch, size, len(data))
	}

	r := reader{buf: data[headerSize:]}
	count, err := r.int32()
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, fmt.Errorf("%w: negative property count", ErrInvalidProperty)
	}
	// Every property takes at least two NUL terminators.
	if int(count) > len(r.buf)/2 {
		return nil, fmt.Errorf("%w: %d properties in %d bytes", ErrInvalidProperty, count, len(r.buf))
	}

	m := &Message{}
	if count > 0 {
		m.Properties = make(map[string]string, count)
	}
	for i := int32(0); i < count; i++ {
		k, err := r.cstring()
		if err != nil {
			return nil, err
		}
		v, err := r.cstring()
		if err != nil {
			return nil, err
		}
		m.Properties[k] = v
	}

	n, err := r.int32()
	if err != nil {
		return nil, err
	}
	if n < 0 || int(n) > len(r.buf) {
		return nil, ErrTruncated
	}
	m.Content = append([]byte{}, r.buf[:n]...)
	if len(r.buf) != int(n) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrSizeMismatch, len(r.buf)-int(n))
	}
	return m, nil
}

func writeInt32(b *bytes.Buffer, v int32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	b.Write(tmp[:])
}

type reader struct {
	buf []byte
}

func (r *reader) int32() (int32, error) {
	if len(r.buf) < 4 {
		return 0, ErrTruncated
	}
	v := int32(binary.BigEndian.Uint32(r.buf))
	r.buf = r.buf[4:]
	return v, nil
}

func (r *reader) cstring() (string, error) {
	i := bytes.IndexByte(r.buf, 0)
	if i < 0 {
		return "", ErrTruncated
	}
	s := string(r.buf[:i])
	r.buf = r.buf[i+1:]
	return s, nil
}
