package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	m := New([]byte("temperature=21.5"), map[string]string{
		"source":    "sensor-1",
		"deviceKey": "abc",
	})

	data, err := DefaultCodec.Serialize(m)
	require.NoError(t, err)

	got, err := DefaultCodec.Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, m.Content, got.Content)
	assert.Equal(t, m.Properties, got.Properties)

	again, err := got.ToBytes()
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestWireLayout(t *testing.T) {
	m := New([]byte("hi"), map[string]string{"k": "v"})
	data, err := m.ToBytes()
	require.NoError(t, err)

	want := []byte{
		0xA1, 0x60,
		0, 0, 0, 20,
		0, 0, 0, 1,
		'k', 0, 'v', 0,
		0, 0, 0, 2,
		'h', 'i',
	}
	assert.Equal(t, want, data)
}

func TestEmptyMessage(t *testing.T) {
	data, err := (&Message{}).ToBytes()
	require.NoError(t, err)
	assert.Len(t, data, headerSize+8)

	got, err := FromBytes(data)
	require.NoError(t, err)
	assert.Empty(t, got.Properties)
	assert.Empty(t, got.Content)
}

func TestPropertiesSorted(t *testing.T) {
	a, err := New(nil, map[string]string{"b": "2", "a": "1", "c": "3"}).ToBytes()
	require.NoError(t, err)
	b, err := New(nil, map[string]string{"c": "3", "a": "1", "b": "2"}).ToBytes()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRejectsNULInProperty(t *testing.T) {
	_, err := New(nil, map[string]string{"bad\x00key": "v"}).ToBytes()
	assert.ErrorIs(t, err, ErrInvalidProperty)
}

func TestFromBytesErrors(t *testing.T) {
	valid, err := New([]byte("payload"), map[string]string{"k": "v"}).ToBytes()
	require.NoError(t, err)

	badHeader := append([]byte{}, valid...)
	badHeader[0] = 0x00

	badSize := append([]byte{}, valid...)
	badSize[5]++

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrTruncated},
		{"short", []byte{0xA1, 0x60, 0}, ErrTruncated},
		{"header", badHeader, ErrInvalidHeader},
		{"size", badSize, ErrSizeMismatch},
		{"trailing", append(append([]byte{}, valid...), 0xFF), ErrSizeMismatch},
		{"huge property count", []byte{0xA1, 0x60, 0, 0, 0, 14, 0x7F, 0xFF, 0xFF, 0xFF, 0, 0, 0, 0}, ErrInvalidProperty},
		{"property count past payload", []byte{0xA1, 0x60, 0, 0, 0, 16, 0, 0, 0, 4, 0, 0, 0, 0, 0, 0}, ErrInvalidProperty},
		{"negative property count", []byte{0xA1, 0x60, 0, 0, 0, 14, 0xFF, 0xFF, 0xFF, 0xFF, 0, 0, 0, 0}, ErrInvalidProperty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromBytes(tt.data)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFromBytesUnterminatedProperty(t *testing.T) {
	data := []byte{
		0xA1, 0x60,
		0, 0, 0, 12,
		0, 0, 0, 1,
		'k', 'v',
	}
	_, err := FromBytes(data)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestCloneIsDeep(t *testing.T) {
	m := New([]byte("abc"), map[string]string{"k": "v"})
	c := m.Clone()
	c.Content[0] = 'x'
	c.Properties["k"] = "changed"

	assert.Equal(t, "abc", string(m.Content))
	assert.Equal(t, "v", m.Properties["k"])
}
