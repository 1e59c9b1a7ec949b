package message

// Codec converts messages to and from their wire form. The module host goes
// through a Codec so tests can substitute failing implementations.
type Codec interface {
	Serialize(m *Message) ([]byte, error)
	Deserialize(data []byte) (*Message, error)
}

// DefaultCodec uses ToBytes and FromBytes.
var DefaultCodec Codec = binaryCodec{}

type binaryCodec struct{}

func (binaryCodec) Serialize(m *Message) ([]byte, error) { return m.ToBytes() }

func (binaryCodec) Deserialize(data []byte) (*Message, error) { return FromBytes(data) }
