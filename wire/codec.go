package wire

import (
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"

	"github.com/krishna-esrlabs/flux-mcf/errors"
	"github.com/krishna-esrlabs/flux-mcf/value"
)

// Codec encodes messages into frames and back. Value payloads are resolved
// through the value codec's type registry.
type Codec struct {
	values *value.Codec
}

// NewCodec creates a wire codec on top of a value codec
func NewCodec(values *value.Codec) *Codec {
	return &Codec{values: values}
}

// Values returns the underlying value codec
func (c *Codec) Values() *value.Codec { return c.values }

// ValueMessage serializes v for topic
func (c *Codec) ValueMessage(topic string, v value.Value) (*Value, error) {
	fields, err := c.values.EncodeFields(v)
	if err != nil {
		return nil, err
	}
	return &Value{
		Topic:    topic,
		ID:       v.ID(),
		TypeName: v.TypeName(),
		Fields:   fields,
		ExtMem:   value.ExtMemOf(v),
	}, nil
}

// DecodeValue rebuilds the value carried by m. Unknown type names yield an
// error wrapping errors.ErrUnknownType.
func (c *Codec) DecodeValue(m *Value) (value.Value, error) {
	return c.values.DecodeFields(m.TypeName, m.ID, m.Fields, m.ExtMem)
}

// Encode converts m into its frames
func (c *Codec) Encode(m Message) ([][]byte, error) {
	var items []any
	switch msg := m.(type) {
	case Ping:
		items = []any{KindPing, msg.Freshness}
	case *Ping:
		items = []any{KindPing, msg.Freshness}
	case Pong:
		items = []any{KindPong, msg.Freshness}
	case *Pong:
		items = []any{KindPong, msg.Freshness}
	case Command:
		items = commandItems(msg)
	case *Command:
		items = commandItems(*msg)
	case Value:
		return c.encodeValue(&msg)
	case *Value:
		return c.encodeValue(msg)
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: unsupported message %T", errors.ErrProtocol, m),
			"Codec", "Encode", "encode message")
	}
	return c.frames(items...)
}

func commandItems(cmd Command) []any {
	if cmd.Name == CommandSendAll {
		return []any{KindCommand, cmd.Name}
	}
	return []any{KindCommand, cmd.Name, cmd.Topic}
}

func (c *Codec) frames(items ...any) ([][]byte, error) {
	out := make([][]byte, len(items))
	for i, item := range items {
		b, err := c.values.Marshal(item)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func (c *Codec) encodeValue(m *Value) ([][]byte, error) {
	head, err := c.frames(KindValue, m.Topic)
	if err != nil {
		return nil, err
	}

	id, err := c.values.Marshal(m.ID)
	if err != nil {
		return nil, err
	}
	typeName, err := c.values.Marshal(m.TypeName)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, 0, len(id)+len(typeName)+len(m.Fields))
	payload = append(payload, id...)
	payload = append(payload, typeName...)
	payload = append(payload, m.Fields...)

	frames := append(head, payload)
	if m.ExtMem != nil {
		mem, err := c.values.Marshal(m.ExtMem)
		if err != nil {
			return nil, err
		}
		frames = append(frames, mem)
	}
	return frames, nil
}

func protocolError(method, format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrProtocol, fmt.Sprintf(format, args...)),
		"Codec", method, "decode message")
}

// Decode parses frames into a message. Malformed or unknown messages yield
// an error wrapping errors.ErrProtocol.
func (c *Codec) Decode(frames [][]byte) (Message, error) {
	if len(frames) == 0 {
		return nil, protocolError("Decode", "empty request")
	}

	var kind Kind
	if err := c.values.Unmarshal(frames[0], &kind); err != nil {
		return nil, protocolError("Decode", "message kind: %v", err)
	}

	switch kind {
	case KindPing, KindPong:
		if len(frames) != 2 {
			return nil, protocolError("Decode", "%s with %d frames", kind, len(frames))
		}
		var f uint64
		if err := c.values.Unmarshal(frames[1], &f); err != nil {
			return nil, protocolError("Decode", "%s freshness: %v", kind, err)
		}
		if kind == KindPing {
			return Ping{Freshness: f}, nil
		}
		return Pong{Freshness: f}, nil

	case KindCommand:
		return c.decodeCommand(frames)

	case KindValue:
		return c.decodeValue(frames)

	default:
		return nil, protocolError("Decode", "unknown message kind %q", kind)
	}
}

func (c *Codec) decodeCommand(frames [][]byte) (Message, error) {
	if len(frames) < 2 {
		return nil, protocolError("decodeCommand", "command without name")
	}
	var name CommandName
	if err := c.values.Unmarshal(frames[1], &name); err != nil {
		return nil, protocolError("decodeCommand", "command name: %v", err)
	}

	switch name {
	case CommandSendAll:
		if len(frames) != 2 {
			return nil, protocolError("decodeCommand", "%s with %d frames", name, len(frames))
		}
		return Command{Name: name}, nil
	case CommandValueInjected, CommandValueRejected:
		if len(frames) != 3 {
			return nil, protocolError("decodeCommand", "%s with %d frames", name, len(frames))
		}
		var topic string
		if err := c.values.Unmarshal(frames[2], &topic); err != nil {
			return nil, protocolError("decodeCommand", "%s topic: %v", name, err)
		}
		return Command{Name: name, Topic: topic}, nil
	default:
		return nil, protocolError("decodeCommand", "unknown command %q", name)
	}
}

func (c *Codec) decodeValue(frames [][]byte) (Message, error) {
	if len(frames) != 3 && len(frames) != 4 {
		return nil, protocolError("decodeValue", "value with %d frames", len(frames))
	}

	m := Value{}
	if err := c.values.Unmarshal(frames[1], &m.Topic); err != nil {
		return nil, protocolError("decodeValue", "topic: %v", err)
	}

	rest, err := c.values.UnmarshalFirst(frames[2], &m.ID)
	if err != nil {
		return nil, protocolError("decodeValue", "value id: %v", err)
	}
	rest, err = c.values.UnmarshalFirst(rest, &m.TypeName)
	if err != nil {
		return nil, protocolError("decodeValue", "type name: %v", err)
	}
	if err := c.values.DecMode().Wellformed(rest); err != nil {
		return nil, protocolError("decodeValue", "fields of %s: %v", m.TypeName, err)
	}
	m.Fields = cbor.RawMessage(rest)

	if len(frames) == 4 {
		var mem []byte
		if err := c.values.Unmarshal(frames[3], &mem); err != nil {
			return nil, protocolError("decodeValue", "external memory: %v", err)
		}
		if mem == nil {
			mem = []byte{}
		}
		m.ExtMem = mem
	}
	return m, nil
}

// EncodeReply encodes r as a reply frame
func (c *Codec) EncodeReply(r Result) ([]byte, error) {
	return c.values.Marshal(r.String())
}

// DecodeReply parses a reply frame
func (c *Codec) DecodeReply(b []byte) (Result, error) {
	var s string
	if err := c.values.Unmarshal(b, &s); err != nil {
		return ResultRejected, err
	}
	return ParseResult(s)
}
