package value

import (
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"

	"github.com/krishna-esrlabs/flux-mcf/errors"
)

// Codec serializes value fields as CBOR and rebuilds values by type name.
// Encoding is deterministic.
type Codec struct {
	enc      cbor.EncMode
	dec      cbor.DecMode
	registry *Registry
}

// NewCodec creates a codec resolving type names through registry.
func NewCodec(registry *Registry) (*Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, errors.WrapFatal(err, "Codec", "NewCodec", "build encode mode")
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, errors.WrapFatal(err, "Codec", "NewCodec", "build decode mode")
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Codec{enc: em, dec: dm, registry: registry}, nil
}

// Registry returns the type registry used for decoding.
func (c *Codec) Registry() *Registry { return c.registry }

// Marshal encodes an arbitrary item with the codec's encode mode.
func (c *Codec) Marshal(v any) ([]byte, error) {
	b, err := c.enc.Marshal(v)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrSerialization, err),
			"Codec", "Marshal", "encode cbor")
	}
	return b, nil
}

// Unmarshal decodes a single CBOR item into v.
func (c *Codec) Unmarshal(data []byte, v any) error {
	if err := c.dec.Unmarshal(data, v); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrSerialization, err),
			"Codec", "Unmarshal", "decode cbor")
	}
	return nil
}

// UnmarshalFirst decodes the first CBOR item of data into v and returns the
// remaining bytes.
func (c *Codec) UnmarshalFirst(data []byte, v any) ([]byte, error) {
	rest, err := c.dec.UnmarshalFirst(data, v)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrSerialization, err),
			"Codec", "UnmarshalFirst", "decode cbor")
	}
	return rest, nil
}

// DecMode exposes the decode mode for stream decoders.
func (c *Codec) DecMode() cbor.DecMode { return c.dec }

// EncMode exposes the encode mode for stream encoders.
func (c *Codec) EncMode() cbor.EncMode { return c.enc }

// EncodeFields serializes the fields of v as one CBOR array.
func (c *Codec) EncodeFields(v Value) ([]byte, error) {
	if v == nil {
		return nil, errors.WrapInvalid(errors.ErrNilValue, "Codec", "EncodeFields", "encode value")
	}
	b, err := c.enc.Marshal(v)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrSerialization, err),
			"Codec", "EncodeFields", fmt.Sprintf("encode %s", v.TypeName()))
	}
	return b, nil
}

// DecodeFields creates a value of typeName and fills it from fields. The
// external memory block is attached when the type can hold one; a nil mem
// leaves the value without external memory.
func (c *Codec) DecodeFields(typeName string, id uint64, fields []byte, mem []byte) (Value, error) {
	v, err := c.registry.New(typeName)
	if err != nil {
		return nil, err
	}
	if err := c.dec.Unmarshal(fields, v); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrSerialization, err),
			"Codec", "DecodeFields", fmt.Sprintf("decode %s", typeName))
	}
	v.SetID(id)

	if mem != nil {
		h, ok := v.(ExtMemHolder)
		if !ok {
			return nil, errors.WrapInvalid(errors.ErrSerialization, "Codec", "DecodeFields",
				fmt.Sprintf("attach external memory to %s", typeName))
		}
		h.SetExtMem(mem)
	}
	return v, nil
}
