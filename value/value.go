// Package value defines the typed values exchanged through the value store
// and across the remote bridge.
//
// A concrete value type embeds Base and marks itself as a CBOR array so its
// fields serialize in declaration order:
//
//	type Image struct {
//		value.Base `cbor:"-"`
//		_          struct{} `cbor:",toarray"`
//
//		Width  uint32
//		Height uint32
//		Format string
//	}
//
//	func (*Image) TypeName() string { return "camera::Image" }
//
// Types are made known to a Registry so that they can be rebuilt from their
// type name when they arrive from a remote peer or a record file.
package value

import (
	"math/rand/v2"
)

// Value is the contract every value stored under a topic fulfils.
type Value interface {
	// ID returns the value identifier, 0 when unassigned
	ID() uint64
	SetID(id uint64)
	// TypeName returns the globally unique name used on the wire
	TypeName() string
}

// ExtMemHolder is implemented by values that carry an opaque external memory
// block next to their fields, such as image or point cloud buffers. A nil
// block means the value has none.
type ExtMemHolder interface {
	ExtMem() []byte
	SetExtMem(b []byte)
}

// Base carries the identity and external memory of a value. It is not part
// of the serialized fields.
type Base struct {
	id     uint64
	extMem []byte
}

// ID returns the value identifier.
func (b *Base) ID() uint64 { return b.id }

// SetID sets the value identifier.
func (b *Base) SetID(id uint64) { b.id = id }

// ExtMem returns the external memory block, nil if absent.
func (b *Base) ExtMem() []byte { return b.extMem }

// SetExtMem replaces the external memory block.
func (b *Base) SetExtMem(mem []byte) { b.extMem = mem }

// NewID returns a random non-zero identifier.
func NewID() uint64 {
	for {
		if id := rand.Uint64(); id != 0 {
			return id
		}
	}
}

// EnsureID assigns a fresh identifier to v if it has none and returns it.
func EnsureID(v Value) uint64 {
	if v.ID() == 0 {
		v.SetID(NewID())
	}
	return v.ID()
}

// ExtMemOf returns the external memory of v, or nil when v carries none.
func ExtMemOf(v Value) []byte {
	if h, ok := v.(ExtMemHolder); ok {
		return h.ExtMem()
	}
	return nil
}
