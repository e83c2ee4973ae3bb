// Package wire defines the messages exchanged by the two ends of a remote
// bridge and their CBOR frame encoding.
//
// Every request is a list of separately encoded CBOR frames whose first
// frame names the message kind:
//
//	["ping", freshness]
//	["pong", freshness]
//	["command", "sendAll"]
//	["command", "valueInjected" | "valueRejected", topic]
//	["value", topic, cbor(id) cbor(typeName) fields, extMem?]
//
// Every request is answered by exactly one reply, a CBOR text string. See
// Result.
package wire

import (
	cbor "github.com/fxamacker/cbor/v2"
)

// Kind names a message type on the wire
type Kind string

// Message kinds
const (
	KindPing    Kind = "ping"
	KindPong    Kind = "pong"
	KindCommand Kind = "command"
	KindValue   Kind = "value"
)

// Message is one of Ping, Pong, Command or Value
type Message interface {
	Kind() Kind
	isMessage()
}

// Ping asks the peer to answer with a Pong carrying the same freshness
type Ping struct {
	Freshness uint64
}

// Pong answers a Ping
type Pong struct {
	Freshness uint64
}

// CommandName identifies a command
type CommandName string

// Commands
const (
	// CommandSendAll asks the peer to send the latest value of every send rule
	CommandSendAll CommandName = "sendAll"
	// CommandValueInjected tells the peer that a value it was told RECEIVED
	// for has now been injected
	CommandValueInjected CommandName = "valueInjected"
	// CommandValueRejected tells the peer that such a value was dropped
	CommandValueRejected CommandName = "valueRejected"
)

// Command carries a control request. Topic is set for the blocked value
// notifications only.
type Command struct {
	Name  CommandName
	Topic string
}

// Value carries one serialized value. A nil ExtMem means the value has no
// external memory.
type Value struct {
	Topic    string
	ID       uint64
	TypeName string
	Fields   cbor.RawMessage
	ExtMem   []byte
}

func (Ping) Kind() Kind    { return KindPing }
func (Pong) Kind() Kind    { return KindPong }
func (Command) Kind() Kind { return KindCommand }
func (Value) Kind() Kind   { return KindValue }

func (Ping) isMessage()    {}
func (Pong) isMessage()    {}
func (Command) isMessage() {}
func (Value) isMessage()   {}
