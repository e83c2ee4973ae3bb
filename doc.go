// Package fluxmcf is a publish/subscribe middleware for processes built from
// event-driven components that exchange typed values through a shared value
// store.
//
// The module is organised bottom-up:
//
//   - value and valuestore: typed values, their CBOR codec, the latest-value
//     store and bounded value queues
//   - component and service: the per-component scheduler and the manager
//     that configures, starts and stops components together
//   - wire, transport and remote: the lock-step request/reply protocol that
//     bridges topics of two processes over in-memory, NATS or websocket links
//   - record: binary value framing, the recorder and the record file reader
//   - config, metric, health and errors: the ambient stack
//
// cmd/fluxmcf wires all of it from a layered JSON or YAML configuration.
package fluxmcf
