// Package rpc is the umbrella for the wire protocol and its plumbing.
//
// The RPC stack is split into focused subpackages:
//
//   - common: opcodes, status codes, fixed-layout little-endian message
//     codecs, service locators, server/client configuration, and the
//     logger setup shared by every component.
//
//   - transport: the framed byte transports. The base package implements
//     connection handling, frame IO, and client-side request
//     multiplexing; tcp and unix contribute scheme-specific connectors.
//     A frame is opaque to the transport layer.
//
//   - server: the dispatch side. One dispatch goroutine owns admission
//     (per-service concurrency caps with FIFO overflow queues) and all
//     reply sending; worker goroutines execute one RPC at a time with a
//     low-latency atomic state-word handoff.
//
//   - client: MasterClient for application and control traffic,
//     BackupClient for the master-to-backup RPCs used by replication and
//     recovery.
//
// A request travels: client stub -> client transport (frame with request
// id) -> server transport (per-connection reader) -> dispatcher queue ->
// admission -> worker handoff -> service adapter -> reply bytes ->
// dispatch thread -> server transport -> client transport -> stub.
package rpc
