// Package signaling implements the call gateway's WebSocket endpoint.
//
// Each socket is served by one goroutine that reads frames strictly in order
// and runs them through the same pipeline:
//
//	decode -> dedup/sequence -> auth gate -> handler -> ACK -> queued frames
//
// Handlers never write to sockets directly. They queue frames for the caller
// and for other devices, and the queue is flushed only after the ACK for the
// inbound frame went out, so a client always sees the ACK before any frame it
// caused. Devices that are offline when a key-exchange frame is addressed to
// them get it through the store mailbox instead.
package signaling
