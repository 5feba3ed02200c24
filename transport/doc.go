// Package transport defines the message channel the PeerBeam core runs on,
// and ships two implementations: a WebSocket channel with bounded reconnect
// backoff, and a Noise protocol wrapper that adds authenticated encryption
// to any underlying channel.
//
// The core consumes a channel only through Open, Send, the registered
// message/close/error handlers, and Close. Signaling and NAT traversal are
// outside this package; the channel is assumed reliable and ordered.
package transport
