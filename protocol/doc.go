// Package protocol defines the wire envelope and the closed message set
// exchanged between two PeerBeam endpoints.
//
// Every exchange on the channel is a PeerMessage: a type tag, a millisecond
// timestamp, and a type-specific payload. The message set is fixed; decoding
// an unknown type is an error, and DecodePayload matches the set
// exhaustively so that extending the protocol is a compile-time-visible
// change.
package protocol
