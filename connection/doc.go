// Package connection implements the peer connection state machine: room
// hosting, the connection request/approval handshake, the optional PIN
// challenge, heartbeats, and teardown.
//
// The Manager owns the channel for the life of a session. Once it reaches
// the connected state it exposes a verified Send and a message-dispatch hook
// that the transfer engine builds on; the engine never touches the channel
// directly.
package connection
