// Package limits provides centralized size caps and file validation for
// PeerBeam transfers. This ensures consistent validation across the sender,
// the receiver, and the facade.
package limits
