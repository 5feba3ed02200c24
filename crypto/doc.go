// Package crypto provides the digest and random primitives used by the
// PeerBeam core: truncated BLAKE2b checksums for chunk integrity, full
// digests for whole-file verification, one-way PIN hashing, and secure
// random generation for room codes.
package crypto
