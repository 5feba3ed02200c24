// Package ratelimit provides time-windowed attempt counting per peer
// identifier, used to blunt brute-force connection attempts against a
// hosted session.
//
// The limiter is purely local and time-based: a key that reaches the
// attempt threshold inside the window is blocked for a cooldown period,
// after which its record resets. There is no notion of global bans.
package ratelimit
