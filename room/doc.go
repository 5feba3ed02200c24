// Package room issues and tracks the short-lived room codes that let a
// client locate a specific hosting session.
//
// Codes are 8 characters drawn from a 32-symbol alphabet that excludes
// visually ambiguous glyphs (no I, O, 0 or 1), giving about 40 bits of
// entropy from a cryptographically strong source. A session lives for 60
// minutes unless destroyed earlier; expired entries are evicted lazily on
// lookup. Comparisons always use the normalized form: dashes stripped,
// uppercase. The display form XXXX-XXXX is cosmetic.
package room
