// Package safe provides bounded conversions and file reads.
package safe

import (
	"math"
)

// Uint64ToInt64 safely converts an uint64 value to int64, clamping to math.MaxInt64 if overflow
// would occur.
// Returns the converted value and a boolean indicating whether clamping occurred.
func Uint64ToInt64(val uint64) (int64, bool) {
	if val > math.MaxInt64 {
		return math.MaxInt64, true
	}
	return int64(val), false
}

// Uint64ToUintptr converts a host address to uintptr.
// Returns false when the value does not fit the native pointer width.
func Uint64ToUintptr(val uint64) (uintptr, bool) {
	if uint64(uintptr(val)) != val {
		return 0, false
	}
	return uintptr(val), true
}
