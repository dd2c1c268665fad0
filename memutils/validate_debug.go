//go:build debug_rhi

package memutils

import (
	"encoding/binary"

	"golang.org/x/exp/constraints"
)

const (
	// DebugMargin is the number of guard bytes placed after each CPU-visible transient allocation
	DebugMargin int = 16
	// corruptionDetectionMagicValue is the 4-byte pattern repeated across the guard bytes
	corruptionDetectionMagicValue uint32 = 0x7F84E666
)

// WriteMagicValue writes an easy-to-identify marker across DebugMargin bytes at data[offset:].
// Markers that would run past the end of data are truncated.
func WriteMagicValue(data []byte, offset int) {
	for i := 0; i+4 <= DebugMargin && offset+i+4 <= len(data); i += 4 {
		binary.LittleEndian.PutUint32(data[offset+i:], corruptionDetectionMagicValue)
	}
}

// ValidateMagicValue verifies that the marker written by WriteMagicValue is still present at
// data[offset:]. It returns true if the value is still present and false otherwise.
func ValidateMagicValue(data []byte, offset int) bool {
	for i := 0; i+4 <= DebugMargin && offset+i+4 <= len(data); i += 4 {
		if binary.LittleEndian.Uint32(data[offset+i:]) != corruptionDetectionMagicValue {
			return false
		}
	}

	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned.
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
func DebugCheckPow2[T constraints.Integer](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
