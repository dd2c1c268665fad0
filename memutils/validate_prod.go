//go:build !debug_rhi

package memutils

import "golang.org/x/exp/constraints"

const (
	// DebugMargin is the number of guard bytes placed after each CPU-visible transient allocation
	DebugMargin int = 0
)

// ValidateMagicValue verifies that the marker written by WriteMagicValue is still present at
// data[offset:]. This method no-ops unless the debug_rhi build tag is present.
func ValidateMagicValue(data []byte, offset int) bool {
	return true
}

// WriteMagicValue writes an easy-to-identify marker across DebugMargin bytes at data[offset:].
// This method no-ops unless the debug_rhi build tag is present.
func WriteMagicValue(data []byte, offset int) {
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_rhi build tag is present
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_rhi build tag is present.
func DebugCheckPow2[T constraints.Integer](value T, name string) {
}
