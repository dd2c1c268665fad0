package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is returned by CheckPow2 when a size or alignment is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// CorruptionError is returned by corruption checks when the guard bytes written after an
// allocation have been overwritten
var CorruptionError error = errors.New("memory corruption detected after validated allocation")
