package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
)

// PowerOfTwoError is wrapped by CheckPow2 when a size or alignment is not a power of two
var PowerOfTwoError = errors.New("number must be a power of two")

// Number is any integer type used for sizes, offsets or GPU virtual addresses
type Number interface {
	~int | ~uint | ~uint32 | ~uint64
}

// Validatable is anything with an internal consistency check, see DebugValidate
type Validatable interface {
	Validate() error
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp[T Number](value T, alignment T) T {
	return (value + alignment - 1) &^ (alignment - 1)
}

func AlignDown[T Number](value T, alignment T) T {
	return value &^ (alignment - 1)
}

// IsAligned returns true when value is a multiple of the power-of-two alignment
func IsAligned[T Number](value T, alignment T) bool {
	return value&(alignment-1) == 0
}
