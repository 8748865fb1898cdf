package ring

import (
	"errors"
	"fmt"
)

// ErrRingSizeInvalid is returned when a ring size is invalid.
var ErrRingSizeInvalid = errors.New("ring size is invalid")

// MaxSize is the largest ring the controller supports.
const MaxSize = 4096

// CheckSize checks if the given value would be a valid number of
// descriptors for a ring and returns an [ErrRingSizeInvalid], if not.
func CheckSize(n int) error {
	if n < 2 {
		return fmt.Errorf("%w: %d is too small", ErrRingSizeInvalid, n)
	}

	// Ring byte lengths must be multiples of 128, which any power of 2
	// from 8 up satisfies.
	if n&(n-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrRingSizeInvalid, n)
	}

	if n > MaxSize {
		return fmt.Errorf("%w: %d is larger than the maximum ring size %d", ErrRingSizeInvalid, n, MaxSize)
	}

	return nil
}
