package store

import (
	"fmt"
	"time"

	"github.com/cyberinferno/go-licensesrv/utils"
)

// OrderWindow is the span within which order numbers are unique. A human
// order reference is the window index plus the order number.
const OrderWindow = 10 * time.Minute

// NoOrderNum is stored when order number assignment was disabled.
const NoOrderNum = -1

// maxOrderAttempts bounds the search for a free order number. At the
// ceiling's worst-case fill of two thirds this fails with probability
// (2/3)^64.
const maxOrderAttempts = 64

// OrderNumberCeiling returns the upper bound for random order numbers given
// how many are already taken in the window: the smallest 9, 99, 999... above
// 1.5 times used, but at least 9999.
func OrderNumberCeiling(used int) int {
	limit := float64(used) * 1.5
	ceiling := 9
	for float64(ceiling) <= limit {
		ceiling = ceiling*10 + 9
	}

	if ceiling < 9999 {
		ceiling = 9999
	}

	return ceiling
}

// PickOrderNumber draws random order numbers in [1, OrderNumberCeiling(used)]
// until claim accepts one. claim must atomically mark the number as taken
// and report whether it was free.
//
// Parameters:
//   - used: How many order numbers the window already holds
//   - claim: Tries to reserve a number; returns false if it is taken
//
// Returns:
//   - The claimed order number, or an error if none could be claimed
func PickOrderNumber(used int, claim func(n int) (bool, error)) (int, error) {
	ceiling := OrderNumberCeiling(used)
	for i := 0; i < maxOrderAttempts; i++ {
		n, err := utils.RandomInt(1, ceiling)
		if err != nil {
			return 0, err
		}

		ok, err := claim(n)
		if err != nil {
			return 0, err
		}
		if ok {
			return n, nil
		}
	}

	return 0, fmt.Errorf("no free order number after %d attempts", maxOrderAttempts)
}

// EffectiveLimit picks the license's own limit when set, else the version
// default.
func EffectiveLimit(license, version *int) *int {
	if license != nil {
		return license
	}

	return version
}
