package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

const (
	consonants = "bcdfghjklmnprstvwz"
	vowels     = "aeiou"
)

// RandomBytes returns n bytes from the operating system's CSPRNG.
//
// Parameters:
//   - n: The number of bytes
//
// Returns:
//   - The random bytes, or an error if the CSPRNG failed
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}

	return b, nil
}

// RandomInt returns a uniformly distributed integer in [min, max].
//
// Parameters:
//   - min: Inclusive lower bound
//   - max: Inclusive upper bound; must be >= min
//
// Returns:
//   - The random integer, or an error if the range is empty or the CSPRNG failed
func RandomInt(min, max int) (int, error) {
	if max < min {
		return 0, fmt.Errorf("invalid random range [%d, %d]", min, max)
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(max-min)+1))
	if err != nil {
		return 0, fmt.Errorf("failed to read random int: %w", err)
	}

	return min + int(n.Int64()), nil
}

// RandomWords builds count pronounceable lowercase words of minLen..maxLen
// letters (alternating consonants and vowels) joined by hyphens, e.g.
// "kobare-tilu-vemas-nodi".
//
// Parameters:
//   - count: The number of words
//   - minLen: Minimum letters per word
//   - maxLen: Maximum letters per word
//
// Returns:
//   - The hyphen-joined words, or an error if the CSPRNG failed
func RandomWords(count, minLen, maxLen int) (string, error) {
	words := make([]string, 0, count)
	for i := 0; i < count; i++ {
		n, err := RandomInt(minLen, maxLen)
		if err != nil {
			return "", err
		}

		var sb strings.Builder
		for j := 0; j < n; j++ {
			set := consonants
			if j%2 == 1 {
				set = vowels
			}

			k, err := RandomInt(0, len(set)-1)
			if err != nil {
				return "", err
			}
			sb.WriteByte(set[k])
		}

		words = append(words, sb.String())
	}

	return strings.Join(words, "-"), nil
}
