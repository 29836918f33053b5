package serial

import "fmt"

// DefaultSymbols is the 32-symbol set used when no alphabet is supplied. It
// leaves out characters that are easy to confuse when handwritten or typed
// (l, o, 0 and 1).
const DefaultSymbols = "abcdefghijkmnpqrstuvwxyz23456789"

// DefaultAlphabet is the Alphabet built from DefaultSymbols.
var DefaultAlphabet = mustAlphabet(DefaultSymbols)

// Alphabet maps 5-bit groups to printable symbols and back. An Alphabet is
// immutable after construction and safe for concurrent use.
type Alphabet struct {
	symbols [32]byte
	index   [256]int8
}

// NewAlphabet builds an Alphabet from exactly 32 unique single-byte symbols.
// Hyphens and whitespace are reserved as group separators and are rejected.
//
// Parameters:
//   - symbols: The 32 symbols in 5-bit value order
//
// Returns:
//   - The Alphabet, or an error with code invalid_decode_chars
func NewAlphabet(symbols string) (*Alphabet, error) {
	if len(symbols) != 32 {
		return nil, newValidationError("invalid_decode_chars", "Invalid decoding character list.  Expected 32 unique characters.")
	}

	a := &Alphabet{}
	for i := range a.index {
		a.index[i] = -1
	}

	for i := 0; i < 32; i++ {
		c := symbols[i]
		if isSeparator(c) || a.index[c] != -1 {
			return nil, newValidationError("invalid_decode_chars", "Invalid decoding character list.  Expected 32 unique characters.")
		}

		a.symbols[i] = c
		a.index[c] = int8(i)
	}

	return a, nil
}

// String returns the symbols in value order.
func (a *Alphabet) String() string {
	return string(a.symbols[:])
}

func (a *Alphabet) symbol(v byte) byte {
	return a.symbols[v&0x1F]
}

func (a *Alphabet) value(c byte) (byte, bool) {
	v := a.index[c]
	if v < 0 {
		return 0, false
	}

	return byte(v), true
}

func isSeparator(c byte) bool {
	switch c {
	case '-', ' ', '\t', '\r', '\n':
		return true
	}

	return false
}

func mustAlphabet(symbols string) *Alphabet {
	a, err := NewAlphabet(symbols)
	if err != nil {
		panic(fmt.Errorf("serial: invalid built-in alphabet: %w", err))
	}

	return a
}

func orDefault(a *Alphabet) *Alphabet {
	if a == nil {
		return DefaultAlphabet
	}

	return a
}
