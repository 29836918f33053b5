// Package utils provides small helpers shared by the license server
// packages: byte framing, JSON lines, secure randomness, and time windows.
package utils

import "bytes"

// JoinBytes concatenates the given byte slices into a single byte slice.
//
// Parameters:
//   - s: One or more byte slices to concatenate
//
// Returns:
//   - A new byte slice containing all input slices in order
func JoinBytes(s ...[]byte) []byte {
	n := 0
	for _, v := range s {
		n += len(v)
	}

	b, i := make([]byte, n), 0
	for _, v := range s {
		i += copy(b[i:], v)
	}

	return b
}

// NextLine finds the first newline-terminated line in buf. The returned line
// excludes the terminator and a trailing carriage return, and aliases buf.
//
// Parameters:
//   - buf: Buffered input, consumed from the head
//
// Returns:
//   - The line without its terminator
//   - The number of bytes to consume from buf including the terminator, or 0
//     when no complete line is buffered yet
func NextLine(buf []byte) ([]byte, int) {
	pos := bytes.IndexByte(buf, '\n')
	if pos < 0 {
		return nil, 0
	}

	line := buf[:pos]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}

	return line, pos + 1
}
