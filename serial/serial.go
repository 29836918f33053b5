// Package serial generates and verifies license serial numbers. A serial is
// an 80-bit record (56 payload bits and a 24-bit HMAC tag) scrambled by a
// keyed, reversible bit-permutation and written as 16 symbols in four
// hyphenated groups, e.g. "abcd-efgh-ijkm-npqr".
//
// Layout of the 10 raw bytes, big-endian:
//
//	 1 bit   expires flag
//	20 bits  date, days since the Unix epoch
//	10 bits  product ID
//	 4 bits  product class
//	 8 bits  major version
//	 8 bits  minor version
//	 5 bits  custom bits
//	24 bits  HMAC-SHA1(validate secret, payload | "|" | user info)[:3]
//
// All functions are pure; the secrets are only used for the duration of a
// call.
package serial

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"time"

	"github.com/cyberinferno/go-licensesrv/utils"
)

const (
	// MaxProductID is the largest product ID a serial can carry.
	MaxProductID = 1023
	// MaxMajorVersion is the largest major version a serial can carry.
	MaxMajorVersion = 255
	// MaxDate is the largest day count the 20-bit date field can carry.
	MaxDate = 1<<20 - 1
	// MaxProductClass is the largest product class.
	MaxProductClass = 15
	// MaxMinorVersion is the largest minor version.
	MaxMinorVersion = 255
	// MaxCustomBits is the largest custom bits value.
	MaxCustomBits = 31
	// MinSecretLength is the minimum length of both secrets.
	MinSecretLength = 20

	payloadLen = 7
	tagLen     = 3
	rawLen     = payloadLen + tagLen
	symbolLen  = 16
	rounds     = 16
)

var separator = []byte("|")

// Fields are the caller-controlled parts of a serial.
type Fields struct {
	// Expires marks Date as an expiration date rather than an issue date.
	Expires bool
	// Date is a day count since the Unix epoch, 0..MaxDate.
	Date int
	// ProductClass distinguishes editions (e.g. standard, pro), 0..15.
	ProductClass int
	// MinorVersion is 0..255.
	MinorVersion int
	// CustomBits are five application-defined flag bits, 0..31.
	CustomBits int
}

// Keys holds the two per product-version secrets. Encrypt keys the reversible
// transform, Validate keys the authentication tag.
type Keys struct {
	Encrypt  []byte
	Validate []byte
}

// Serial is a verified (or merely normalized) serial number.
type Serial struct {
	// Number is the normalized serial in XXXX-XXXX-XXXX-XXXX form.
	Number       string
	UserInfo     string
	ProductID    int
	MajorVersion int
	Fields
}

// DateTime returns the serial's date as midnight UTC of that day.
func (s *Serial) DateTime() time.Time {
	return time.Unix(int64(s.Date)*86400, 0).UTC()
}

// DaysFromTime converts t into a day count suitable for Fields.Date.
func DaysFromTime(t time.Time) int {
	secs := t.Unix()
	if secs < 0 {
		return -1
	}

	return int(secs / 86400)
}

// Generate encodes a new serial number.
//
// Parameters:
//   - productID: Product identifier, 0..1023
//   - majorVersion: Major version, 0..255
//   - userInfo: User-specific binding string (e.g. an email address)
//   - fields: The remaining payload fields
//   - keys: Encrypt and validate secrets, each at least 20 bytes
//   - alphabet: Symbol set; nil selects DefaultAlphabet
//
// Returns:
//   - The serial in XXXX-XXXX-XXXX-XXXX form
//   - A *ValidationError if any input is out of range
func Generate(productID, majorVersion int, userInfo string, fields Fields, keys Keys, alphabet *Alphabet) (string, error) {
	if err := validateIdentity(productID, majorVersion); err != nil {
		return "", err
	}

	switch {
	case fields.Date < 0 || fields.Date > MaxDate:
		return "", newValidationError("invalid_date", "Invalid date.  Outside valid range.")
	case fields.ProductClass < 0 || fields.ProductClass > MaxProductClass:
		return "", newValidationError("invalid_product_class", "Invalid product classification.  Outside valid range.")
	case fields.MinorVersion < 0 || fields.MinorVersion > MaxMinorVersion:
		return "", newValidationError("invalid_minor_ver", "Invalid minor version.  Outside valid range.")
	case fields.CustomBits < 0 || fields.CustomBits > MaxCustomBits:
		return "", newValidationError("invalid_custom_bits", "Invalid custom bits.  Outside valid range.")
	case len(keys.Encrypt) < MinSecretLength:
		return "", newValidationError("encrypt_secret_too_short", "Encryption HMAC secret must be at least 20 characters.")
	case len(keys.Validate) < MinSecretLength:
		return "", newValidationError("validate_secret_too_short", "Validation HMAC secret must be at least 20 characters.")
	}

	var raw [rawLen]byte
	pack(&raw, productID, majorVersion, fields)
	copy(raw[payloadLen:], tag(raw[:payloadLen], userInfo, keys.Validate))

	key := transformKey(productID, majorVersion, userInfo, keys.Encrypt)
	for i := 0; i < rounds; i++ {
		rotateRight5(&raw)
		for j := 0; j < rawLen; j++ {
			raw[j] = (raw[j] ^ key[j]) + key[j+rawLen]
		}
	}

	return encode(&raw, orDefault(alphabet)), nil
}

// Verify decodes and authenticates a serial number. When keys.Encrypt is
// empty it only normalizes the input (see Normalize) and the returned Serial
// carries nothing but Number. When keys.Validate is empty the tag check is
// skipped.
//
// Parameters:
//   - encoded: The serial as typed by the user; hyphens and whitespace are ignored
//   - productID: Expected product identifier, 0..1023
//   - majorVersion: Expected major version, 0..255
//   - userInfo: The user-specific binding string used at generation time
//   - keys: The product-version secrets
//   - alphabet: Symbol set; nil selects DefaultAlphabet
//
// Returns:
//   - The decoded serial
//   - ErrInvalidSerial for any serial-derived failure, or a *ValidationError
//     when productID or majorVersion is out of range
func Verify(encoded string, productID, majorVersion int, userInfo string, keys Keys, alphabet *Alphabet) (*Serial, error) {
	alphabet = orDefault(alphabet)

	symbols, ok := collect(encoded, alphabet)
	if !ok {
		return nil, ErrInvalidSerial
	}

	number := format(symbols[:], alphabet)
	if len(keys.Encrypt) == 0 {
		return &Serial{Number: number}, nil
	}

	if err := validateIdentity(productID, majorVersion); err != nil {
		return nil, err
	}

	raw := decode(&symbols)
	key := transformKey(productID, majorVersion, userInfo, keys.Encrypt)
	for i := 0; i < rounds; i++ {
		for j := 0; j < rawLen; j++ {
			raw[j] = (raw[j] - key[j+rawLen]) ^ key[j]
		}
		rotateLeft5(&raw)
	}

	if len(keys.Validate) > 0 && !hmac.Equal(raw[payloadLen:], tag(raw[:payloadLen], userInfo, keys.Validate)) {
		return nil, ErrInvalidSerial
	}

	s := unpack(&raw)
	if s.ProductID != productID || s.MajorVersion != majorVersion {
		return nil, ErrInvalidSerial
	}

	s.Number = number
	s.UserInfo = userInfo
	return s, nil
}

// Normalize checks that encoded consists of exactly 16 alphabet symbols
// (ignoring hyphens and whitespace) and returns it in canonical
// XXXX-XXXX-XXXX-XXXX form. It needs no secrets.
func Normalize(encoded string, alphabet *Alphabet) (string, error) {
	alphabet = orDefault(alphabet)

	symbols, ok := collect(encoded, alphabet)
	if !ok {
		return "", ErrInvalidSerial
	}

	return format(symbols[:], alphabet), nil
}

func validateIdentity(productID, majorVersion int) error {
	if productID < 0 || productID > MaxProductID {
		return newValidationError("invalid_product_id", "Invalid product ID.  Outside valid range.")
	}

	if majorVersion < 0 || majorVersion > MaxMajorVersion {
		return newValidationError("invalid_major_ver", "Invalid major version.  Outside valid range.")
	}

	return nil
}

func pack(raw *[rawLen]byte, productID, majorVersion int, f Fields) {
	var expires byte
	if f.Expires {
		expires = 0x80
	}

	date := uint32(f.Date)
	pid := uint16(productID)
	major := byte(majorVersion)
	class := byte(f.ProductClass)
	minor := byte(f.MinorVersion)

	raw[0] = expires | byte(date>>13)&0x7F
	raw[1] = byte(date >> 5)
	raw[2] = byte(date&0x1F)<<3 | byte(pid>>7)&0x07
	raw[3] = byte(pid&0x7F)<<1 | (class>>3)&0x01
	raw[4] = (class&0x07)<<5 | (major>>3)&0x1F
	raw[5] = (major&0x07)<<5 | (minor>>3)&0x1F
	raw[6] = (minor&0x07)<<5 | byte(f.CustomBits)&0x1F
}

func unpack(raw *[rawLen]byte) *Serial {
	return &Serial{
		ProductID:    int(raw[2]&0x07)<<7 | int(raw[3]>>1),
		MajorVersion: int(raw[4]&0x1F)<<3 | int(raw[5]>>5),
		Fields: Fields{
			Expires:      raw[0]&0x80 != 0,
			Date:         int(raw[0]&0x7F)<<13 | int(raw[1])<<5 | int(raw[2]>>3),
			ProductClass: int(raw[3]&0x01)<<3 | int(raw[4]>>5),
			MinorVersion: int(raw[5]&0x1F)<<3 | int(raw[6]>>5),
			CustomBits:   int(raw[6] & 0x1F),
		},
	}
}

func tag(payload []byte, userInfo string, secret []byte) []byte {
	mac := hmac.New(sha1.New, secret)
	mac.Write(utils.JoinBytes(payload, separator, []byte(userInfo)))
	return mac.Sum(nil)[:tagLen]
}

func transformKey(productID, majorVersion int, userInfo string, secret []byte) []byte {
	var pid [2]byte
	binary.BigEndian.PutUint16(pid[:], uint16(productID))

	mac := hmac.New(sha1.New, secret)
	mac.Write(utils.JoinBytes(pid[:], separator, []byte{byte(majorVersion)}, separator, []byte(userInfo)))
	return mac.Sum(nil)
}

// rotateRight5 rotates the 80-bit buffer right by five bits; the low five
// bits of the last byte become the high five bits of the first.
func rotateRight5(raw *[rawLen]byte) {
	last := raw[rawLen-1] & 0x1F
	for i := rawLen - 1; i > 0; i-- {
		raw[i] = (raw[i-1]&0x1F)<<3 | raw[i]>>5
	}
	raw[0] = last<<3 | raw[0]>>5
}

// rotateLeft5 undoes rotateRight5.
func rotateLeft5(raw *[rawLen]byte) {
	first := raw[0] >> 3
	for i := 0; i < rawLen-1; i++ {
		raw[i] = (raw[i]&0x07)<<5 | raw[i+1]>>3
	}
	raw[rawLen-1] = (raw[rawLen-1]&0x07)<<5 | first
}

func encode(raw *[rawLen]byte, alphabet *Alphabet) string {
	var symbols [symbolLen]byte
	var acc uint32
	var bits uint
	n := 0
	for _, b := range raw {
		acc = acc<<8 | uint32(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			symbols[n] = byte(acc>>bits) & 0x1F
			n++
		}
		acc &= 1<<bits - 1
	}

	return format(symbols[:], alphabet)
}

func decode(symbols *[symbolLen]byte) [rawLen]byte {
	var raw [rawLen]byte
	var acc uint32
	var bits uint
	n := 0
	for _, v := range symbols {
		acc = acc<<5 | uint32(v)
		bits += 5
		if bits >= 8 {
			bits -= 8
			raw[n] = byte(acc >> bits)
			n++
		}
		acc &= 1<<bits - 1
	}

	return raw
}

// collect extracts the 5-bit values of exactly 16 alphabet symbols.
func collect(encoded string, alphabet *Alphabet) ([symbolLen]byte, bool) {
	var symbols [symbolLen]byte
	n := 0
	for i := 0; i < len(encoded); i++ {
		c := encoded[i]
		if isSeparator(c) {
			continue
		}

		v, ok := alphabet.value(c)
		if !ok || n == symbolLen {
			return symbols, false
		}

		symbols[n] = v
		n++
	}

	return symbols, n == symbolLen
}

func format(symbols []byte, alphabet *Alphabet) string {
	out := make([]byte, 0, symbolLen+3)
	for i, v := range symbols {
		if i > 0 && i%4 == 0 {
			out = append(out, '-')
		}
		out = append(out, alphabet.symbol(v))
	}

	return string(out)
}
