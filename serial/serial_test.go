package serial

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKeys = Keys{
	Encrypt:  []byte("0123456789abcdefghij-encrypt"),
	Validate: []byte("0123456789abcdefghij-validate"),
}

func TestGenerateVerify_RoundTrip(t *testing.T) {
	t.Run("fixed fields", func(t *testing.T) {
		fields := Fields{Expires: true, Date: 19000, ProductClass: 2, MinorVersion: 7, CustomBits: 21}

		encoded, err := Generate(5, 2, "user@example.com", fields, testKeys, nil)
		require.NoError(t, err)
		assert.Len(t, encoded, 19)
		assert.Equal(t, 3, strings.Count(encoded, "-"))

		s, err := Verify(encoded, 5, 2, "user@example.com", testKeys, nil)
		require.NoError(t, err)
		assert.Equal(t, encoded, s.Number)
		assert.Equal(t, "user@example.com", s.UserInfo)
		assert.Equal(t, 5, s.ProductID)
		assert.Equal(t, 2, s.MajorVersion)
		assert.Equal(t, fields, s.Fields)
	})

	t.Run("extreme values", func(t *testing.T) {
		for _, f := range []Fields{
			{},
			{Expires: true, Date: MaxDate, ProductClass: MaxProductClass, MinorVersion: MaxMinorVersion, CustomBits: MaxCustomBits},
		} {
			for _, id := range [][2]int{{0, 0}, {MaxProductID, MaxMajorVersion}} {
				encoded, err := Generate(id[0], id[1], "", f, testKeys, nil)
				require.NoError(t, err)

				s, err := Verify(encoded, id[0], id[1], "", testKeys, nil)
				require.NoError(t, err)
				assert.Equal(t, f, s.Fields)
			}
		}
	})

	t.Run("randomized", func(t *testing.T) {
		rng := rand.New(rand.NewSource(42))
		for i := 0; i < 500; i++ {
			pid := rng.Intn(MaxProductID + 1)
			ver := rng.Intn(MaxMajorVersion + 1)
			f := Fields{
				Expires:      rng.Intn(2) == 1,
				Date:         rng.Intn(MaxDate + 1),
				ProductClass: rng.Intn(MaxProductClass + 1),
				MinorVersion: rng.Intn(MaxMinorVersion + 1),
				CustomBits:   rng.Intn(MaxCustomBits + 1),
			}
			user := strings.Repeat("x", rng.Intn(40))

			encoded, err := Generate(pid, ver, user, f, testKeys, nil)
			require.NoError(t, err)

			s, err := Verify(encoded, pid, ver, user, testKeys, nil)
			require.NoError(t, err, "pid=%d ver=%d fields=%+v", pid, ver, f)
			assert.Equal(t, f, s.Fields)
		}
	})

	t.Run("custom alphabet", func(t *testing.T) {
		a, err := NewAlphabet("ABCDEFGHJKLMNPQRSTUVWXYZ23456789")
		require.NoError(t, err)

		encoded, err := Generate(9, 1, "u", Fields{Date: 1}, testKeys, a)
		require.NoError(t, err)
		assert.Equal(t, strings.ToUpper(encoded), encoded)

		_, err = Verify(encoded, 9, 1, "u", testKeys, a)
		require.NoError(t, err)

		_, err = Verify(encoded, 9, 1, "u", testKeys, nil)
		assert.ErrorIs(t, err, ErrInvalidSerial)
	})
}

func TestVerify_TamperSensitivity(t *testing.T) {
	encoded, err := Generate(77, 3, "tamper@example.com", Fields{Date: 20000, ProductClass: 1}, testKeys, nil)
	require.NoError(t, err)

	for pos := 0; pos < len(encoded); pos++ {
		if encoded[pos] == '-' {
			continue
		}

		for _, c := range []byte(DefaultSymbols) {
			if c == encoded[pos] {
				continue
			}

			mutated := encoded[:pos] + string(c) + encoded[pos+1:]
			_, err := Verify(mutated, 77, 3, "tamper@example.com", testKeys, nil)
			assert.ErrorIs(t, err, ErrInvalidSerial, "mutation at %d to %q verified", pos, c)
		}
	}
}

func TestVerify_CrossBindingRejected(t *testing.T) {
	encoded, err := Generate(5, 2, "bind@example.com", Fields{Date: 100}, testKeys, nil)
	require.NoError(t, err)

	t.Run("other major version", func(t *testing.T) {
		_, err := Verify(encoded, 5, 3, "bind@example.com", testKeys, nil)
		assert.ErrorIs(t, err, ErrInvalidSerial)
	})

	t.Run("other product", func(t *testing.T) {
		_, err := Verify(encoded, 6, 2, "bind@example.com", testKeys, nil)
		assert.ErrorIs(t, err, ErrInvalidSerial)
	})

	t.Run("other user info", func(t *testing.T) {
		_, err := Verify(encoded, 5, 2, "other@example.com", testKeys, nil)
		assert.ErrorIs(t, err, ErrInvalidSerial)
	})

	t.Run("other validate secret", func(t *testing.T) {
		keys := Keys{Encrypt: testKeys.Encrypt, Validate: []byte("a-completely-different-secret")}
		_, err := Verify(encoded, 5, 2, "bind@example.com", keys, nil)
		assert.ErrorIs(t, err, ErrInvalidSerial)
	})

	t.Run("failures are indistinguishable", func(t *testing.T) {
		_, errVersion := Verify(encoded, 5, 3, "bind@example.com", testKeys, nil)
		_, errSymbols := Verify("not-a-serial", 5, 2, "bind@example.com", testKeys, nil)
		assert.Equal(t, errVersion, errSymbols)
	})
}

func TestGenerate_Validation(t *testing.T) {
	cases := []struct {
		name   string
		pid    int
		ver    int
		fields Fields
		keys   Keys
		code   string
	}{
		{"product id 1024", 1024, 0, Fields{}, testKeys, "invalid_product_id"},
		{"negative product id", -1, 0, Fields{}, testKeys, "invalid_product_id"},
		{"major version 256", 0, 256, Fields{}, testKeys, "invalid_major_ver"},
		{"date overflow", 0, 0, Fields{Date: MaxDate + 1}, testKeys, "invalid_date"},
		{"negative date", 0, 0, Fields{Date: -1}, testKeys, "invalid_date"},
		{"product class 16", 0, 0, Fields{ProductClass: 16}, testKeys, "invalid_product_class"},
		{"minor version 256", 0, 0, Fields{MinorVersion: 256}, testKeys, "invalid_minor_ver"},
		{"custom bits 32", 0, 0, Fields{CustomBits: 32}, testKeys, "invalid_custom_bits"},
		{"short encrypt secret", 0, 0, Fields{}, Keys{Encrypt: []byte("short"), Validate: testKeys.Validate}, "encrypt_secret_too_short"},
		{"short validate secret", 0, 0, Fields{}, Keys{Encrypt: testKeys.Encrypt, Validate: []byte("short")}, "validate_secret_too_short"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := Generate(tc.pid, tc.ver, "u", tc.fields, tc.keys, nil)
			assert.Empty(t, encoded)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Equal(t, tc.code, verr.Code)
		})
	}
}

func TestNewAlphabet(t *testing.T) {
	t.Run("default symbols", func(t *testing.T) {
		a, err := NewAlphabet(DefaultSymbols)
		require.NoError(t, err)
		assert.Equal(t, DefaultSymbols, a.String())
	})

	t.Run("too few symbols", func(t *testing.T) {
		_, err := NewAlphabet("abcdefghijkmnpqrstuvwxyz2345678")
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "invalid_decode_chars", verr.Code)
	})

	t.Run("duplicate symbols", func(t *testing.T) {
		_, err := NewAlphabet("aacdefghijkmnpqrstuvwxyz23456789")
		assert.Error(t, err)
	})

	t.Run("separator symbol", func(t *testing.T) {
		_, err := NewAlphabet("-bcdefghijkmnpqrstuvwxyz23456789")
		assert.Error(t, err)
	})
}

func TestNormalize(t *testing.T) {
	encoded, err := Generate(1, 1, "n", Fields{}, testKeys, nil)
	require.NoError(t, err)
	compact := strings.ReplaceAll(encoded, "-", "")

	t.Run("restores grouping", func(t *testing.T) {
		got, err := Normalize(compact, nil)
		require.NoError(t, err)
		assert.Equal(t, encoded, got)
	})

	t.Run("ignores whitespace", func(t *testing.T) {
		got, err := Normalize(" "+compact[:8]+" \t"+compact[8:]+"\n", nil)
		require.NoError(t, err)
		assert.Equal(t, encoded, got)
	})

	t.Run("rejects foreign symbols", func(t *testing.T) {
		_, err := Normalize(compact[:15]+"0", nil)
		assert.ErrorIs(t, err, ErrInvalidSerial)
	})

	t.Run("rejects wrong length", func(t *testing.T) {
		_, err := Normalize(compact[:15], nil)
		assert.ErrorIs(t, err, ErrInvalidSerial)

		_, err = Normalize(compact+"a", nil)
		assert.ErrorIs(t, err, ErrInvalidSerial)
	})

	t.Run("verify without secrets normalizes", func(t *testing.T) {
		s, err := Verify(compact, -1, -1, "", Keys{}, nil)
		require.NoError(t, err)
		assert.Equal(t, encoded, s.Number)
		assert.Zero(t, s.ProductID)
	})
}

func TestVerify_RejectsOutOfRangeIdentity(t *testing.T) {
	encoded, err := Generate(1, 1, "n", Fields{}, testKeys, nil)
	require.NoError(t, err)

	_, err = Verify(encoded, 1024, 1, "n", testKeys, nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "invalid_product_id", verr.Code)
}

func TestRotateInverse(t *testing.T) {
	raw := [rawLen]byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef, 0x10, 0x32}
	orig := raw

	rotateRight5(&raw)
	assert.NotEqual(t, orig, raw)
	assert.Equal(t, byte(0x32&0x1F)<<3|0x01>>5, raw[0])

	rotateLeft5(&raw)
	assert.Equal(t, orig, raw)
}

func TestDateHelpers(t *testing.T) {
	ts := time.Date(2024, 3, 15, 17, 45, 0, 0, time.UTC)
	days := DaysFromTime(ts)

	s := &Serial{Fields: Fields{Date: days}}
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), s.DateTime())
	assert.Equal(t, -1, DaysFromTime(time.Unix(-10, 0)))
}

func TestGenerateVerify_Concurrent(t *testing.T) {
	done := make(chan error, 16)
	for i := 0; i < 16; i++ {
		go func(pid int) {
			encoded, err := Generate(pid, 1, "c", Fields{Date: pid}, testKeys, nil)
			if err != nil {
				done <- err
				return
			}

			s, err := Verify(encoded, pid, 1, "c", testKeys, nil)
			if err == nil && s.Date != pid {
				err = errors.New("date mismatch")
			}
			done <- err
		}(i)
	}

	for i := 0; i < 16; i++ {
		assert.NoError(t, <-done)
	}
}
