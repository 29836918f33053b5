package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cyberinferno/go-licensesrv/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLicenseInfo_JSON(t *testing.T) {
	t.Run("unknown keys survive a round trip", func(t *testing.T) {
		in := `{"password":"a-b-c-d","activations":2,"downloads":1,"max_activations":3,"company":"Acme","seats":[1,2]}`

		var info LicenseInfo
		require.NoError(t, json.Unmarshal([]byte(in), &info))
		assert.Equal(t, "a-b-c-d", info.Password)
		assert.Equal(t, 2, info.Activations)
		require.NotNil(t, info.MaxActivations)
		assert.Equal(t, 3, *info.MaxActivations)
		assert.Nil(t, info.MaxDownloads)
		assert.Len(t, info.Extra, 2)

		out, err := json.Marshal(info)
		require.NoError(t, err)
		assert.JSONEq(t, in, string(out))
	})

	t.Run("counters default to zero", func(t *testing.T) {
		out, err := json.Marshal(LicenseInfo{})
		require.NoError(t, err)
		assert.JSONEq(t, `{"activations":0,"downloads":0}`, string(out))
	})

	t.Run("known keys win over extra", func(t *testing.T) {
		info := LicenseInfo{Activations: 5, Extra: map[string]json.RawMessage{"activations": json.RawMessage("99")}}
		out, err := json.Marshal(info)
		require.NoError(t, err)
		assert.JSONEq(t, `{"activations":5,"downloads":0}`, string(out))
	})

	t.Run("rejects non-object", func(t *testing.T) {
		var info LicenseInfo
		assert.Error(t, json.Unmarshal([]byte(`[1]`), &info))
	})
}

func TestVersionInfo_JSON(t *testing.T) {
	in := `{"product_classes":{"0":"Standard","1":"Pro"},"encode_chars":"ABCDEFGHJKLMNPQRSTUVWXYZ23456789","max_downloads":0,"notes":"x"}`

	var info VersionInfo
	require.NoError(t, json.Unmarshal([]byte(in), &info))
	assert.Equal(t, "Pro", info.ProductClasses[1])
	require.NotNil(t, info.MaxDownloads)
	assert.Zero(t, *info.MaxDownloads)
	assert.Nil(t, info.MaxActivations)

	out, err := json.Marshal(info)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))

	empty, err := json.Marshal(VersionInfo{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"product_classes":{}}`, string(empty))
}

func TestOrderNumberCeiling(t *testing.T) {
	cases := map[int]int{
		0:     9999,
		100:   9999,
		6665:  9999,
		6666:  99999,
		66665: 99999,
		66666: 999999,
	}

	for used, want := range cases {
		assert.Equal(t, want, OrderNumberCeiling(used), "used=%d", used)
	}
}

func TestPickOrderNumber(t *testing.T) {
	t.Run("retries until free", func(t *testing.T) {
		taken := map[int]bool{}
		for i := 1; i <= 9000; i++ {
			taken[i] = true
		}

		n, err := PickOrderNumber(len(taken), func(n int) (bool, error) {
			if taken[n] {
				return false, nil
			}
			taken[n] = true
			return true, nil
		})
		require.NoError(t, err)
		assert.Greater(t, n, 9000)
		assert.LessOrEqual(t, n, 99999)
	})

	t.Run("gives up", func(t *testing.T) {
		_, err := PickOrderNumber(0, func(int) (bool, error) { return false, nil })
		assert.Error(t, err)
	})

	t.Run("propagates claim errors", func(t *testing.T) {
		_, err := PickOrderNumber(0, func(int) (bool, error) { return false, assert.AnError })
		assert.ErrorIs(t, err, assert.AnError)
	})
}

func TestLicenseQuery_Matches(t *testing.T) {
	created := time.Date(2024, 5, 1, 13, 47, 0, 0, time.UTC)
	l := License{SerialNum: "aaaa-bbbb-cccc-dddd", ProductID: 3, MajorVersion: 1, UserInfo: "jane@example.com", OrderNum: 4242, Created: created}

	cases := []struct {
		name string
		q    LicenseQuery
		want bool
	}{
		{"empty query matches nothing", LicenseQuery{}, false},
		{"serial", LicenseQuery{SerialNum: l.SerialNum}, true},
		{"other serial", LicenseQuery{SerialNum: "x"}, false},
		{"user exact", LicenseQuery{UserInfo: "jane@example.com"}, true},
		{"user exact miss", LicenseQuery{UserInfo: "jane"}, false},
		{"user prefix", LicenseQuery{UserInfo: "jane", UserInfoPrefix: true}, true},
		{"version", LicenseQuery{ProductID: utils.Pointer(3), MajorVersion: utils.Pointer(1)}, true},
		{"version miss", LicenseQuery{ProductID: utils.Pointer(3), MajorVersion: utils.Pointer(2)}, false},
		{"order in window", LicenseQuery{OrderWindow: created.Add(-5 * time.Minute), OrderNum: 4242}, true},
		{"order other window", LicenseQuery{OrderWindow: created.Add(-10 * time.Minute), OrderNum: 4242}, false},
		{"combined", LicenseQuery{SerialNum: l.SerialNum, UserInfo: "nobody"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.q.Matches(l))
		})
	}
}

func TestQueryLimits(t *testing.T) {
	assert.Equal(t, DefaultSearchLimit, LicenseQuery{SerialNum: "x"}.EffectiveLimit())
	assert.Equal(t, UserSearchLimit, LicenseQuery{UserInfo: "x"}.EffectiveLimit())
	assert.Equal(t, 5, LicenseQuery{Limit: 5}.EffectiveLimit())
	assert.Equal(t, HistoryLimit, HistoryQuery{}.EffectiveLimit())
}

func TestEffectiveLimit(t *testing.T) {
	assert.Nil(t, EffectiveLimit(nil, nil))
	assert.Equal(t, 2, *EffectiveLimit(nil, utils.Pointer(2)))
	assert.Equal(t, 0, *EffectiveLimit(utils.Pointer(0), utils.Pointer(2)))
}

func TestCounters(t *testing.T) {
	t.Run("activation respects limit", func(t *testing.T) {
		info := LicenseInfo{Activations: 1}
		require.NoError(t, ApplyActivation(&info, utils.Pointer(2)))
		assert.Equal(t, 2, info.Activations)
		assert.ErrorIs(t, ApplyActivation(&info, utils.Pointer(2)), ErrLimitReached)
		assert.Equal(t, 2, info.Activations)
	})

	t.Run("nil limit is unlimited", func(t *testing.T) {
		info := LicenseInfo{Downloads: 1000}
		require.NoError(t, ApplyDownload(&info, nil))
		assert.Equal(t, 1001, info.Downloads)
	})

	t.Run("zero limit blocks", func(t *testing.T) {
		info := LicenseInfo{}
		assert.ErrorIs(t, ApplyDownload(&info, utils.Pointer(0)), ErrLimitReached)
	})

	t.Run("deactivation floors at zero", func(t *testing.T) {
		info := LicenseInfo{Activations: 1}
		ApplyDeactivation(&info)
		ApplyDeactivation(&info)
		assert.Zero(t, info.Activations)
	})
}

func TestNewSecrets(t *testing.T) {
	s, err := NewSecrets()
	require.NoError(t, err)
	assert.Len(t, s.Encrypt, SecretLength)
	assert.Len(t, s.Validate, SecretLength)
	assert.NotEqual(t, s.Encrypt, s.Validate)
	assert.False(t, s.Empty())
	assert.True(t, Secrets{}.Empty())
}
