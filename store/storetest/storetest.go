// Package storetest is a conformance suite every store.Store implementation
// runs from its own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cyberinferno/go-licensesrv/store"
	"github.com/cyberinferno/go-licensesrv/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store. It is called once per sub-test.
type Factory func(t *testing.T) store.Store

// Run exercises the full store.Store contract against stores from newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("products", func(t *testing.T) { testProducts(t, newStore(t)) })
	t.Run("versions", func(t *testing.T) { testVersions(t, newStore(t)) })
	t.Run("licenses", func(t *testing.T) { testLicenses(t, newStore(t)) })
	t.Run("counters", func(t *testing.T) { testCounters(t, newStore(t)) })
	t.Run("concurrent activations", func(t *testing.T) { testConcurrentActivations(t, newStore(t)) })
	t.Run("search", func(t *testing.T) { testSearch(t, newStore(t)) })
	t.Run("revocation", func(t *testing.T) { testRevocation(t, newStore(t)) })
	t.Run("history", func(t *testing.T) { testHistory(t, newStore(t)) })
	t.Run("delete product cascades", func(t *testing.T) { testDeleteProduct(t, newStore(t)) })
}

func seedVersion(t *testing.T, s store.Store, pid, ver int) store.Version {
	t.Helper()
	ctx := context.Background()

	_, err := s.PutProduct(ctx, store.Product{ID: pid, Name: fmt.Sprintf("Product %d", pid)})
	require.NoError(t, err)

	v, err := s.PutVersion(ctx, store.Version{ProductID: pid, MajorVersion: ver, Active: true})
	require.NoError(t, err)
	return v
}

func seedLicense(t *testing.T, s store.Store, pid, ver int, serial, user string) store.License {
	t.Helper()

	l, created, err := s.CreateOrUpdateLicense(context.Background(), store.License{
		SerialNum:    serial,
		ProductID:    pid,
		MajorVersion: ver,
		UserInfo:     user,
		Info:         store.LicenseInfo{Password: "pw"},
	}, true)
	require.NoError(t, err)
	require.True(t, created)
	return l
}

func testProducts(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetProduct(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)

	p, err := s.PutProduct(ctx, store.Product{ID: 2, Name: "Beta"})
	require.NoError(t, err)
	assert.False(t, p.Created.IsZero())

	_, err = s.PutProduct(ctx, store.Product{ID: 1, Name: "Alpha"})
	require.NoError(t, err)

	renamed, err := s.PutProduct(ctx, store.Product{ID: 2, Name: "Beta 2"})
	require.NoError(t, err)
	assert.Equal(t, "Beta 2", renamed.Name)
	assert.True(t, p.Created.Equal(renamed.Created))

	list, err := s.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].ID)
	assert.Equal(t, "Beta 2", list[1].Name)
}

func testVersions(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.PutVersion(ctx, store.Version{ProductID: 9, MajorVersion: 1})
	assert.ErrorIs(t, err, store.ErrNotFound)

	v := seedVersion(t, s, 1, 2)
	assert.Len(t, v.Secrets.Encrypt, store.SecretLength)
	assert.Len(t, v.Secrets.Validate, store.SecretLength)
	assert.True(t, v.Active)

	updated, err := s.PutVersion(ctx, store.Version{
		ProductID:    1,
		MajorVersion: 2,
		Active:       false,
		Info:         store.VersionInfo{ProductClasses: map[int]string{1: "Pro"}, MaxActivations: utils.Pointer(3)},
	})
	require.NoError(t, err)
	assert.False(t, updated.Active)
	assert.Equal(t, v.Secrets, updated.Secrets)
	assert.True(t, v.Created.Equal(updated.Created))

	got, err := s.GetVersion(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "Pro", got.Info.ProductClasses[1])
	require.NotNil(t, got.Info.MaxActivations)
	assert.Equal(t, 3, *got.Info.MaxActivations)

	secrets, err := s.GetSecrets(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, v.Secrets, secrets)

	_, err = s.GetSecrets(ctx, 1, 3)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.PutVersion(ctx, store.Version{ProductID: 1, MajorVersion: 0, Active: true})
	require.NoError(t, err)

	list, err := s.ListVersions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 0, list[0].MajorVersion)
	assert.Equal(t, 2, list[1].MajorVersion)

	empty, err := s.ListVersions(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testLicenses(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedVersion(t, s, 1, 1)

	has, err := s.HasLicenses(ctx, 1, 1)
	require.NoError(t, err)
	assert.False(t, has)

	l := seedLicense(t, s, 1, 1, "aaaa-bbbb-cccc-dddd", "jane@example.com")
	assert.NotZero(t, l.ID)
	assert.GreaterOrEqual(t, l.OrderNum, 1)
	assert.LessOrEqual(t, l.OrderNum, 9999)
	assert.False(t, l.Created.IsZero())
	assert.True(t, l.LastUsed.IsZero())

	has, err = s.HasLicenses(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, has)

	found, err := s.FindLicense(ctx, "aaaa-bbbb-cccc-dddd", 1, 1, "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, l.ID, found.ID)
	assert.Equal(t, "pw", found.Info.Password)

	_, err = s.FindLicense(ctx, "aaaa-bbbb-cccc-dddd", 1, 1, "john@example.com")
	assert.ErrorIs(t, err, store.ErrNotFound)

	updated, created, err := s.CreateOrUpdateLicense(ctx, store.License{
		SerialNum:    "aaaa-bbbb-cccc-dddd",
		ProductID:    1,
		MajorVersion: 1,
		UserInfo:     "jane@example.com",
		Info:         store.LicenseInfo{Password: "new", MaxActivations: utils.Pointer(5)},
	}, true)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, l.ID, updated.ID)
	assert.Equal(t, l.OrderNum, updated.OrderNum)
	assert.Equal(t, "new", updated.Info.Password)

	_, err = s.RecordActivation(ctx, l.ID, nil)
	require.NoError(t, err)
	kept, _, err := s.CreateOrUpdateLicense(ctx, store.License{
		SerialNum:    "aaaa-bbbb-cccc-dddd",
		ProductID:    1,
		MajorVersion: 1,
		UserInfo:     "jane@example.com",
		Info:         store.LicenseInfo{Password: "newer", Activations: 40},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, kept.Info.Activations)
	assert.Equal(t, "newer", kept.Info.Password)

	noOrder, created, err := s.CreateOrUpdateLicense(ctx, store.License{
		SerialNum: "eeee-ffff-gggg-hhhh", ProductID: 1, MajorVersion: 1, UserInfo: "x",
	}, false)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, store.NoOrderNum, noOrder.OrderNum)
	assert.NotEqual(t, l.ID, noOrder.ID)

	// order numbers are unique within a window
	seen := map[int]bool{l.OrderNum: true}
	for i := 0; i < 50; i++ {
		li := seedLicense(t, s, 1, 1, fmt.Sprintf("serial-%d", i), "bulk")
		assert.False(t, seen[li.OrderNum], "duplicate order number %d", li.OrderNum)
		seen[li.OrderNum] = true
	}
}

func testCounters(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedVersion(t, s, 1, 1)
	l := seedLicense(t, s, 1, 1, "aaaa-bbbb-cccc-dddd", "u")

	a, err := s.RecordActivation(ctx, l.ID, utils.Pointer(2))
	require.NoError(t, err)
	assert.Equal(t, 1, a.Info.Activations)
	assert.False(t, a.LastUsed.IsZero())

	_, err = s.RecordActivation(ctx, l.ID, utils.Pointer(2))
	require.NoError(t, err)

	_, err = s.RecordActivation(ctx, l.ID, utils.Pointer(2))
	assert.ErrorIs(t, err, store.ErrLimitReached)

	d, err := s.RecordDeactivation(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Info.Activations)
	assert.Equal(t, "pw", d.Info.Password)

	_, err = s.RecordDeactivation(ctx, l.ID)
	require.NoError(t, err)
	d, err = s.RecordDeactivation(ctx, l.ID)
	require.NoError(t, err)
	assert.Zero(t, d.Info.Activations)

	dl, err := s.RecordDownload(ctx, l.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, dl.Info.Downloads)

	_, err = s.RecordDownload(ctx, l.ID, utils.Pointer(1))
	assert.ErrorIs(t, err, store.ErrLimitReached)

	_, err = s.RecordActivation(ctx, 987654, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testConcurrentActivations(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedVersion(t, s, 1, 1)
	l := seedLicense(t, s, 1, 1, "aaaa-bbbb-cccc-dddd", "u")

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, limited := 0, 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RecordActivation(ctx, l.ID, utils.Pointer(5))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, store.ErrLimitReached):
				limited++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	assert.Equal(t, workers-5, limited)

	got, err := s.FindLicense(ctx, l.SerialNum, 1, 1, "u")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Info.Activations)
}

func testSearch(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedVersion(t, s, 1, 1)
	seedVersion(t, s, 2, 1)
	a := seedLicense(t, s, 1, 1, "aaaa-aaaa-aaaa-aaaa", "jane@example.com")
	seedLicense(t, s, 1, 1, "bbbb-bbbb-bbbb-bbbb", "jane@example.org")
	seedLicense(t, s, 2, 1, "cccc-cccc-cccc-cccc", "john@example.com")

	t.Run("empty query finds nothing", func(t *testing.T) {
		got, err := s.SearchLicenses(ctx, store.LicenseQuery{})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("by serial", func(t *testing.T) {
		got, err := s.SearchLicenses(ctx, store.LicenseQuery{SerialNum: "aaaa-aaaa-aaaa-aaaa"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, a.ID, got[0].ID)
	})

	t.Run("by user prefix", func(t *testing.T) {
		got, err := s.SearchLicenses(ctx, store.LicenseQuery{UserInfo: "jane@", UserInfoPrefix: true})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("by exact user", func(t *testing.T) {
		got, err := s.SearchLicenses(ctx, store.LicenseQuery{UserInfo: "jane@"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("by version", func(t *testing.T) {
		got, err := s.SearchLicenses(ctx, store.LicenseQuery{ProductID: utils.Pointer(2), MajorVersion: utils.Pointer(1)})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "john@example.com", got[0].UserInfo)
	})

	t.Run("by order number", func(t *testing.T) {
		got, err := s.SearchLicenses(ctx, store.LicenseQuery{OrderWindow: a.Created, OrderNum: a.OrderNum})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, a.ID, got[0].ID)

		got, err = s.SearchLicenses(ctx, store.LicenseQuery{OrderWindow: a.Created.Add(-time.Hour), OrderNum: a.OrderNum})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("limit", func(t *testing.T) {
		got, err := s.SearchLicenses(ctx, store.LicenseQuery{UserInfo: "j", UserInfoPrefix: true, Limit: 1})
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})
}

func testRevocation(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedVersion(t, s, 1, 1)
	seedVersion(t, s, 1, 2)
	l := seedLicense(t, s, 1, 1, "aaaa-bbbb-cccc-dddd", "u")
	other := seedLicense(t, s, 1, 2, "eeee-ffff-gggg-hhhh", "u")

	_, revoked, err := s.IsRevoked(ctx, 1, 1, l.SerialNum)
	require.NoError(t, err)
	assert.False(t, revoked)

	r, err := s.Revoke(ctx, l.ID, "chargeback")
	require.NoError(t, err)
	assert.Equal(t, "chargeback", r.Reason)
	assert.Equal(t, l.SerialNum, r.SerialNum)

	got, revoked, err := s.IsRevoked(ctx, 1, 1, l.SerialNum)
	require.NoError(t, err)
	assert.True(t, revoked)
	assert.Equal(t, "chargeback", got.Reason)
	assert.Equal(t, "u", got.UserInfo)

	_, revoked, err = s.IsRevoked(ctx, 1, 2, l.SerialNum)
	require.NoError(t, err)
	assert.False(t, revoked)

	_, err = s.Revoke(ctx, other.ID, "fraud")
	require.NoError(t, err)

	all, err := s.ListRevoked(ctx, store.RevokedQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	v2, err := s.ListRevoked(ctx, store.RevokedQuery{ProductID: utils.Pointer(1), MajorVersion: utils.Pointer(2)})
	require.NoError(t, err)
	require.Len(t, v2, 1)
	assert.Equal(t, "fraud", v2[0].Reason)

	require.NoError(t, s.Restore(ctx, l.ID))
	require.NoError(t, s.Restore(ctx, l.ID))
	_, revoked, err = s.IsRevoked(ctx, 1, 1, l.SerialNum)
	require.NoError(t, err)
	assert.False(t, revoked)

	_, err = s.Revoke(ctx, 987654, "x")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testHistory(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedVersion(t, s, 1, 1)
	seedVersion(t, s, 2, 1)
	a := seedLicense(t, s, 1, 1, "aaaa-aaaa-aaaa-aaaa", "jane")
	b := seedLicense(t, s, 2, 1, "bbbb-bbbb-bbbb-bbbb", "john")

	first, err := s.AppendHistory(ctx, a.ID, "created", "order 1")
	require.NoError(t, err)
	assert.NotZero(t, first.ID)
	assert.Equal(t, "jane", first.UserInfo)

	_, err = s.AppendHistory(ctx, a.ID, "activated", "host-1")
	require.NoError(t, err)
	_, err = s.AppendHistory(ctx, b.ID, "created", "order 2")
	require.NoError(t, err)

	_, err = s.AppendHistory(ctx, 987654, "x", "y")
	assert.ErrorIs(t, err, store.ErrNotFound)

	all, err := s.GetHistory(ctx, store.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Greater(t, all[0].ID, all[1].ID)
	assert.Greater(t, all[1].ID, all[2].ID)

	byLicense, err := s.GetHistory(ctx, store.HistoryQuery{SerialNum: a.SerialNum})
	require.NoError(t, err)
	require.Len(t, byLicense, 2)
	assert.Equal(t, "activated", byLicense[0].Type)

	byType, err := s.GetHistory(ctx, store.HistoryQuery{Type: "created"})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	byVersion, err := s.GetHistory(ctx, store.HistoryQuery{ProductID: utils.Pointer(2), MajorVersion: utils.Pointer(1)})
	require.NoError(t, err)
	require.Len(t, byVersion, 1)
	assert.Equal(t, "john", byVersion[0].UserInfo)

	byID, err := s.GetHistory(ctx, store.HistoryQuery{ID: first.ID})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, "order 1", byID[0].Info)

	limited, err := s.GetHistory(ctx, store.HistoryQuery{UserInfo: "jane", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testDeleteProduct(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedVersion(t, s, 1, 1)
	seedVersion(t, s, 2, 1)
	a := seedLicense(t, s, 1, 1, "aaaa-aaaa-aaaa-aaaa", "jane")
	b := seedLicense(t, s, 2, 1, "bbbb-bbbb-bbbb-bbbb", "jane")
	_, err := s.Revoke(ctx, a.ID, "gone")
	require.NoError(t, err)
	_, err = s.AppendHistory(ctx, a.ID, "created", "")
	require.NoError(t, err)
	_, err = s.AppendHistory(ctx, b.ID, "created", "")
	require.NoError(t, err)

	require.NoError(t, s.DeleteProduct(ctx, 1))
	require.NoError(t, s.DeleteProduct(ctx, 42))

	_, err = s.GetProduct(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetVersion(ctx, 1, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.FindLicense(ctx, a.SerialNum, 1, 1, "jane")
	assert.ErrorIs(t, err, store.ErrNotFound)

	revoked, err := s.ListRevoked(ctx, store.RevokedQuery{})
	require.NoError(t, err)
	assert.Empty(t, revoked)

	history, err := s.GetHistory(ctx, store.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, b.ID, history[0].LicenseID)

	users, err := s.SearchLicenses(ctx, store.LicenseQuery{UserInfo: "jane"})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, b.ID, users[0].ID)

	// product 2 is untouched
	_, err = s.FindLicense(ctx, b.SerialNum, 2, 1, "jane")
	assert.NoError(t, err)
}
