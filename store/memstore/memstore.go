// Package memstore is an in-memory store.Store. It is the default backend
// for development and tests; nothing survives a restart.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cyberinferno/go-licensesrv/idgenerator"
	"github.com/cyberinferno/go-licensesrv/safemap"
	"github.com/cyberinferno/go-licensesrv/safeset"
	"github.com/cyberinferno/go-licensesrv/store"
	"github.com/cyberinferno/go-licensesrv/utils"
)

type versionKey struct {
	pid int
	ver int
}

type identity struct {
	serial string
	pid    int
	ver    int
	user   string
}

// Store keeps every record in SafeMaps. Reads are lock-free; writers are
// serialized by mu so compound updates stay consistent.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	products   *safemap.SafeMap[int, store.Product]
	versions   *safemap.SafeMap[versionKey, store.Version]
	licenses   *safemap.SafeMap[int64, store.License]
	identities *safemap.SafeMap[identity, int64]
	revoked    *safemap.SafeMap[int64, store.Revocation]
	history    *safemap.SafeMap[int64, store.HistoryEntry]

	licenseIDs *idgenerator.IdGenerator
	historyIDs *idgenerator.IdGenerator

	orderWindow time.Time
	orders      *safeset.SafeSet[int]
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:        time.Now,
		products:   safemap.NewSafeMap[int, store.Product](),
		versions:   safemap.NewSafeMap[versionKey, store.Version](),
		licenses:   safemap.NewSafeMap[int64, store.License](),
		identities: safemap.NewSafeMap[identity, int64](),
		revoked:    safemap.NewSafeMap[int64, store.Revocation](),
		history:    safemap.NewSafeMap[int64, store.HistoryEntry](),
		licenseIDs: idgenerator.NewIdGenerator(0),
		historyIDs: idgenerator.NewIdGenerator(0),
		orders:     safeset.NewSafeSet[int](),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Second)
}

func (s *Store) ListProducts(ctx context.Context) ([]store.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]store.Product, 0)
	for _, id := range safemap.SortedKeys(s.products) {
		if p, ok := s.products.Load(id); ok {
			out = append(out, p)
		}
	}

	return out, nil
}

func (s *Store) GetProduct(ctx context.Context, id int) (store.Product, error) {
	if err := ctx.Err(); err != nil {
		return store.Product{}, err
	}

	p, ok := s.products.Load(id)
	if !ok {
		return store.Product{}, store.ErrNotFound
	}

	return p, nil
}

func (s *Store) PutProduct(ctx context.Context, p store.Product) (store.Product, error) {
	if err := ctx.Err(); err != nil {
		return store.Product{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.products.Load(p.ID); ok {
		existing.Name = p.Name
		s.products.Store(p.ID, existing)
		return existing, nil
	}

	p.Created = s.timestamp()
	s.products.Store(p.ID, p)
	return p, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lids := safeset.NewSafeSet[int64]()
	s.licenses.Range(func(lid int64, l store.License) bool {
		if l.ProductID == id {
			lids.Add(lid)
			s.licenses.Delete(lid)
			s.identities.Delete(identityOf(l))
			s.revoked.Delete(lid)
		}
		return true
	})

	s.history.Range(func(hid int64, e store.HistoryEntry) bool {
		if lids.Contains(e.LicenseID) {
			s.history.Delete(hid)
		}
		return true
	})

	s.versions.Range(func(k versionKey, _ store.Version) bool {
		if k.pid == id {
			s.versions.Delete(k)
		}
		return true
	})

	s.products.Delete(id)
	return nil
}

func (s *Store) ListVersions(ctx context.Context, productID int) ([]store.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := s.versions.Filter(func(k versionKey, _ store.Version) bool {
		return k.pid == productID
	})
	slices.SortFunc(out, func(a, b store.Version) int {
		return cmp.Compare(a.MajorVersion, b.MajorVersion)
	})

	if out == nil {
		out = []store.Version{}
	}

	return out, nil
}

func (s *Store) GetVersion(ctx context.Context, productID, majorVersion int) (store.Version, error) {
	if err := ctx.Err(); err != nil {
		return store.Version{}, err
	}

	v, ok := s.versions.Load(versionKey{productID, majorVersion})
	if !ok {
		return store.Version{}, store.ErrNotFound
	}

	return v, nil
}

func (s *Store) PutVersion(ctx context.Context, v store.Version) (store.Version, error) {
	if err := ctx.Err(); err != nil {
		return store.Version{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.products.Has(v.ProductID) {
		return store.Version{}, store.ErrNotFound
	}

	key := versionKey{v.ProductID, v.MajorVersion}
	if existing, ok := s.versions.Load(key); ok {
		existing.Active = v.Active
		existing.Info = v.Info
		s.versions.Store(key, existing)
		return existing, nil
	}

	if v.Secrets.Empty() {
		secrets, err := store.NewSecrets()
		if err != nil {
			return store.Version{}, err
		}
		v.Secrets = secrets
	}

	v.Created = s.timestamp()
	s.versions.Store(key, v)
	return v, nil
}

func (s *Store) GetSecrets(ctx context.Context, productID, majorVersion int) (store.Secrets, error) {
	v, err := s.GetVersion(ctx, productID, majorVersion)
	if err != nil {
		return store.Secrets{}, err
	}

	return v.Secrets, nil
}

func (s *Store) HasLicenses(ctx context.Context, productID, majorVersion int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	found := false
	s.licenses.Range(func(_ int64, l store.License) bool {
		found = l.ProductID == productID && l.MajorVersion == majorVersion
		return !found
	})

	return found, nil
}

func (s *Store) FindLicense(ctx context.Context, serialNum string, productID, majorVersion int, userInfo string) (store.License, error) {
	if err := ctx.Err(); err != nil {
		return store.License{}, err
	}

	lid, ok := s.identities.Load(identity{serialNum, productID, majorVersion, userInfo})
	if !ok {
		return store.License{}, store.ErrNotFound
	}

	l, ok := s.licenses.Load(lid)
	if !ok {
		return store.License{}, store.ErrNotFound
	}

	return l, nil
}

func (s *Store) CreateOrUpdateLicense(ctx context.Context, l store.License, assignOrder bool) (store.License, bool, error) {
	if err := ctx.Err(); err != nil {
		return store.License{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if lid, ok := s.identities.Load(identityOf(l)); ok {
		existing, _ := s.licenses.Load(lid)
		existing.Info = store.MergeInfo(existing.Info, l.Info)
		s.licenses.Store(lid, existing)
		return existing, false, nil
	}

	now := s.timestamp()
	l.OrderNum = store.NoOrderNum
	if assignOrder {
		if window := utils.WindowStart(now, store.OrderWindow); !window.Equal(s.orderWindow) {
			s.orderWindow = window
			s.orders.Reset()
		}

		n, err := store.PickOrderNumber(s.orders.Size(), func(n int) (bool, error) {
			return s.orders.Add(n), nil
		})
		if err != nil {
			return store.License{}, false, err
		}
		l.OrderNum = n
	}

	l.ID = int64(s.licenseIDs.Id())
	l.Created = now
	l.LastUsed = time.Time{}
	s.licenses.Store(l.ID, l)
	s.identities.Store(identityOf(l), l.ID)
	return l, true, nil
}

func (s *Store) updateLicense(ctx context.Context, licenseID int64, apply func(l *store.License) error) (store.License, error) {
	if err := ctx.Err(); err != nil {
		return store.License{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.licenses.Load(licenseID)
	if !ok {
		return store.License{}, store.ErrNotFound
	}

	if err := apply(&l); err != nil {
		return store.License{}, err
	}

	l.LastUsed = s.timestamp()
	s.licenses.Store(licenseID, l)
	return l, nil
}

func (s *Store) RecordActivation(ctx context.Context, licenseID int64, limit *int) (store.License, error) {
	return s.updateLicense(ctx, licenseID, func(l *store.License) error {
		return store.ApplyActivation(&l.Info, limit)
	})
}

func (s *Store) RecordDeactivation(ctx context.Context, licenseID int64) (store.License, error) {
	return s.updateLicense(ctx, licenseID, func(l *store.License) error {
		store.ApplyDeactivation(&l.Info)
		return nil
	})
}

func (s *Store) RecordDownload(ctx context.Context, licenseID int64, limit *int) (store.License, error) {
	return s.updateLicense(ctx, licenseID, func(l *store.License) error {
		return store.ApplyDownload(&l.Info, limit)
	})
}

func (s *Store) SearchLicenses(ctx context.Context, q store.LicenseQuery) ([]store.License, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := s.licenses.Filter(func(_ int64, l store.License) bool {
		return q.Matches(l)
	})
	slices.SortFunc(out, func(a, b store.License) int {
		return cmp.Compare(a.ID, b.ID)
	})

	if limit := q.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (s *Store) IsRevoked(ctx context.Context, productID, majorVersion int, serialNum string) (store.Revocation, bool, error) {
	if err := ctx.Err(); err != nil {
		return store.Revocation{}, false, err
	}

	var found store.Revocation
	ok := false
	s.revoked.Range(func(_ int64, r store.Revocation) bool {
		if r.ProductID == productID && r.MajorVersion == majorVersion && r.SerialNum == serialNum {
			found, ok = r, true
			return false
		}
		return true
	})

	return found, ok, nil
}

func (s *Store) Revoke(ctx context.Context, licenseID int64, reason string) (store.Revocation, error) {
	if err := ctx.Err(); err != nil {
		return store.Revocation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.licenses.Load(licenseID)
	if !ok {
		return store.Revocation{}, store.ErrNotFound
	}

	r := store.RevocationOf(l, reason, s.timestamp())
	s.revoked.Store(licenseID, r)
	return r, nil
}

func (s *Store) Restore(ctx context.Context, licenseID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.licenses.Has(licenseID) {
		return store.ErrNotFound
	}

	s.revoked.Delete(licenseID)
	return nil
}

func (s *Store) ListRevoked(ctx context.Context, q store.RevokedQuery) ([]store.Revocation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := s.revoked.Filter(func(_ int64, r store.Revocation) bool {
		return q.Matches(r)
	})
	slices.SortFunc(out, func(a, b store.Revocation) int {
		return cmp.Compare(a.LicenseID, b.LicenseID)
	})

	return out, nil
}

func (s *Store) AppendHistory(ctx context.Context, licenseID int64, typ, info string) (store.HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return store.HistoryEntry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.licenses.Load(licenseID)
	if !ok {
		return store.HistoryEntry{}, store.ErrNotFound
	}

	e := store.HistoryEntryOf(l, typ, info, s.timestamp())
	e.ID = int64(s.historyIDs.Id())
	s.history.Store(e.ID, e)
	return e, nil
}

func (s *Store) GetHistory(ctx context.Context, q store.HistoryQuery) ([]store.HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := s.history.Filter(func(_ int64, e store.HistoryEntry) bool {
		return q.Matches(e)
	})
	slices.SortFunc(out, func(a, b store.HistoryEntry) int {
		return cmp.Compare(b.ID, a.ID)
	})

	if limit := q.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func identityOf(l store.License) identity {
	return identity{l.SerialNum, l.ProductID, l.MajorVersion, l.UserInfo}
}
