// Package redisstore is a store.Store backed by Redis. Records are JSON
// documents; secondary indexes are sets, sorted sets and hashes kept next to
// them under a common key prefix. Counter updates use optimistic WATCH/MULTI
// transactions so concurrent servers never lose an activation.
package redisstore

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cyberinferno/go-licensesrv/store"
	"github.com/cyberinferno/go-licensesrv/utils"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "licensesrv:"

const (
	maxTxAttempts = 200
	historyPage   = 200
)

// Config describes how Open reaches Redis.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Store implements store.Store on a Redis client.
type Store struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
	owned  bool
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPrefix replaces DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New wraps an existing client. Close does not close the client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: DefaultPrefix,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Open connects to Redis, verifies the connection with PING and returns a
// Store that owns the client.
//
// Parameters:
//   - ctx: Bounds the PING
//   - cfg: Address, credentials, database and key prefix
//
// Returns:
//   - The Store, or an error if Redis is unreachable
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	var opts []Option
	if cfg.Prefix != "" {
		opts = append(opts, WithPrefix(cfg.Prefix))
	}

	s := New(client, opts...)
	s.owned = true
	return s, nil
}

// Client returns the underlying Redis client, e.g. to share it with a cache.
func (s *Store) Client() redis.UniversalClient {
	return s.client
}

// Close closes the client if the Store opened it.
func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}

	return nil
}

func (s *Store) key(parts ...any) string {
	var sb strings.Builder
	sb.WriteString(s.prefix)
	for i, p := range parts {
		if i > 0 {
			sb.WriteByte(':')
		}
		fmt.Fprint(&sb, p)
	}

	return sb.String()
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Second)
}

func (s *Store) productKey(id int) string         { return s.key("product", id) }
func (s *Store) productsKey() string              { return s.key("products") }
func (s *Store) versionKey(pid, ver int) string   { return s.key("version", pid, ver) }
func (s *Store) versionsKey(pid int) string       { return s.key("versions", pid) }
func (s *Store) licenseKey(id int64) string       { return s.key("license", id) }
func (s *Store) identitiesKey() string            { return s.key("identities") }
func (s *Store) serialIndex(serial string) string { return s.key("idx", "serial", serial) }
func (s *Store) userIndex(user string) string     { return s.key("idx", "user", user) }
func (s *Store) usersKey() string                 { return s.key("idx", "users") }
func (s *Store) versionIndex(pid, ver int) string { return s.key("idx", "version", pid, ver) }
func (s *Store) ordersKey(window time.Time) string {
	return s.key("orders", window.Unix())
}
func (s *Store) revokedKey() string                    { return s.key("revoked") }
func (s *Store) revokedVersionKey(pid, ver int) string { return s.key("revoked", pid, ver) }
func (s *Store) historyKey(id int64) string            { return s.key("history", id) }
func (s *Store) historyAllKey() string                 { return s.key("history") }
func (s *Store) historyLicenseKey(lid int64) string    { return s.key("history", "license", lid) }
func (s *Store) seqKey(name string) string             { return s.key("seq", name) }

func identityField(serial string, pid, ver int, user string) string {
	return fmt.Sprintf("%d|%d|%s|%s", pid, ver, serial, user)
}

func getJSON[T any](ctx context.Context, c redis.Cmdable, key string) (T, error) {
	var v T

	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return v, store.ErrNotFound
	}
	if err != nil {
		return v, fmt.Errorf("redis get %s: %w", key, err)
	}

	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", key, err)
	}

	return v, nil
}

// mgetJSON loads many documents, skipping keys that no longer exist.
func mgetJSON[T any](ctx context.Context, c redis.Cmdable, keys []string) ([]T, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	out := make([]T, 0, len(vals))
	for i, raw := range vals {
		str, ok := raw.(string)
		if !ok {
			continue
		}

		var v T
		if err := json.Unmarshal([]byte(str), &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		out = append(out, v)
	}

	return out, nil
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// records hold only encodable fields
		panic(err)
	}

	return data
}

// watch runs fn in an optimistic transaction, retrying on conflicts.
func (s *Store) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxAttempts; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}

	return fmt.Errorf("transaction on %v did not commit after %d attempts", keys, maxTxAttempts)
}

func parseIDs(members []string) []int64 {
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		if id, err := strconv.ParseInt(m, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}

	return ids
}

func (s *Store) ListProducts(ctx context.Context) ([]store.Product, error) {
	members, err := s.client.ZRange(ctx, s.productsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	keys := make([]string, 0, len(members))
	for _, id := range parseIDs(members) {
		keys = append(keys, s.productKey(int(id)))
	}

	products, err := mgetJSON[store.Product](ctx, s.client, keys)
	if products == nil && err == nil {
		products = []store.Product{}
	}

	return products, err
}

func (s *Store) GetProduct(ctx context.Context, id int) (store.Product, error) {
	return getJSON[store.Product](ctx, s.client, s.productKey(id))
}

func (s *Store) PutProduct(ctx context.Context, p store.Product) (store.Product, error) {
	key := s.productKey(p.ID)

	var result store.Product
	err := s.watch(ctx, func(tx *redis.Tx) error {
		existing, err := getJSON[store.Product](ctx, tx, key)
		switch {
		case err == nil:
			existing.Name = p.Name
			result = existing
		case errors.Is(err, store.ErrNotFound):
			result = p
			result.Created = s.timestamp()
		default:
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, mustJSON(result), 0)
			pipe.ZAdd(ctx, s.productsKey(), redis.Z{Score: float64(p.ID), Member: p.ID})
			return nil
		})
		return err
	}, key)

	return result, err
}

func (s *Store) ListVersions(ctx context.Context, productID int) ([]store.Version, error) {
	members, err := s.client.ZRange(ctx, s.versionsKey(productID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}

	keys := make([]string, 0, len(members))
	for _, ver := range parseIDs(members) {
		keys = append(keys, s.versionKey(productID, int(ver)))
	}

	versions, err := mgetJSON[store.Version](ctx, s.client, keys)
	if versions == nil && err == nil {
		versions = []store.Version{}
	}

	return versions, err
}

func (s *Store) GetVersion(ctx context.Context, productID, majorVersion int) (store.Version, error) {
	return getJSON[store.Version](ctx, s.client, s.versionKey(productID, majorVersion))
}

func (s *Store) PutVersion(ctx context.Context, v store.Version) (store.Version, error) {
	pkey := s.productKey(v.ProductID)
	vkey := s.versionKey(v.ProductID, v.MajorVersion)

	var result store.Version
	err := s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, pkey).Result()
		if err != nil {
			return fmt.Errorf("redis exists %s: %w", pkey, err)
		}
		if n == 0 {
			return store.ErrNotFound
		}

		existing, err := getJSON[store.Version](ctx, tx, vkey)
		switch {
		case err == nil:
			existing.Active = v.Active
			existing.Info = v.Info
			result = existing
		case errors.Is(err, store.ErrNotFound):
			result = v
			if result.Secrets.Empty() {
				if result.Secrets, err = store.NewSecrets(); err != nil {
					return err
				}
			}
			result.Created = s.timestamp()
		default:
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, vkey, mustJSON(result), 0)
			pipe.ZAdd(ctx, s.versionsKey(v.ProductID), redis.Z{Score: float64(v.MajorVersion), Member: v.MajorVersion})
			return nil
		})
		return err
	}, pkey, vkey)

	return result, err
}

func (s *Store) GetSecrets(ctx context.Context, productID, majorVersion int) (store.Secrets, error) {
	v, err := s.GetVersion(ctx, productID, majorVersion)
	if err != nil {
		return store.Secrets{}, err
	}

	return v.Secrets, nil
}

func (s *Store) HasLicenses(ctx context.Context, productID, majorVersion int) (bool, error) {
	n, err := s.client.SCard(ctx, s.versionIndex(productID, majorVersion)).Result()
	if err != nil {
		return false, fmt.Errorf("count licenses: %w", err)
	}

	return n > 0, nil
}

func (s *Store) FindLicense(ctx context.Context, serialNum string, productID, majorVersion int, userInfo string) (store.License, error) {
	id, err := s.client.HGet(ctx, s.identitiesKey(), identityField(serialNum, productID, majorVersion, userInfo)).Int64()
	if errors.Is(err, redis.Nil) {
		return store.License{}, store.ErrNotFound
	}
	if err != nil {
		return store.License{}, fmt.Errorf("find license: %w", err)
	}

	return getJSON[store.License](ctx, s.client, s.licenseKey(id))
}

func (s *Store) CreateOrUpdateLicense(ctx context.Context, l store.License, assignOrder bool) (store.License, bool, error) {
	field := identityField(l.SerialNum, l.ProductID, l.MajorVersion, l.UserInfo)
	idKey := s.identitiesKey()

	var (
		result      store.License
		created     bool
		claimedKey  string
		claimedNum  int
		allocatedID int64
	)

	err := s.watch(ctx, func(tx *redis.Tx) error {
		created = false

		id, err := tx.HGet(ctx, idKey, field).Int64()
		if err == nil {
			lkey := s.licenseKey(id)
			if err := tx.Watch(ctx, lkey).Err(); err != nil {
				return err
			}

			existing, err := getJSON[store.License](ctx, tx, lkey)
			if err != nil {
				return err
			}

			existing.Info = store.MergeInfo(existing.Info, l.Info)
			result = existing
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, lkey, mustJSON(result), 0)
				return nil
			})
			return err
		}
		if !errors.Is(err, redis.Nil) {
			return fmt.Errorf("find license: %w", err)
		}

		if allocatedID == 0 {
			if allocatedID, err = s.client.Incr(ctx, s.seqKey("license")).Result(); err != nil {
				return fmt.Errorf("allocate license id: %w", err)
			}

			l.Created = s.timestamp()
			l.OrderNum = store.NoOrderNum
			if assignOrder {
				claimedKey = s.ordersKey(utils.WindowStart(l.Created, store.OrderWindow))
				used, err := s.client.HLen(ctx, claimedKey).Result()
				if err != nil {
					return fmt.Errorf("count orders: %w", err)
				}

				claimedNum, err = store.PickOrderNumber(int(used), func(n int) (bool, error) {
					return s.client.HSetNX(ctx, claimedKey, strconv.Itoa(n), allocatedID).Result()
				})
				if err != nil {
					return fmt.Errorf("assign order number: %w", err)
				}
				l.OrderNum = claimedNum
			}
		}

		l.ID = allocatedID
		l.LastUsed = time.Time{}
		result = l
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.licenseKey(l.ID), mustJSON(l), 0)
			pipe.HSet(ctx, idKey, field, l.ID)
			pipe.SAdd(ctx, s.serialIndex(l.SerialNum), l.ID)
			pipe.SAdd(ctx, s.versionIndex(l.ProductID, l.MajorVersion), l.ID)
			pipe.SAdd(ctx, s.userIndex(l.UserInfo), l.ID)
			pipe.ZAdd(ctx, s.usersKey(), redis.Z{Member: l.UserInfo})
			return nil
		})
		if err == nil {
			created = true
		}
		return err
	}, idKey)

	if !created && claimedKey != "" {
		s.client.HDel(context.WithoutCancel(ctx), claimedKey, strconv.Itoa(claimedNum))
	}

	if err != nil {
		return store.License{}, false, err
	}

	return result, created, nil
}

func (s *Store) updateLicense(ctx context.Context, licenseID int64, apply func(l *store.License) error) (store.License, error) {
	lkey := s.licenseKey(licenseID)

	var result store.License
	err := s.watch(ctx, func(tx *redis.Tx) error {
		l, err := getJSON[store.License](ctx, tx, lkey)
		if err != nil {
			return err
		}

		if err := apply(&l); err != nil {
			return err
		}

		l.LastUsed = s.timestamp()
		result = l
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, lkey, mustJSON(l), 0)
			return nil
		})
		return err
	}, lkey)

	return result, err
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

// candidateIDs narrows a query to license IDs using the most selective
// index available. The caller still filters with q.Matches.
func (s *Store) candidateIDs(ctx context.Context, q store.LicenseQuery) ([]int64, error) {
	switch {
	case q.SerialNum != "":
		members, err := s.client.SMembers(ctx, s.serialIndex(q.SerialNum)).Result()
		return parseIDs(members), err

	case !q.OrderWindow.IsZero() && q.OrderNum > 0:
		key := s.ordersKey(utils.WindowStart(q.OrderWindow, store.OrderWindow))
		id, err := s.client.HGet(ctx, key, strconv.Itoa(q.OrderNum)).Int64()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return []int64{id}, err

	case q.UserInfo != "" && !q.UserInfoPrefix:
		members, err := s.client.SMembers(ctx, s.userIndex(q.UserInfo)).Result()
		return parseIDs(members), err

	case q.UserInfo != "":
		users, err := s.client.ZRangeByLex(ctx, s.usersKey(), &redis.ZRangeBy{
			Min: "[" + q.UserInfo,
			Max: "[" + q.UserInfo + "\xff",
		}).Result()
		if err != nil {
			return nil, err
		}

		var ids []int64
		for _, user := range users {
			members, err := s.client.SMembers(ctx, s.userIndex(user)).Result()
			if err != nil {
				return nil, err
			}
			ids = append(ids, parseIDs(members)...)
		}
		return ids, nil

	case q.ProductID != nil && q.MajorVersion != nil:
		members, err := s.client.SMembers(ctx, s.versionIndex(*q.ProductID, *q.MajorVersion)).Result()
		return parseIDs(members), err
	}

	return nil, nil
}

func (s *Store) SearchLicenses(ctx context.Context, q store.LicenseQuery) ([]store.License, error) {
	if q.Empty() {
		return nil, nil
	}

	ids, err := s.candidateIDs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("search licenses: %w", err)
	}

	slices.Sort(ids)
	ids = slices.Compact(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.licenseKey(id)
	}

	licenses, err := mgetJSON[store.License](ctx, s.client, keys)
	if err != nil {
		return nil, err
	}

	out := licenses[:0]
	for _, l := range licenses {
		if q.Matches(l) {
			out = append(out, l)
		}
	}

	if limit := q.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (s *Store) IsRevoked(ctx context.Context, productID, majorVersion int, serialNum string) (store.Revocation, bool, error) {
	lid, err := s.client.HGet(ctx, s.revokedVersionKey(productID, majorVersion), serialNum).Result()
	if errors.Is(err, redis.Nil) {
		return store.Revocation{}, false, nil
	}
	if err != nil {
		return store.Revocation{}, false, fmt.Errorf("check revocation: %w", err)
	}

	data, err := s.client.HGet(ctx, s.revokedKey(), lid).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.Revocation{}, false, nil
	}
	if err != nil {
		return store.Revocation{}, false, fmt.Errorf("load revocation: %w", err)
	}

	var r store.Revocation
	if err := json.Unmarshal(data, &r); err != nil {
		return store.Revocation{}, false, fmt.Errorf("decode revocation: %w", err)
	}

	return r, true, nil
}

func (s *Store) Revoke(ctx context.Context, licenseID int64, reason string) (store.Revocation, error) {
	l, err := getJSON[store.License](ctx, s.client, s.licenseKey(licenseID))
	if err != nil {
		return store.Revocation{}, err
	}

	r := store.RevocationOf(l, reason, s.timestamp())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.revokedKey(), licenseID, mustJSON(r))
		pipe.HSet(ctx, s.revokedVersionKey(l.ProductID, l.MajorVersion), l.SerialNum, licenseID)
		return nil
	})
	if err != nil {
		return store.Revocation{}, fmt.Errorf("revoke license: %w", err)
	}

	return r, nil
}

func (s *Store) Restore(ctx context.Context, licenseID int64) error {
	l, err := getJSON[store.License](ctx, s.client, s.licenseKey(licenseID))
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.revokedKey(), strconv.FormatInt(licenseID, 10))
		pipe.HDel(ctx, s.revokedVersionKey(l.ProductID, l.MajorVersion), l.SerialNum)
		return nil
	})
	if err != nil {
		return fmt.Errorf("restore license: %w", err)
	}

	return nil
}

func (s *Store) ListRevoked(ctx context.Context, q store.RevokedQuery) ([]store.Revocation, error) {
	all, err := s.client.HGetAll(ctx, s.revokedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list revocations: %w", err)
	}

	var out []store.Revocation
	for _, data := range all {
		var r store.Revocation
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("decode revocation: %w", err)
		}

		if q.Matches(r) {
			out = append(out, r)
		}
	}

	slices.SortFunc(out, func(a, b store.Revocation) int {
		return cmp.Compare(a.LicenseID, b.LicenseID)
	})

	return out, nil
}

func (s *Store) AppendHistory(ctx context.Context, licenseID int64, typ, info string) (store.HistoryEntry, error) {
	l, err := getJSON[store.License](ctx, s.client, s.licenseKey(licenseID))
	if err != nil {
		return store.HistoryEntry{}, err
	}

	id, err := s.client.Incr(ctx, s.seqKey("history")).Result()
	if err != nil {
		return store.HistoryEntry{}, fmt.Errorf("allocate history id: %w", err)
	}

	e := store.HistoryEntryOf(l, typ, info, s.timestamp())
	e.ID = id
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.historyKey(id), mustJSON(e), 0)
		pipe.ZAdd(ctx, s.historyAllKey(), redis.Z{Score: float64(id), Member: id})
		pipe.ZAdd(ctx, s.historyLicenseKey(licenseID), redis.Z{Score: float64(id), Member: id})
		return nil
	})
	if err != nil {
		return store.HistoryEntry{}, fmt.Errorf("append history: %w", err)
	}

	return e, nil
}

func (s *Store) GetHistory(ctx context.Context, q store.HistoryQuery) ([]store.HistoryEntry, error) {
	limit := q.EffectiveLimit()

	if q.ID != 0 {
		e, err := getJSON[store.HistoryEntry](ctx, s.client, s.historyKey(q.ID))
		if errors.Is(err, store.ErrNotFound) || (err == nil && !q.Matches(e)) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []store.HistoryEntry{e}, nil
	}

	lq := store.LicenseQuery{SerialNum: q.SerialNum, UserInfo: q.UserInfo, ProductID: q.ProductID, MajorVersion: q.MajorVersion}
	if lq.Empty() {
		return s.scanHistory(ctx, s.historyAllKey(), q, limit)
	}

	lids, err := s.candidateIDs(ctx, lq)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}

	var out []store.HistoryEntry
	for _, lid := range lids {
		entries, err := s.scanHistory(ctx, s.historyLicenseKey(lid), q, limit)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}

	slices.SortFunc(out, func(a, b store.HistoryEntry) int {
		return cmp.Compare(b.ID, a.ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// scanHistory walks a sorted set of history IDs newest first, collecting up
// to limit entries that match q.
func (s *Store) scanHistory(ctx context.Context, key string, q store.HistoryQuery, limit int) ([]store.HistoryEntry, error) {
	var out []store.HistoryEntry
	for start := int64(0); len(out) < limit; start += historyPage {
		members, err := s.client.ZRevRange(ctx, key, start, start+historyPage-1).Result()
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if len(members) == 0 {
			break
		}

		keys := make([]string, 0, len(members))
		for _, id := range parseIDs(members) {
			keys = append(keys, s.historyKey(id))
		}

		entries, err := mgetJSON[store.HistoryEntry](ctx, s.client, keys)
		if err != nil {
			return nil, err
		}

		for _, e := range entries {
			if q.Matches(e) && len(out) < limit {
				out = append(out, e)
			}
		}
	}

	return out, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id int) error {
	versions, err := s.client.ZRange(ctx, s.versionsKey(id), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}

	users := map[string]struct{}{}
	for _, ver := range parseIDs(versions) {
		if err := s.deleteVersionLicenses(ctx, id, int(ver), users); err != nil {
			return fmt.Errorf("delete product: %w", err)
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, ver := range parseIDs(versions) {
			pipe.Del(ctx, s.versionKey(id, int(ver)), s.versionIndex(id, int(ver)), s.revokedVersionKey(id, int(ver)))
		}
		pipe.Del(ctx, s.versionsKey(id), s.productKey(id))
		pipe.ZRem(ctx, s.productsKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}

	for user := range users {
		n, err := s.client.SCard(ctx, s.userIndex(user)).Result()
		if err != nil {
			return fmt.Errorf("delete product: %w", err)
		}
		if n == 0 {
			s.client.ZRem(ctx, s.usersKey(), user)
		}
	}

	return nil
}

func (s *Store) deleteVersionLicenses(ctx context.Context, pid, ver int, users map[string]struct{}) error {
	members, err := s.client.SMembers(ctx, s.versionIndex(pid, ver)).Result()
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(members))
	for _, lid := range parseIDs(members) {
		keys = append(keys, s.licenseKey(lid))
	}

	licenses, err := mgetJSON[store.License](ctx, s.client, keys)
	if err != nil {
		return err
	}

	for _, l := range licenses {
		history, err := s.client.ZRange(ctx, s.historyLicenseKey(l.ID), 0, -1).Result()
		if err != nil {
			return err
		}

		users[l.UserInfo] = struct{}{}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.licenseKey(l.ID), s.historyLicenseKey(l.ID))
			pipe.HDel(ctx, s.identitiesKey(), identityField(l.SerialNum, l.ProductID, l.MajorVersion, l.UserInfo))
			pipe.SRem(ctx, s.serialIndex(l.SerialNum), l.ID)
			pipe.SRem(ctx, s.userIndex(l.UserInfo), l.ID)
			pipe.HDel(ctx, s.revokedKey(), strconv.FormatInt(l.ID, 10))
			if l.OrderNum > 0 {
				pipe.HDel(ctx, s.ordersKey(utils.WindowStart(l.Created, store.OrderWindow)), strconv.Itoa(l.OrderNum))
			}
			for _, hid := range parseIDs(history) {
				pipe.Del(ctx, s.historyKey(hid))
				pipe.ZRem(ctx, s.historyAllKey(), hid)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}
