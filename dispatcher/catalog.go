package dispatcher

import (
	"context"
	"fmt"

	"github.com/cyberinferno/go-licensesrv/serial"
	"github.com/cyberinferno/go-licensesrv/store"
)

// catalogKey is the single cache entry holding the catalog snapshot.
const catalogKey = "catalog"

// Catalog is a snapshot of every product and its major versions, secrets
// included. A snapshot is never modified after it is built; writes through
// the dispatcher drop it from the cache and the next request loads a new one.
type Catalog struct {
	Products map[int]*CatalogProduct `json:"products"`
}

// CatalogProduct is a product with its versions keyed by major version.
type CatalogProduct struct {
	store.Product
	Versions map[int]store.Version `json:"versions"`
}

// Product returns the product with the given ID.
func (c *Catalog) Product(id int) (*CatalogProduct, bool) {
	if c == nil {
		return nil, false
	}

	p, ok := c.Products[id]
	return p, ok
}

// Version returns one version of a product.
func (c *Catalog) Version(productID, majorVersion int) (*CatalogProduct, store.Version, bool) {
	p, ok := c.Product(productID)
	if !ok {
		return nil, store.Version{}, false
	}

	v, ok := p.Versions[majorVersion]
	return p, v, ok
}

// Len returns the number of products.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}

	return len(c.Products)
}

// loadCatalog reads the full catalog from the store.
func loadCatalog(ctx context.Context, s store.Store) (*Catalog, error) {
	products, err := s.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}

	c := &Catalog{Products: make(map[int]*CatalogProduct, len(products))}
	for _, p := range products {
		versions, err := s.ListVersions(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list versions of product %d: %w", p.ID, err)
		}

		entry := &CatalogProduct{Product: p, Versions: make(map[int]store.Version, len(versions))}
		for _, v := range versions {
			entry.Versions[v.MajorVersion] = v
		}
		c.Products[p.ID] = entry
	}

	return c, nil
}

// catalog returns the cached snapshot, loading it on a miss. Store failures
// are returned and never cached.
func (d *Dispatcher) catalog(ctx context.Context) (*Catalog, error) {
	return d.cache.GetOrFetch(ctx, catalogKey, d.cacheTTL, func(ctx context.Context) (*Catalog, error) {
		return loadCatalog(ctx, d.store)
	})
}

// invalidateCatalog drops the snapshot after a write.
func (d *Dispatcher) invalidateCatalog(ctx context.Context) {
	if err := d.cache.Delete(ctx, catalogKey); err != nil {
		d.logger.Warn("Failed to invalidate catalog cache", errField(err))
	}
}

// keys returns the codec secrets of v.
func keys(v store.Version) serial.Keys {
	return serial.Keys{Encrypt: v.Secrets.Encrypt, Validate: v.Secrets.Validate}
}

// alphabet returns the serial alphabet of v. An unusable stored alphabet
// falls back to the default one.
func alphabet(v store.Version) *serial.Alphabet {
	if v.Info.EncodeChars == "" {
		return serial.DefaultAlphabet
	}

	a, err := serial.NewAlphabet(v.Info.EncodeChars)
	if err != nil {
		return serial.DefaultAlphabet
	}

	return a
}
