package dispatcher

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/cyberinferno/go-licensesrv/serial"
	"github.com/cyberinferno/go-licensesrv/store"
)

// maxProducts is the number of product IDs a serial can carry.
const maxProducts = serial.MaxProductID + 1

func (d *Dispatcher) setMajorVer(ctx context.Context, req request) (any, error) {
	const doing = "setting up the major version"

	cat, err := d.catalog(ctx)
	if err != nil {
		return nil, dbError(doing, err)
	}

	pid, ok := req.integer("pid")
	if !ok {
		return nil, errMissingPID
	}

	p, ok := cat.Product(pid)
	if !ok {
		return nil, errProductNotFound
	}

	ver, ok := req.integer("ver")
	if !ok {
		return nil, errMissingVer
	}
	if ver < 0 || ver > serial.MaxMajorVersion {
		return nil, newError(CodeInvalidVer, "Invalid major version number (0-255).")
	}

	info, err := versionInfoOf(req)
	if err != nil {
		return nil, err
	}

	v, exists := p.Versions[ver]
	if exists {
		// the alphabet is frozen once serials have been issued with it
		used, err := d.store.HasLicenses(ctx, pid, ver)
		if err != nil {
			return nil, dbError(doing, err)
		}
		if used {
			info.EncodeChars = v.Info.EncodeChars
		}
	} else {
		v = store.Version{ProductID: pid, MajorVersion: ver}
	}

	v.Active = req.flag("active")
	v.Info = info

	saved, err := d.store.PutVersion(ctx, v)
	if err != nil {
		return nil, dbError(doing, err)
	}
	d.invalidateCatalog(ctx)

	return versionResponse{
		Success: true,
		PID:     saved.ProductID,
		Major:   saved.MajorVersion,
		Created: saved.Created.Unix(),
		Active:  saved.Active,
		Info:    saved.Info,
	}, nil
}

// versionInfoOf decodes the optional "info" object of set_major_ver.
// Product classes outside 0..15 and unusable alphabets are dropped.
func versionInfoOf(req request) (store.VersionInfo, error) {
	info := store.VersionInfo{ProductClasses: map[int]string{}}

	obj, ok := req.object("info")
	if !ok {
		return info, nil
	}

	if raw, ok := obj["product_classes"]; ok {
		var classes map[string]json.RawMessage
		if json.Unmarshal(raw, &classes) == nil {
			for k, v := range classes {
				n, err := strconv.Atoi(k)
				if err != nil || n < 0 || n > serial.MaxProductClass {
					continue
				}

				var name string
				if json.Unmarshal(v, &name) == nil {
					info.ProductClasses[n] = name
				}
			}
		}
		delete(obj, "product_classes")
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return info, &Error{Code: CodeInvalidInfo, Message: "Invalid version info.", Err: err}
	}

	var rest store.VersionInfo
	if err := json.Unmarshal(data, &rest); err != nil {
		return info, &Error{Code: CodeInvalidInfo, Message: "Invalid version info.", Err: err}
	}

	rest.ProductClasses = info.ProductClasses
	if rest.EncodeChars != "" {
		if _, err := serial.NewAlphabet(rest.EncodeChars); err != nil {
			rest.EncodeChars = ""
		}
	}

	return rest, nil
}

func (d *Dispatcher) getMajorVers(ctx context.Context, req request) (any, error) {
	cat, err := d.catalog(ctx)
	if err != nil {
		return nil, dbError("reading the major versions", err)
	}

	pid, ok := req.integer("pid")
	if !ok {
		return nil, errMissingPID
	}

	p, ok := cat.Product(pid)
	if !ok {
		return nil, errProductNotFound
	}

	withSecrets := req.flag("secrets")
	downloadable := req.flag("downloadable")

	resp := versionsResponse{Success: true, PID: pid, ProductName: p.Name, Versions: map[int]VersionEntry{}}
	for ver, v := range p.Versions {
		if downloadable && (!v.Active || (v.Info.MaxDownloads != nil && *v.Info.MaxDownloads == 0)) {
			continue
		}
		resp.Versions[ver] = versionEntryOf(v, withSecrets)
	}

	return resp, nil
}

func (d *Dispatcher) deleteProduct(ctx context.Context, req request) (any, error) {
	pid, ok := req.integer("id")
	if !ok {
		return nil, newError(CodeMissingID, "Missing product ID.")
	}

	if err := d.store.DeleteProduct(ctx, pid); err != nil {
		return nil, dbError("deleting the product", err)
	}
	d.invalidateCatalog(ctx)

	return okResponse{Success: true}, nil
}

func (d *Dispatcher) createProduct(ctx context.Context, req request) (any, error) {
	const doing = "setting up the product"

	cat, err := d.catalog(ctx)
	if err != nil {
		return nil, dbError(doing, err)
	}

	name, ok := req.str("name")
	if !ok {
		return nil, newError(CodeMissingName, "Missing 'name'.")
	}

	pid, hasID := req.integer("id")
	if hasID && pid > serial.MaxProductID {
		return nil, newError(CodeInvalidID, "Product ID outside valid range.")
	}

	if !hasID || pid < 0 {
		if cat.Len() >= maxProducts {
			return nil, newError(CodeMaxProductsReached, "Unable to create product due to too many products.  The serial number generator only supports 1,024 unique product IDs.")
		}
		pid = firstFreeProductID(cat)
	}

	saved, err := d.store.PutProduct(ctx, store.Product{ID: pid, Name: name})
	if err != nil {
		return nil, dbError(doing, err)
	}
	d.invalidateCatalog(ctx)

	majorVers := 0
	if p, ok := cat.Product(pid); ok {
		majorVers = len(p.Versions)
	}

	return productResponse{
		Success: true,
		ID:      saved.ID,
		ProductEntry: ProductEntry{
			Name:      saved.Name,
			Created:   saved.Created.Unix(),
			MajorVers: majorVers,
		},
	}, nil
}

// firstFreeProductID returns the lowest unused ID, trying 1..1023 before 0.
func firstFreeProductID(cat *Catalog) int {
	for i := 1; i <= maxProducts; i++ {
		id := i % maxProducts
		if _, ok := cat.Product(id); !ok {
			return id
		}
	}

	return 0
}

func (d *Dispatcher) getProducts(ctx context.Context, req request) (any, error) {
	cat, err := d.catalog(ctx)
	if err != nil {
		return nil, dbError("reading the products", err)
	}

	resp := productsResponse{Success: true, Products: make(map[int]ProductEntry, cat.Len())}
	for id, p := range cat.Products {
		resp.Products[id] = ProductEntry{
			Name:      p.Name,
			Created:   p.Created.Unix(),
			MajorVers: len(p.Versions),
		}
	}

	return resp, nil
}
