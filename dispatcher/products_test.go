package dispatcher

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-licensesrv/store"
)

func TestCreateProduct(t *testing.T) {
	d, _ := newTestDispatcher(t)

	t.Run("first free id starts at one", func(t *testing.T) {
		resp := call(t, d, map[string]any{"action": "create_product", "name": "Alpha"})
		requireOK(t, resp)
		assert.EqualValues(t, 1, resp["id"])
		assert.Equal(t, "Alpha", resp["name"])
		assert.EqualValues(t, 0, resp["major_vers"])
		assert.NotZero(t, resp["created"])

		resp = call(t, d, map[string]any{"action": "create_product", "name": "Beta", "id": -1})
		requireOK(t, resp)
		assert.EqualValues(t, 2, resp["id"])
	})

	t.Run("explicit id renames", func(t *testing.T) {
		created := call(t, d, map[string]any{"action": "create_product", "name": "Gamma", "id": 10})
		requireOK(t, created)

		requireOK(t, call(t, d, map[string]any{"action": "set_major_ver", "pid": 10, "ver": 1, "active": true}))

		renamed := call(t, d, map[string]any{"action": "create_product", "name": "Gamma 2", "id": 10})
		requireOK(t, renamed)
		assert.Equal(t, "Gamma 2", renamed["name"])
		assert.Equal(t, created["created"], renamed["created"])
		assert.EqualValues(t, 1, renamed["major_vers"])
	})

	t.Run("validation", func(t *testing.T) {
		requireCode(t, call(t, d, map[string]any{"action": "create_product"}), CodeMissingName)
		requireCode(t, call(t, d, map[string]any{"action": "create_product", "name": "X", "id": 1024}), CodeInvalidID)
	})
}

func TestCreateProductLimit(t *testing.T) {
	d, s := newTestDispatcher(t)
	ctx := context.Background()

	for id := 0; id < maxProducts; id++ {
		_, err := s.PutProduct(ctx, store.Product{ID: id, Name: "p"})
		require.NoError(t, err)
	}

	requireCode(t, call(t, d, map[string]any{"action": "create_product", "name": "overflow"}), CodeMaxProductsReached)
	requireOK(t, call(t, d, map[string]any{"action": "create_product", "name": "renamed", "id": 7}))
}

func TestFirstFreeProductID(t *testing.T) {
	cat := &Catalog{Products: map[int]*CatalogProduct{}}
	assert.Equal(t, 1, firstFreeProductID(cat))

	for id := 1; id < maxProducts; id++ {
		cat.Products[id] = &CatalogProduct{}
	}
	assert.Equal(t, 0, firstFreeProductID(cat))
}

func TestGetProducts(t *testing.T) {
	d, _ := newTestDispatcher(t)

	resp := call(t, d, map[string]any{"action": "get_products"})
	requireOK(t, resp)
	assert.Empty(t, resp["products"])

	setupVersion(t, d, 3, nil)
	requireOK(t, call(t, d, map[string]any{"action": "set_major_ver", "pid": 3, "ver": 2, "active": true}))

	resp = call(t, d, map[string]any{"action": "get_products"})
	products := resp["products"].(map[string]any)
	require.Contains(t, products, "3")

	p := products["3"].(map[string]any)
	assert.Equal(t, "Product", p["name"])
	assert.EqualValues(t, 2, p["major_vers"])
}

func TestSetMajorVer(t *testing.T) {
	d, _ := newTestDispatcher(t)
	requireOK(t, call(t, d, map[string]any{"action": "create_product", "name": "Tool", "id": 8}))

	t.Run("validation", func(t *testing.T) {
		requireCode(t, call(t, d, map[string]any{"action": "set_major_ver"}), CodeMissingPID)
		requireCode(t, call(t, d, map[string]any{"action": "set_major_ver", "pid": 9}), CodeProductNotFound)
		requireCode(t, call(t, d, map[string]any{"action": "set_major_ver", "pid": 8}), CodeMissingVer)
		requireCode(t, call(t, d, map[string]any{"action": "set_major_ver", "pid": 8, "ver": 256}), CodeInvalidVer)
		requireCode(t, call(t, d, map[string]any{"action": "set_major_ver", "pid": 8, "ver": -1}), CodeInvalidVer)
		requireCode(t, call(t, d, map[string]any{"action": "set_major_ver", "pid": 8, "ver": 1, "info": map[string]any{"max_downloads": "lots"}}), CodeInvalidInfo)
	})

	t.Run("info is sanitized", func(t *testing.T) {
		resp := call(t, d, map[string]any{
			"action": "set_major_ver",
			"pid":    8,
			"ver":    1,
			"active": true,
			"info": map[string]any{
				"product_classes": map[string]any{"0": "Standard", "15": "Ultimate", "16": "Bogus", "x": "Bogus", "3": 7},
				"encode_chars":    "too-short",
				"max_activations": 5,
				"homepage":        "https://example.com",
			},
		})
		requireOK(t, resp)
		assert.EqualValues(t, 8, resp["pid"])
		assert.EqualValues(t, 1, resp["major_ver"])
		assert.Equal(t, true, resp["active"])

		info := resp["info"].(map[string]any)
		assert.Equal(t, map[string]any{"0": "Standard", "15": "Ultimate"}, info["product_classes"])
		assert.NotContains(t, info, "encode_chars")
		assert.EqualValues(t, 5, info["max_activations"])
		assert.Equal(t, "https://example.com", info["homepage"])
	})

	t.Run("missing info gives empty product classes", func(t *testing.T) {
		resp := call(t, d, map[string]any{"action": "set_major_ver", "pid": 8, "ver": 3})
		requireOK(t, resp)
		assert.Equal(t, false, resp["active"])
		assert.Equal(t, map[string]any{}, resp["info"].(map[string]any)["product_classes"])
	})

	t.Run("alphabet is frozen once licenses exist", func(t *testing.T) {
		const custom = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
		requireOK(t, call(t, d, map[string]any{"action": "set_major_ver", "pid": 8, "ver": 4, "active": true, "info": map[string]any{"encode_chars": custom}}))

		lic := call(t, d, map[string]any{"action": "create_license", "pid": 8, "major_ver": 4, "userinfo": "lee@example.com"})
		requireOK(t, lic)
		assert.Regexp(t, `^[A-Z2-9]{4}(-[A-Z2-9]{4}){3}$`, lic["serial_num"])

		resp := call(t, d, map[string]any{"action": "set_major_ver", "pid": 8, "ver": 4, "active": true, "info": map[string]any{}})
		requireOK(t, resp)
		assert.Equal(t, custom, resp["info"].(map[string]any)["encode_chars"])

		requireOK(t, call(t, d, map[string]any{"action": "verify_serial", "serial_num": lic["serial_num"], "pid": 8, "ver": 4, "userinfo": "lee@example.com"}))
	})

	t.Run("update keeps secrets", func(t *testing.T) {
		before := call(t, d, map[string]any{"action": "get_major_vers", "pid": 8, "secrets": true})
		requireOK(t, call(t, d, map[string]any{"action": "set_major_ver", "pid": 8, "ver": 1, "active": false}))
		after := call(t, d, map[string]any{"action": "get_major_vers", "pid": 8, "secrets": true})

		v1Before := before["versions"].(map[string]any)["1"].(map[string]any)
		v1After := after["versions"].(map[string]any)["1"].(map[string]any)
		assert.Equal(t, v1Before["encrypt_secret"], v1After["encrypt_secret"])
		assert.Equal(t, v1Before["validate_secret"], v1After["validate_secret"])
		assert.Equal(t, false, v1After["active"])
	})
}

func TestGetMajorVers(t *testing.T) {
	d, _ := newTestDispatcher(t)
	setupVersion(t, d, 2, nil)
	requireOK(t, call(t, d, map[string]any{"action": "set_major_ver", "pid": 2, "ver": 2, "active": false}))
	requireOK(t, call(t, d, map[string]any{"action": "set_major_ver", "pid": 2, "ver": 3, "active": true, "info": map[string]any{"max_downloads": 0}}))

	t.Run("secrets hidden by default", func(t *testing.T) {
		resp := call(t, d, map[string]any{"action": "get_major_vers", "pid": 2})
		requireOK(t, resp)
		assert.Equal(t, "Product", resp["product_name"])

		versions := resp["versions"].(map[string]any)
		assert.Len(t, versions, 3)
		assert.Equal(t, false, versions["1"].(map[string]any)["encrypt_secret"])
		assert.Equal(t, false, versions["1"].(map[string]any)["validate_secret"])
	})

	t.Run("secrets as hex", func(t *testing.T) {
		resp := call(t, d, map[string]any{"action": "get_major_vers", "pid": 2, "secrets": true})
		secret := resp["versions"].(map[string]any)["1"].(map[string]any)["encrypt_secret"].(string)

		raw, err := hex.DecodeString(secret)
		require.NoError(t, err)
		assert.Len(t, raw, store.SecretLength)
	})

	t.Run("downloadable skips inactive and zero download versions", func(t *testing.T) {
		resp := call(t, d, map[string]any{"action": "get_major_vers", "pid": 2, "downloadable": true})
		versions := resp["versions"].(map[string]any)
		assert.Len(t, versions, 1)
		assert.Contains(t, versions, "1")
	})

	t.Run("validation", func(t *testing.T) {
		requireCode(t, call(t, d, map[string]any{"action": "get_major_vers"}), CodeMissingPID)
		requireCode(t, call(t, d, map[string]any{"action": "get_major_vers", "pid": 77}), CodeProductNotFound)
	})
}

func TestDeleteProduct(t *testing.T) {
	d, s := newTestDispatcher(t)
	setupVersion(t, d, 12, nil)
	lic := createLicense(t, d, 12, "max@example.com", nil)

	requireCode(t, call(t, d, map[string]any{"action": "delete_product"}), CodeMissingID)
	requireOK(t, call(t, d, map[string]any{"action": "delete_product", "id": 12}))

	requireCode(t, call(t, d, map[string]any{"action": "get_major_vers", "pid": 12}), CodeProductNotFound)
	requireCode(t, verify(t, d, lic["serial_num"].(string), 12, "max@example.com", nil), CodeProductNotFound)

	_, err := s.FindLicense(context.Background(), lic["serial_num"].(string), 12, 1, "max@example.com")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// unknown products delete cleanly
	requireOK(t, call(t, d, map[string]any{"action": "delete_product", "id": 500}))
}
