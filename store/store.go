// Package store defines the persistence surface of the license server:
// products, product major versions and their secrets, licenses with their
// activation and download counters, revocations, and the per-license
// history log. Implementations live in the memstore and redisstore
// sub-packages.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrLimitReached is returned by RecordActivation and RecordDownload when
	// the counter is already at its limit. The license is left unchanged.
	ErrLimitReached = errors.New("limit reached")
)

// Store is implemented by every license storage backend. All methods are
// safe for concurrent use.
type Store interface {
	// ListProducts returns every product ordered by ID.
	ListProducts(ctx context.Context) ([]Product, error)
	// GetProduct returns ErrNotFound for an unknown ID.
	GetProduct(ctx context.Context, id int) (Product, error)
	// PutProduct creates the product or renames an existing one. Created is
	// set on creation and preserved on rename.
	PutProduct(ctx context.Context, p Product) (Product, error)
	// DeleteProduct removes the product with all versions, licenses,
	// revocations and history. Deleting an unknown product is not an error.
	DeleteProduct(ctx context.Context, id int) error

	// ListVersions returns a product's major versions ordered by number.
	ListVersions(ctx context.Context, productID int) ([]Version, error)
	// GetVersion returns ErrNotFound for an unknown product version.
	GetVersion(ctx context.Context, productID, majorVersion int) (Version, error)
	// PutVersion creates a version, generating fresh secrets when v.Secrets
	// is empty, or updates Active and Info of an existing one. Secrets and
	// Created of an existing version never change.
	PutVersion(ctx context.Context, v Version) (Version, error)
	// GetSecrets returns the secrets of a product version.
	GetSecrets(ctx context.Context, productID, majorVersion int) (Secrets, error)

	// HasLicenses reports whether any license exists for the version.
	HasLicenses(ctx context.Context, productID, majorVersion int) (bool, error)
	// FindLicense looks a license up by its full identity.
	FindLicense(ctx context.Context, serialNum string, productID, majorVersion int, userInfo string) (License, error)
	// CreateOrUpdateLicense inserts l, or replaces the Info of the license
	// with the same identity. The activation and download counters of an
	// existing license are kept. On insert, when assignOrder is true, an order
	// number unique within the current OrderWindow is assigned; otherwise
	// OrderNum is -1. The boolean reports whether a license was created.
	CreateOrUpdateLicense(ctx context.Context, l License, assignOrder bool) (License, bool, error)
	// RecordActivation increments the activation counter unless it is
	// already at limit (nil means unlimited) and stamps LastUsed.
	RecordActivation(ctx context.Context, licenseID int64, limit *int) (License, error)
	// RecordDeactivation decrements the activation counter, never below
	// zero, and stamps LastUsed.
	RecordDeactivation(ctx context.Context, licenseID int64) (License, error)
	// RecordDownload increments the download counter unless it is already
	// at limit and stamps LastUsed.
	RecordDownload(ctx context.Context, licenseID int64, limit *int) (License, error)
	// SearchLicenses returns licenses matching every set criterion of q.
	SearchLicenses(ctx context.Context, q LicenseQuery) ([]License, error)

	// IsRevoked returns the revocation of the serial within a version, if
	// any.
	IsRevoked(ctx context.Context, productID, majorVersion int, serialNum string) (Revocation, bool, error)
	// Revoke marks a license revoked, replacing any earlier revocation.
	Revoke(ctx context.Context, licenseID int64, reason string) (Revocation, error)
	// Restore lifts a revocation. Restoring a license that is not revoked
	// is not an error.
	Restore(ctx context.Context, licenseID int64) error
	// ListRevoked returns the revocations matching q.
	ListRevoked(ctx context.Context, q RevokedQuery) ([]Revocation, error)

	// AppendHistory adds an entry to a license's audit log.
	AppendHistory(ctx context.Context, licenseID int64, typ, info string) (HistoryEntry, error)
	// GetHistory returns matching entries, newest first.
	GetHistory(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error)

	// Close releases the backend's resources.
	Close() error
}
