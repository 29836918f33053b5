package licenseclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cyberinferno/go-licensesrv/store"
)

// Error is a request the server answered with "success": false.
type Error struct {
	Code    string `json:"errorcode"`
	Message string `json:"error"`
	// Info carries extra detail, e.g. the reason a serial was revoked.
	Info string `json:"info"`
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Call sends req and decodes a successful response into resp, which may be
// nil. A failed request is returned as *Error.
func (c *Client) Call(ctx context.Context, req map[string]any, resp any) error {
	raw, err := c.Request(ctx, req)
	if err != nil {
		return err
	}

	var envelope struct {
		Success *bool `json:"success"`
		Error
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Success == nil {
		return fmt.Errorf("decode %v response: malformed response %q", req["action"], raw)
	}
	if !*envelope.Success {
		e := envelope.Error
		return &e
	}

	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(raw, resp); err != nil {
		return fmt.Errorf("decode %v response: %w", req["action"], err)
	}

	return nil
}

// LogRef identifies the history entry a request wrote. It is zero when the
// request carried no log text.
type LogRef struct {
	LogID   int64  `json:"log_id"`
	LogType string `json:"log_type"`
	LogTS   int64  `json:"log_ts"`
}

// SerialInfo is the decoded content of a serial.
type SerialInfo struct {
	SerialNum        string `json:"serial_num"`
	UserInfo         string `json:"userinfo"`
	Expires          bool   `json:"expires"`
	Date             int64  `json:"date"`
	ProductID        int    `json:"product_id"`
	ProductClass     int    `json:"product_class"`
	MajorVersion     int    `json:"major_ver"`
	MinorVersion     int    `json:"minor_ver"`
	CustomBits       int    `json:"custom_bits"`
	ProductClassName string `json:"product_class_name"`
}

// DateTime returns Date as a time; it is the expiry date when Expires is
// set and the issue date otherwise.
func (s SerialInfo) DateTime() time.Time {
	return time.Unix(s.Date, 0).UTC()
}

// Verification is the result of VerifySerial.
type Verification struct {
	SerialInfo
	ProductName string `json:"product_name"`
	// Activations and Downloads are set after an activate, deactivate or
	// download.
	Activations *int `json:"activations"`
	Downloads   *int `json:"downloads"`
	LogRef
}

// VerifyMode counts a use of the license while verifying it.
type VerifyMode string

const (
	VerifyOnly VerifyMode = ""
	Activate   VerifyMode = "activate"
	Deactivate VerifyMode = "deactivate"
	Download   VerifyMode = "download"
)

// VerifySerial checks a serial for a product version and user.
//
// Parameters:
//   - ctx: Bounds the request
//   - serialNum: The serial as entered by the user
//   - productID, majorVersion: The product version the serial must belong to
//   - userInfo: The user the serial was issued to
//   - mode: VerifyOnly, or a use to record against the stored license
//   - log: Optional history text; empty sends none
//
// Returns:
//   - The decoded serial, or *Error (e.g. invalid_serial, too_many_activations)
func (c *Client) VerifySerial(ctx context.Context, serialNum string, productID, majorVersion int, userInfo string, mode VerifyMode, log string) (*Verification, error) {
	req := map[string]any{
		"action":     "verify_serial",
		"serial_num": serialNum,
		"pid":        productID,
		"ver":        majorVersion,
		"userinfo":   userInfo,
	}
	if mode != VerifyOnly {
		req["mode"] = string(mode)
	}
	setLog(req, log)

	var resp Verification
	if err := c.Call(ctx, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Revocation is the result of RevokeLicense.
type Revocation struct {
	Revoked      int64  `json:"revoked"`
	RevokeReason string `json:"revoke_reason"`
	LogRef
}

// RevokeLicense marks a license revoked; later verifications fail with
// invalid_serial carrying reason as Info.
func (c *Client) RevokeLicense(ctx context.Context, serialNum string, productID, majorVersion int, userInfo, reason, log string) (*Revocation, error) {
	req := licenseRequest("revoke_restore_license", serialNum, productID, majorVersion, userInfo)
	req["reason"] = reason
	setLog(req, log)

	var resp Revocation
	if err := c.Call(ctx, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RestoreLicense lifts a revocation.
func (c *Client) RestoreLicense(ctx context.Context, serialNum string, productID, majorVersion int, userInfo, log string) (LogRef, error) {
	req := licenseRequest("revoke_restore_license", serialNum, productID, majorVersion, userInfo)
	setLog(req, log)

	var resp LogRef
	err := c.Call(ctx, req, &resp)
	return resp, err
}

// LicenseOptions are the optional settings of CreateLicense.
type LicenseOptions struct {
	Expires bool
	// Date is the expiry date when Expires is set and the issue date
	// otherwise. Zero means now.
	Date         time.Time
	ProductClass int
	MinorVersion int
	CustomBits   int
	// Info replaces the license info document. A missing password is
	// generated by the server.
	Info *store.LicenseInfo
	// NoOrderNumber stores the license without an order number.
	NoOrderNumber bool
	Log           string
}

// License is an issued license.
type License struct {
	SerialNum   string            `json:"serial_num"`
	ProductID   int               `json:"product_id"`
	ProductName string            `json:"product_name"`
	MajorVer    int               `json:"major_ver"`
	UserInfo    string            `json:"userinfo"`
	SerialInfo  json.RawMessage   `json:"serial_info"`
	Created     int64             `json:"created"`
	OrderNum    int               `json:"order_num"`
	LastUsed    int64             `json:"lastused"`
	Info        store.LicenseInfo `json:"info"`
	LogRef
}

// CreateLicense issues a serial for a user, or re-issues and updates the
// license the user already holds for the version.
func (c *Client) CreateLicense(ctx context.Context, productID, majorVersion int, userInfo string, opts LicenseOptions) (*License, error) {
	req := map[string]any{
		"action":        "create_license",
		"pid":           productID,
		"major_ver":     majorVersion,
		"userinfo":      userInfo,
		"expires":       opts.Expires,
		"product_class": opts.ProductClass,
		"minor_ver":     opts.MinorVersion,
		"custom_bits":   opts.CustomBits,
	}
	if !opts.Date.IsZero() {
		req["date"] = opts.Date.Unix()
	}
	if opts.Info != nil {
		req["info"] = opts.Info
	}
	if opts.NoOrderNumber {
		req["order_num"] = 0
	}
	setLog(req, opts.Log)

	var resp License
	if err := c.Call(ctx, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LicenseQuery selects licenses for GetLicenses. At least one of
// SerialNum, UserInfo, Order or ProductID with MajorVersion must be set.
type LicenseQuery struct {
	SerialNum string
	UserInfo  string
	// UserInfoPrefix matches UserInfo as a prefix.
	UserInfoPrefix bool
	ProductID      *int
	MajorVersion   *int
	// Order selects the license with a human order number, see
	// ParseOrderNumber.
	Order *OrderNumber
	// Password keeps only licenses with this password.
	Password string
	// ExcludeRevoked drops revoked licenses from the result.
	ExcludeRevoked bool
}

// LicenseEntry is one license in a listing. Revoked and RevokeReason are
// set for revoked licenses.
type LicenseEntry struct {
	SerialNum    string             `json:"serial_num"`
	ProductID    int                `json:"product_id"`
	ProductName  string             `json:"product_name"`
	MajorVer     int                `json:"major_ver"`
	Active       bool               `json:"active"`
	UserInfo     string             `json:"userinfo"`
	SerialInfo   json.RawMessage    `json:"serial_info"`
	Created      *int64             `json:"created"`
	OrderNum     *int               `json:"order_num"`
	LastUsed     *int64             `json:"lastused"`
	Info         *store.LicenseInfo `json:"info"`
	Revoked      *int64             `json:"revoked"`
	RevokeReason *string            `json:"revoke_reason"`
}

type licensesResponse struct {
	Licenses []LicenseEntry `json:"licenses"`
}

// GetLicenses searches licenses.
func (c *Client) GetLicenses(ctx context.Context, q LicenseQuery) ([]LicenseEntry, error) {
	req := map[string]any{"action": "get_licenses"}
	if q.SerialNum != "" {
		req["serial_num"] = q.SerialNum
	}
	if q.UserInfo != "" {
		req["userinfo"] = q.UserInfo
		if q.UserInfoPrefix {
			req["userinfo_like"] = true
		}
	}
	if q.ProductID != nil {
		req["pid"] = *q.ProductID
	}
	if q.MajorVersion != nil {
		req["ver"] = *q.MajorVersion
	}
	if q.Order != nil {
		req["created"] = q.Order.Created
		req["order_num"] = q.Order.OrderNum
	}
	if q.Password != "" {
		req["password"] = q.Password
	}
	if q.ExcludeRevoked {
		req["revoked"] = false
	}

	var resp licensesResponse
	if err := c.Call(ctx, req, &resp); err != nil {
		return nil, err
	}
	return resp.Licenses, nil
}

// GetRevokedLicenses lists revocations, optionally for one product or
// version; pass -1 to leave either unrestricted.
func (c *Client) GetRevokedLicenses(ctx context.Context, productID, majorVersion int) ([]LicenseEntry, error) {
	req := map[string]any{"action": "get_licenses", "revoked_only": true}
	if productID > -1 {
		req["pid"] = productID
	}
	if majorVersion > -1 {
		req["ver"] = majorVersion
	}

	var resp licensesResponse
	if err := c.Call(ctx, req, &resp); err != nil {
		return nil, err
	}
	return resp.Licenses, nil
}

// AddHistory appends an entry to a license's history.
func (c *Client) AddHistory(ctx context.Context, serialNum string, productID, majorVersion int, userInfo, typ, log string) (LogRef, error) {
	req := licenseRequest("add_history", serialNum, productID, majorVersion, userInfo)
	req["type"] = typ
	req["log"] = log

	var resp LogRef
	err := c.Call(ctx, req, &resp)
	return resp, err
}

// HistoryQuery selects history entries. Zero fields are unrestricted;
// ProductID and MajorVersion only apply together.
type HistoryQuery struct {
	ID           int64
	SerialNum    string
	UserInfo     string
	ProductID    *int
	MajorVersion *int
	Type         string
}

// HistoryEntry is one history record.
type HistoryEntry struct {
	ID          int64  `json:"id"`
	SerialNum   string `json:"serial_num"`
	ProductID   int    `json:"product_id"`
	ProductName string `json:"product_name"`
	MajorVer    int    `json:"major_ver"`
	UserInfo    string `json:"userinfo"`
	Type        string `json:"type"`
	Created     int64  `json:"created"`
	Info        string `json:"info"`
}

// GetHistory returns history entries, newest first.
func (c *Client) GetHistory(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error) {
	req := map[string]any{"action": "get_history"}
	if q.ID > 0 {
		req["id"] = q.ID
	}
	if q.SerialNum != "" {
		req["serial_num"] = q.SerialNum
	}
	if q.UserInfo != "" {
		req["userinfo"] = q.UserInfo
	}
	if q.ProductID != nil {
		req["pid"] = *q.ProductID
	}
	if q.MajorVersion != nil {
		req["ver"] = *q.MajorVersion
	}
	if q.Type != "" {
		req["type"] = q.Type
	}

	var resp struct {
		Entries []HistoryEntry `json:"entries"`
	}
	if err := c.Call(ctx, req, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Version describes a product's major version.
type Version struct {
	PID     int               `json:"pid"`
	Major   int               `json:"major_ver"`
	Created int64             `json:"created"`
	Active  bool              `json:"active"`
	Info    store.VersionInfo `json:"info"`
}

// SetMajorVersion creates or updates a major version. info may be nil.
func (c *Client) SetMajorVersion(ctx context.Context, productID, majorVersion int, active bool, info *store.VersionInfo) (*Version, error) {
	req := map[string]any{
		"action": "set_major_ver",
		"pid":    productID,
		"ver":    majorVersion,
		"active": active,
	}
	if info != nil {
		req["info"] = info
	}

	var resp Version
	if err := c.Call(ctx, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VersionEntry is a version in GetMajorVersions. The secrets are hex
// encoded and only present when requested.
type VersionEntry struct {
	EncryptSecret  string
	ValidateSecret string
	Created        int64
	Active         bool
	Info           store.VersionInfo
}

// UnmarshalJSON implements json.Unmarshaler; withheld secrets arrive as
// false.
func (v *VersionEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		EncryptSecret  json.RawMessage   `json:"encrypt_secret"`
		ValidateSecret json.RawMessage   `json:"validate_secret"`
		Created        int64             `json:"created"`
		Active         bool              `json:"active"`
		Info           store.VersionInfo `json:"info"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*v = VersionEntry{Created: raw.Created, Active: raw.Active, Info: raw.Info}
	_ = json.Unmarshal(raw.EncryptSecret, &v.EncryptSecret)
	_ = json.Unmarshal(raw.ValidateSecret, &v.ValidateSecret)
	return nil
}

// Versions is the result of GetMajorVersions, keyed by major version.
type Versions struct {
	PID         int                  `json:"pid"`
	ProductName string               `json:"product_name"`
	Versions    map[int]VersionEntry `json:"versions"`
}

// GetMajorVersions lists a product's versions. downloadableOnly skips
// inactive versions and versions that allow no downloads.
func (c *Client) GetMajorVersions(ctx context.Context, productID int, downloadableOnly, secrets bool) (*Versions, error) {
	req := map[string]any{"action": "get_major_vers", "pid": productID}
	if downloadableOnly {
		req["downloadable"] = true
	}
	if secrets {
		req["secrets"] = true
	}

	var resp Versions
	if err := c.Call(ctx, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Product describes a product.
type Product struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Created   int64  `json:"created"`
	MajorVers int    `json:"major_vers"`
}

// CreateProduct creates a product, or renames it when productID exists.
// A negative productID lets the server pick the first free ID.
func (c *Client) CreateProduct(ctx context.Context, name string, productID int) (*Product, error) {
	req := map[string]any{"action": "create_product", "name": name, "id": productID}

	var resp Product
	if err := c.Call(ctx, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteProduct deletes a product with its versions and licenses.
func (c *Client) DeleteProduct(ctx context.Context, productID int) error {
	return c.Call(ctx, map[string]any{"action": "delete_product", "id": productID}, nil)
}

// GetProducts lists every product keyed by ID.
func (c *Client) GetProducts(ctx context.Context) (map[int]Product, error) {
	var resp struct {
		Products map[int]Product `json:"products"`
	}
	if err := c.Call(ctx, map[string]any{"action": "get_products"}, &resp); err != nil {
		return nil, err
	}

	for id, p := range resp.Products {
		p.ID = id
		resp.Products[id] = p
	}
	return resp.Products, nil
}

func licenseRequest(action, serialNum string, productID, majorVersion int, userInfo string) map[string]any {
	return map[string]any{
		"action":     action,
		"serial_num": serialNum,
		"pid":        productID,
		"ver":        majorVersion,
		"userinfo":   userInfo,
	}
}

func setLog(req map[string]any, log string) {
	if log != "" {
		req["log"] = log
	}
}
