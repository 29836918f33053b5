package dispatcher

import (
	"encoding/hex"

	"github.com/cyberinferno/go-licensesrv/serial"
	"github.com/cyberinferno/go-licensesrv/store"
	"github.com/cyberinferno/go-licensesrv/utils"
)

type errorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorCode string `json:"errorcode"`
	Info      string `json:"info,omitempty"`
}

func errorResponseOf(e *Error) errorResponse {
	return errorResponse{Error: e.Message, ErrorCode: e.Code, Info: e.Info}
}

type okResponse struct {
	Success bool `json:"success"`
	logRef
}

// logRef is added to responses of requests that wrote a history entry.
type logRef struct {
	LogID   int64  `json:"log_id,omitempty"`
	LogType string `json:"log_type,omitempty"`
	LogTS   int64  `json:"log_ts,omitempty"`
}

func logRefOf(e *store.HistoryEntry) logRef {
	if e == nil {
		return logRef{}
	}

	return logRef{LogID: e.ID, LogType: e.Type, LogTS: e.Created.Unix()}
}

// SerialInfo is the decoded content of a valid serial.
type SerialInfo struct {
	Success          bool   `json:"success"`
	SerialNum        string `json:"serial_num"`
	UserInfo         string `json:"userinfo"`
	Expires          bool   `json:"expires"`
	Date             int64  `json:"date"`
	ProductID        int    `json:"product_id"`
	ProductClass     int    `json:"product_class"`
	MajorVersion     int    `json:"major_ver"`
	MinorVersion     int    `json:"minor_ver"`
	CustomBits       int    `json:"custom_bits"`
	ProductClassName string `json:"product_class_name,omitempty"`
}

func serialInfoOf(s *serial.Serial, v store.Version) SerialInfo {
	return SerialInfo{
		Success:          true,
		SerialNum:        s.Number,
		UserInfo:         s.UserInfo,
		Expires:          s.Expires,
		Date:             int64(s.Date) * 86400,
		ProductID:        s.ProductID,
		ProductClass:     s.ProductClass,
		MajorVersion:     s.MajorVersion,
		MinorVersion:     s.MinorVersion,
		CustomBits:       s.CustomBits,
		ProductClassName: v.Info.ProductClasses[s.ProductClass],
	}
}

// describeSerial decodes a stored serial for listings. A serial that no
// longer verifies is reported inline rather than failing the request.
func describeSerial(serialNum string, productID, majorVersion int, userInfo string, v store.Version) any {
	s, err := serial.Verify(serialNum, productID, majorVersion, userInfo, keys(v), alphabet(v))
	if err != nil {
		return errorResponseOf(serialError(err))
	}

	return serialInfoOf(s, v)
}

type verifyResponse struct {
	SerialInfo
	ProductName string `json:"product_name"`
	Activations *int   `json:"activations,omitempty"`
	Downloads   *int   `json:"downloads,omitempty"`
	logRef
}

type revokeResponse struct {
	Success      bool   `json:"success"`
	Revoked      int64  `json:"revoked"`
	RevokeReason string `json:"revoke_reason"`
	logRef
}

type licenseResponse struct {
	Success     bool              `json:"success"`
	SerialNum   string            `json:"serial_num"`
	ProductID   int               `json:"product_id"`
	ProductName string            `json:"product_name"`
	MajorVer    int               `json:"major_ver"`
	UserInfo    string            `json:"userinfo"`
	SerialInfo  any               `json:"serial_info"`
	Created     int64             `json:"created"`
	OrderNum    int               `json:"order_num"`
	LastUsed    int64             `json:"lastused"`
	Info        store.LicenseInfo `json:"info"`
	logRef
}

// LicenseEntry is one row of a get_licenses response.
type LicenseEntry struct {
	SerialNum    string             `json:"serial_num"`
	ProductID    int                `json:"product_id"`
	ProductName  string             `json:"product_name"`
	MajorVer     int                `json:"major_ver"`
	Active       bool               `json:"active"`
	UserInfo     string             `json:"userinfo"`
	SerialInfo   any                `json:"serial_info"`
	Created      *int64             `json:"created,omitempty"`
	OrderNum     *int               `json:"order_num,omitempty"`
	LastUsed     *int64             `json:"lastused,omitempty"`
	Info         *store.LicenseInfo `json:"info,omitempty"`
	Revoked      *int64             `json:"revoked,omitempty"`
	RevokeReason *string            `json:"revoke_reason,omitempty"`
}

func licenseEntryOf(l store.License, p *CatalogProduct, v store.Version) LicenseEntry {
	info := l.Info
	return LicenseEntry{
		SerialNum:   l.SerialNum,
		ProductID:   l.ProductID,
		ProductName: p.Name,
		MajorVer:    l.MajorVersion,
		Active:      v.Active,
		UserInfo:    l.UserInfo,
		SerialInfo:  describeSerial(l.SerialNum, l.ProductID, l.MajorVersion, l.UserInfo, v),
		Created:     utils.Pointer(l.Created.Unix()),
		OrderNum:    utils.Pointer(l.OrderNum),
		LastUsed:    utils.Pointer(utils.UnixOrZero(l.LastUsed)),
		Info:        &info,
	}
}

func revokedEntryOf(r store.Revocation, p *CatalogProduct, v store.Version) LicenseEntry {
	return LicenseEntry{
		SerialNum:    r.SerialNum,
		ProductID:    r.ProductID,
		ProductName:  p.Name,
		MajorVer:     r.MajorVersion,
		Active:       v.Active,
		UserInfo:     r.UserInfo,
		SerialInfo:   describeSerial(r.SerialNum, r.ProductID, r.MajorVersion, r.UserInfo, v),
		Revoked:      utils.Pointer(r.Created.Unix()),
		RevokeReason: utils.Pointer(r.Reason),
	}
}

type licensesResponse struct {
	Success  bool           `json:"success"`
	Licenses []LicenseEntry `json:"licenses"`
}

// HistoryEntry is one row of a get_history response.
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

type historyResponse struct {
	Success bool           `json:"success"`
	Entries []HistoryEntry `json:"entries"`
}

type versionResponse struct {
	Success bool              `json:"success"`
	PID     int               `json:"pid"`
	Major   int               `json:"major_ver"`
	Created int64             `json:"created"`
	Active  bool              `json:"active"`
	Info    store.VersionInfo `json:"info"`
}

// VersionEntry describes a version in get_major_vers. The secrets are hex
// strings when requested and false otherwise.
type VersionEntry struct {
	EncryptSecret  any               `json:"encrypt_secret"`
	ValidateSecret any               `json:"validate_secret"`
	Created        int64             `json:"created"`
	Active         bool              `json:"active"`
	Info           store.VersionInfo `json:"info"`
}

func versionEntryOf(v store.Version, withSecrets bool) VersionEntry {
	e := VersionEntry{
		EncryptSecret:  false,
		ValidateSecret: false,
		Created:        v.Created.Unix(),
		Active:         v.Active,
		Info:           v.Info,
	}

	if withSecrets {
		e.EncryptSecret = hex.EncodeToString(v.Secrets.Encrypt)
		e.ValidateSecret = hex.EncodeToString(v.Secrets.Validate)
	}

	return e
}

type versionsResponse struct {
	Success     bool                 `json:"success"`
	PID         int                  `json:"pid"`
	ProductName string               `json:"product_name"`
	Versions    map[int]VersionEntry `json:"versions"`
}

// ProductEntry describes a product in create_product and get_products.
type ProductEntry struct {
	Name      string `json:"name"`
	Created   int64  `json:"created"`
	MajorVers int    `json:"major_vers"`
}

type productResponse struct {
	Success bool `json:"success"`
	ID      int  `json:"id"`
	ProductEntry
}

type productsResponse struct {
	Success  bool                 `json:"success"`
	Products map[int]ProductEntry `json:"products"`
}
