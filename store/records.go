package store

import (
	"encoding/json"
	"time"
)

// Product is a licensed product. IDs are 0..1023 because serials carry them
// in ten bits.
type Product struct {
	ID      int       `json:"id"`
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
}

// Secrets are the per-version keys of the serial codec.
type Secrets struct {
	Encrypt  []byte `json:"encrypt"`
	Validate []byte `json:"validate"`
}

// Empty reports whether neither secret is set.
func (s Secrets) Empty() bool {
	return len(s.Encrypt) == 0 && len(s.Validate) == 0
}

// Version is one major version of a product.
type Version struct {
	ProductID    int         `json:"pid"`
	MajorVersion int         `json:"major_ver"`
	Secrets      Secrets     `json:"secrets"`
	Created      time.Time   `json:"created"`
	Active       bool        `json:"active"`
	Info         VersionInfo `json:"info"`
}

// VersionInfo is the free-form settings document of a version. Keys other
// than the known ones are kept in Extra and survive a round trip.
type VersionInfo struct {
	// ProductClasses maps product class numbers (0..15) to display names.
	ProductClasses map[int]string
	// EncodeChars is an alternate 32-symbol serial alphabet.
	EncodeChars string
	// MaxActivations and MaxDownloads are the version-wide defaults used
	// when a license sets no limit of its own.
	MaxActivations *int
	MaxDownloads   *int
	Extra          map[string]json.RawMessage
}

type versionInfoJSON struct {
	ProductClasses map[int]string `json:"product_classes"`
	EncodeChars    string         `json:"encode_chars,omitempty"`
	MaxActivations *int           `json:"max_activations,omitempty"`
	MaxDownloads   *int           `json:"max_downloads,omitempty"`
}

var versionInfoKeys = []string{"product_classes", "encode_chars", "max_activations", "max_downloads"}

// MarshalJSON implements json.Marshaler.
func (v VersionInfo) MarshalJSON() ([]byte, error) {
	classes := v.ProductClasses
	if classes == nil {
		classes = map[int]string{}
	}

	return marshalWithExtra(versionInfoJSON{
		ProductClasses: classes,
		EncodeChars:    v.EncodeChars,
		MaxActivations: v.MaxActivations,
		MaxDownloads:   v.MaxDownloads,
	}, v.Extra)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *VersionInfo) UnmarshalJSON(data []byte) error {
	var known versionInfoJSON
	extra, err := unmarshalWithExtra(data, &known, versionInfoKeys)
	if err != nil {
		return err
	}

	*v = VersionInfo{
		ProductClasses: known.ProductClasses,
		EncodeChars:    known.EncodeChars,
		MaxActivations: known.MaxActivations,
		MaxDownloads:   known.MaxDownloads,
		Extra:          extra,
	}
	return nil
}

// License is an issued serial number bound to a user.
type License struct {
	ID           int64       `json:"id"`
	SerialNum    string      `json:"serial_num"`
	ProductID    int         `json:"pid"`
	MajorVersion int         `json:"major_ver"`
	UserInfo     string      `json:"userinfo"`
	OrderNum     int         `json:"order_num"`
	Created      time.Time   `json:"created"`
	LastUsed     time.Time   `json:"lastused"`
	Info         LicenseInfo `json:"info"`
}

// LicenseInfo is the free-form document attached to a license. The known
// keys are typed; any other key is preserved in Extra.
type LicenseInfo struct {
	Password       string
	Activations    int
	Downloads      int
	MaxActivations *int
	MaxDownloads   *int
	Extra          map[string]json.RawMessage
}

type licenseInfoJSON struct {
	Password       string `json:"password,omitempty"`
	Activations    int    `json:"activations"`
	Downloads      int    `json:"downloads"`
	MaxActivations *int   `json:"max_activations,omitempty"`
	MaxDownloads   *int   `json:"max_downloads,omitempty"`
}

var licenseInfoKeys = []string{"password", "activations", "downloads", "max_activations", "max_downloads"}

// MarshalJSON implements json.Marshaler.
func (l LicenseInfo) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(licenseInfoJSON{
		Password:       l.Password,
		Activations:    l.Activations,
		Downloads:      l.Downloads,
		MaxActivations: l.MaxActivations,
		MaxDownloads:   l.MaxDownloads,
	}, l.Extra)
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *LicenseInfo) UnmarshalJSON(data []byte) error {
	var known licenseInfoJSON
	extra, err := unmarshalWithExtra(data, &known, licenseInfoKeys)
	if err != nil {
		return err
	}

	*l = LicenseInfo{
		Password:       known.Password,
		Activations:    known.Activations,
		Downloads:      known.Downloads,
		MaxActivations: known.MaxActivations,
		MaxDownloads:   known.MaxDownloads,
		Extra:          extra,
	}
	return nil
}

// Revocation records why and when a license was revoked, together with the
// identity of the license so callers need no extra lookup.
type Revocation struct {
	LicenseID    int64     `json:"lid"`
	SerialNum    string    `json:"serial_num"`
	ProductID    int       `json:"pid"`
	MajorVersion int       `json:"major_ver"`
	UserInfo     string    `json:"userinfo"`
	Created      time.Time `json:"created"`
	Reason       string    `json:"reason"`
}

// HistoryEntry is one audit log record of a license.
type HistoryEntry struct {
	ID           int64     `json:"id"`
	LicenseID    int64     `json:"lid"`
	Type         string    `json:"type"`
	Created      time.Time `json:"created"`
	Info         string    `json:"info"`
	SerialNum    string    `json:"serial_num"`
	ProductID    int       `json:"pid"`
	MajorVersion int       `json:"major_ver"`
	UserInfo     string    `json:"userinfo"`
}

func marshalWithExtra(known any, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(known)
	if err != nil || len(extra) == 0 {
		return data, err
	}

	merged := make(map[string]json.RawMessage, len(extra)+5)
	for k, v := range extra {
		merged[k] = v
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}

	return json.Marshal(merged)
}

func unmarshalWithExtra(data []byte, known any, knownKeys []string) (map[string]json.RawMessage, error) {
	if err := json.Unmarshal(data, known); err != nil {
		return nil, err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}

	for _, k := range knownKeys {
		delete(all, k)
	}

	if len(all) == 0 {
		return nil, nil
	}

	return all, nil
}
