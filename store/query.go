package store

import (
	"strings"
	"time"

	"github.com/cyberinferno/go-licensesrv/utils"
)

// DefaultSearchLimit and UserSearchLimit bound SearchLicenses results; a
// query restricted by user info may return more rows.
const (
	DefaultSearchLimit = 25
	UserSearchLimit    = 1000
	HistoryLimit       = 100
)

// LicenseQuery selects licenses. Unset criteria are ignored; a query with no
// criteria matches nothing.
type LicenseQuery struct {
	SerialNum string
	// OrderWindow and OrderNum together locate a license by its order
	// number within the window starting at OrderWindow.
	OrderWindow time.Time
	OrderNum    int
	UserInfo    string
	// UserInfoPrefix matches UserInfo as a prefix instead of exactly.
	UserInfoPrefix bool
	// ProductID and MajorVersion restrict to one product version; both
	// must be set.
	ProductID    *int
	MajorVersion *int
	Limit        int
}

// Empty reports whether q has no criteria.
func (q LicenseQuery) Empty() bool {
	return q.SerialNum == "" && !q.hasOrder() && q.UserInfo == "" && !q.hasVersion()
}

func (q LicenseQuery) hasOrder() bool {
	return !q.OrderWindow.IsZero() && q.OrderNum > 0
}

func (q LicenseQuery) hasVersion() bool {
	return q.ProductID != nil && q.MajorVersion != nil
}

// EffectiveLimit returns Limit, or the default for the kind of query.
func (q LicenseQuery) EffectiveLimit() int {
	if q.Limit > 0 {
		return q.Limit
	}

	if q.UserInfo != "" {
		return UserSearchLimit
	}

	return DefaultSearchLimit
}

// Matches reports whether l satisfies every set criterion.
func (q LicenseQuery) Matches(l License) bool {
	if q.Empty() {
		return false
	}

	if q.SerialNum != "" && l.SerialNum != q.SerialNum {
		return false
	}

	if q.hasOrder() {
		start := utils.WindowStart(q.OrderWindow, OrderWindow)
		if l.OrderNum != q.OrderNum || l.Created.Before(start) || !l.Created.Before(start.Add(OrderWindow)) {
			return false
		}
	}

	if q.UserInfo != "" {
		if q.UserInfoPrefix {
			if !strings.HasPrefix(l.UserInfo, q.UserInfo) {
				return false
			}
		} else if l.UserInfo != q.UserInfo {
			return false
		}
	}

	if q.hasVersion() && (l.ProductID != *q.ProductID || l.MajorVersion != *q.MajorVersion) {
		return false
	}

	return true
}

// RevokedQuery filters ListRevoked. Nil fields match everything.
type RevokedQuery struct {
	ProductID    *int
	MajorVersion *int
}

// Matches reports whether r satisfies q.
func (q RevokedQuery) Matches(r Revocation) bool {
	if q.ProductID != nil && r.ProductID != *q.ProductID {
		return false
	}

	return q.MajorVersion == nil || r.MajorVersion == *q.MajorVersion
}

// HistoryQuery filters GetHistory. Unset fields match everything.
type HistoryQuery struct {
	ID           int64
	SerialNum    string
	UserInfo     string
	ProductID    *int
	MajorVersion *int
	Type         string
	Limit        int
}

// EffectiveLimit returns Limit or HistoryLimit.
func (q HistoryQuery) EffectiveLimit() int {
	if q.Limit > 0 {
		return q.Limit
	}

	return HistoryLimit
}

// Matches reports whether e satisfies q.
func (q HistoryQuery) Matches(e HistoryEntry) bool {
	switch {
	case q.ID != 0 && e.ID != q.ID:
		return false
	case q.SerialNum != "" && e.SerialNum != q.SerialNum:
		return false
	case q.UserInfo != "" && e.UserInfo != q.UserInfo:
		return false
	case q.ProductID != nil && q.MajorVersion != nil && (e.ProductID != *q.ProductID || e.MajorVersion != *q.MajorVersion):
		return false
	case q.Type != "" && e.Type != q.Type:
		return false
	}

	return true
}
