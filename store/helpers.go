package store

import (
	"time"

	"github.com/cyberinferno/go-licensesrv/utils"
)

// SecretLength is the size of each generated secret.
const SecretLength = 20

// NewSecrets draws a fresh pair of secrets from the CSPRNG.
func NewSecrets() (Secrets, error) {
	encrypt, err := utils.RandomBytes(SecretLength)
	if err != nil {
		return Secrets{}, err
	}

	validate, err := utils.RandomBytes(SecretLength)
	if err != nil {
		return Secrets{}, err
	}

	return Secrets{Encrypt: encrypt, Validate: validate}, nil
}

// ApplyActivation increments info.Activations or returns ErrLimitReached.
func ApplyActivation(info *LicenseInfo, limit *int) error {
	if limit != nil && info.Activations >= *limit {
		return ErrLimitReached
	}

	info.Activations++
	return nil
}

// ApplyDeactivation decrements info.Activations, stopping at zero.
func ApplyDeactivation(info *LicenseInfo) {
	if info.Activations > 0 {
		info.Activations--
	}
}

// ApplyDownload increments info.Downloads or returns ErrLimitReached.
func ApplyDownload(info *LicenseInfo, limit *int) error {
	if limit != nil && info.Downloads >= *limit {
		return ErrLimitReached
	}

	info.Downloads++
	return nil
}

// RevocationOf builds the revocation record of l.
func RevocationOf(l License, reason string, at time.Time) Revocation {
	return Revocation{
		LicenseID:    l.ID,
		SerialNum:    l.SerialNum,
		ProductID:    l.ProductID,
		MajorVersion: l.MajorVersion,
		UserInfo:     l.UserInfo,
		Created:      at,
		Reason:       reason,
	}
}

// HistoryEntryOf builds an unnumbered history entry for l.
func HistoryEntryOf(l License, typ, info string, at time.Time) HistoryEntry {
	return HistoryEntry{
		LicenseID:    l.ID,
		Type:         typ,
		Created:      at,
		Info:         info,
		SerialNum:    l.SerialNum,
		ProductID:    l.ProductID,
		MajorVersion: l.MajorVersion,
		UserInfo:     l.UserInfo,
	}
}

// MergeInfo returns next with the counters of current. Counters only change
// through the Record methods.
func MergeInfo(current, next LicenseInfo) LicenseInfo {
	next.Activations = current.Activations
	next.Downloads = current.Downloads
	return next
}
