package licenseclient

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/cyberinferno/go-licensesrv/store"
)

// OrderNumber identifies a license by its order number, which is only
// unique within the ten minute window of the license's creation time.
type OrderNumber struct {
	Prefix string
	// Created is the Unix time of the start of the window.
	Created  int64
	OrderNum int
}

// UserOrderNumber formats the order number shown to customers: prefix
// without digits, the creation window, a dash and the four digit order
// number, e.g. "SHOP2874931-0042".
//
// Returns:
//   - The formatted order number, or false if the license has none
func UserOrderNumber(prefix string, created time.Time, orderNum int) (string, bool) {
	if orderNum < 1 {
		return "", false
	}

	prefix = strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return -1
		}
		return r
	}, prefix)

	window := int64(store.OrderWindow / time.Second)
	return fmt.Sprintf("%s%d-%04d", prefix, created.Unix()/window, orderNum), true
}

// ParseOrderNumber splits a customer order number produced by
// UserOrderNumber.
func ParseOrderNumber(s string) (OrderNumber, error) {
	s = strings.TrimSpace(s)

	split := strings.IndexFunc(s, func(r rune) bool { return r >= '0' && r <= '9' })
	if split < 0 {
		return OrderNumber{}, fmt.Errorf("order number %q: no digits", s)
	}

	parts := strings.Split(strings.TrimFunc(s[split:], unicode.IsSpace), "-")
	if len(parts) != 2 {
		return OrderNumber{}, fmt.Errorf("order number %q: expected <window>-<number>", s)
	}

	window, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return OrderNumber{}, fmt.Errorf("order number %q: %w", s, err)
	}
	num, err := strconv.Atoi(parts[1])
	if err != nil {
		return OrderNumber{}, fmt.Errorf("order number %q: %w", s, err)
	}

	return OrderNumber{
		Prefix:   s[:split],
		Created:  window * int64(store.OrderWindow/time.Second),
		OrderNum: num,
	}, nil
}
