package negotiation

import (
	"errors"
	"strconv"
	"strings"
)

var ErrInvalidPrice = errors.New("invalid price")

// ParsePrice parses a decimal price string. Prices travel as strings on the
// wire so canonical hashing never depends on float printing; arithmetic here
// is float64 with shortest-form formatting, which strconv guarantees to be
// stable across hosts.
func ParsePrice(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidPrice
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, ErrInvalidPrice
	}
	return v, nil
}

// FormatPrice renders a price in shortest round-trip decimal form.
func FormatPrice(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
