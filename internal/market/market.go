// Package market normalizes exchange market identifiers.
//
// The canonical form is QUOTE-BASE, e.g. "KRW-BTC". Upstream signal sources
// are sloppy about this and emit "BTC_KRW" or "KRW_BTC" as well; everything
// entering the execution layer goes through Normalize first.
package market

import (
	"fmt"
	"strings"
)

// quote currencies recognized when reordering a BASE_QUOTE identifier.
// When both parts of an identifier are themselves quote currencies
// (BTC_KRW, USDT_BTC), the lower-numbered one is taken as the quote, so
// all accepted spellings of a market map to the same canonical ID.
var quotePriority = map[string]int{
	"KRW":  0,
	"USDT": 1,
	"BTC":  2,
}

// Normalize converts a market identifier to canonical QUOTE-BASE form.
// Accepted inputs: "KRW-BTC", "KRW_BTC", "BTC_KRW" (any case).
func Normalize(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", fmt.Errorf("empty market identifier")
	}

	s = strings.ReplaceAll(s, "_", "-")
	parts := strings.Split(s, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("invalid market identifier: %q", raw)
	}

	first, second := parts[0], parts[1]
	p1, ok1 := quotePriority[first]
	p2, ok2 := quotePriority[second]
	switch {
	case ok1 && ok2:
		if p1 <= p2 {
			return first + "-" + second, nil
		}
		return second + "-" + first, nil
	case ok1:
		return first + "-" + second, nil
	case ok2:
		// BASE_QUOTE order, swap
		return second + "-" + first, nil
	default:
		return "", fmt.Errorf("no recognized quote currency in %q", raw)
	}
}

// MustNormalize is Normalize for identifiers known to be well formed.
// It panics on error and is meant for constants and tests.
func MustNormalize(raw string) string {
	m, err := Normalize(raw)
	if err != nil {
		panic(err)
	}
	return m
}

// Coin extracts the base coin symbol from a market identifier,
// e.g. "KRW-BTC" -> "BTC". Callers pass identifiers that already went
// through Normalize; a malformed one yields "".
func Coin(raw string) string {
	m, err := Normalize(raw)
	if err != nil {
		return ""
	}
	return strings.SplitN(m, "-", 2)[1]
}

// Quote extracts the quote currency, e.g. "KRW-BTC" -> "KRW".
// Like Coin, a malformed identifier yields "".
func Quote(raw string) string {
	m, err := Normalize(raw)
	if err != nil {
		return ""
	}
	return strings.SplitN(m, "-", 2)[0]
}
