package upbit

import (
	"errors"
	"fmt"
)

// APIError is a typed error returned by the exchange REST API.
type APIError struct {
	StatusCode int
	Name       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upbit api error %d (%s): %s", e.StatusCode, e.Name, e.Message)
}

// error names that mean the market itself is unavailable, as opposed to a
// transient or request-level failure
var suspendedErrorNames = map[string]bool{
	"market_does_not_exist": true,
	"market_suspended":      true,
	"trading_suspended":     true,
	"invalid_market":        true,
}

// IsMarketSuspended reports whether err is an exchange error indicating the
// market is unavailable for trading. Callers translate this to a
// MARKET_SUSPENDED rejection so strategies can blacklist the market.
func IsMarketSuspended(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return suspendedErrorNames[apiErr.Name]
	}
	return false
}

// IsAlreadyFilled reports whether a cancel attempt failed because the order
// already completed. The pending-order manager treats this as a fill race,
// not a failure.
func IsAlreadyFilled(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Name {
		case "order_not_found", "already_done", "cancel_rejected":
			return true
		}
	}
	return false
}

// ErrOrderNotFound is returned by GetOrder when the exchange has no record
// of the requested uuid.
var ErrOrderNotFound = errors.New("order not found")
