// ratelimit.go groups per-category rate limiters for the OKX v5 REST API.
//
// OKX enforces per-endpoint limits measured in requests per 2-second
// windows. The limiters refill continuously rather than in window-sized
// bursts so a busy loop never slams into a hard 50011 rejection.
//
// Four categories are maintained:
//   - Trade:   60 per 2s  (POST /trade/order)
//   - Cancel:  60 per 2s  (POST /trade/cancel-order)
//   - Market:  20 per 2s  (GET /market/books, /market/ticker)
//   - Account: 10 per 2s  (GET /account/balance)
package exchange

import (
	"golang.org/x/time/rate"
)

// RateLimiter holds one limiter per OKX endpoint category. Each REST call
// waits on its category's limiter before issuing the HTTP request.
type RateLimiter struct {
	Trade   *rate.Limiter
	Cancel  *rate.Limiter
	Market  *rate.Limiter
	Account *rate.Limiter
}

// NewRateLimiter creates limiters tuned to OKX's published per-category
// limits, with burst set to the 2-second window allowance.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Trade:   rate.NewLimiter(30, 60),
		Cancel:  rate.NewLimiter(30, 60),
		Market:  rate.NewLimiter(10, 20),
		Account: rate.NewLimiter(5, 10),
	}
}
