package controlplane

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// generalRateLimit is the sustained request rate allowed per
// control-plane connection before requests start failing.
const generalRateLimit = 1000

// authFailureLimit is the number of failed Authenticate attempts allowed
// per connection before a lockout kicks in.
const authFailureLimit = 10

// authLockoutDuration is how long a connection is locked out of
// authentication after exceeding authFailureLimit failures.
const authLockoutDuration = 60 * time.Second

// authWindow is how long the failure budget takes to fully refill once a
// connection stops failing to authenticate.
const authWindow = time.Minute

// authLimiter tracks failed-authentication attempts for one connection
// and imposes a lockout once the failure budget is exhausted. Grounded
// on kt-orchestrator/src/ipc/server.rs's ClientState auth rate limiter,
// expressed with golang.org/x/time/rate as the failure budget (matching
// the teacher's BandwidthMeter use of rate.Limiter in
// internal/relay/bandwidth.go) plus an explicit lockout deadline.
type authLimiter struct {
	mu           sync.Mutex
	budget       *rate.Limiter
	lockoutUntil time.Time
}

func newAuthLimiter() *authLimiter {
	return &authLimiter{
		budget: rate.NewLimiter(rate.Every(authWindow/authFailureLimit), authFailureLimit),
	}
}

// allowed reports whether this connection may attempt authentication
// right now.
func (a *authLimiter) allowed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Now().After(a.lockoutUntil)
}

// recordFailure consumes one unit of the failure budget and imposes a
// lockout once the budget is exhausted.
func (a *authLimiter) recordFailure() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.budget.Allow() {
		a.lockoutUntil = time.Now().Add(authLockoutDuration)
	}
}

// newGeneralLimiter returns a token-bucket limiter sized for the per-second
// request cap each control-plane connection is held to.
func newGeneralLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(generalRateLimit), generalRateLimit)
}
