// Package ratelimit enforces sliding-window request budgets per client
// key. Every auth endpoint has its own class with an independent counter,
// so exhausting the login budget never touches the logout budget.
package ratelimit

import (
	"context"
	"time"
)

// Class is a named budget: at most Limit requests per Window per key.
type Class struct {
	Name   string
	Limit  int
	Window time.Duration
}

var (
	ClassLogin    = Class{Name: "login", Limit: 5, Window: time.Minute}
	ClassRegister = Class{Name: "register", Limit: 3, Window: time.Minute}
	ClassSwitch   = Class{Name: "switch", Limit: 10, Window: time.Minute}
	ClassLogout   = Class{Name: "logout", Limit: 5, Window: time.Minute}
)

// Result reports the budget state after one Allow call. Remaining and
// ResetAt are returned for allowed and denied requests alike so the
// response headers can always be written.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter counts a request against the class budget for the given key
// and reports whether it may proceed. Denied requests are not counted,
// so hammering a limited endpoint does not push the reset further out.
type Limiter interface {
	Allow(ctx context.Context, class Class, key string) (Result, error)
}
