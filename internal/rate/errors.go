package rate

import "errors"

var (
	// ErrRateLimited means the client exhausted its failure budget for the window.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps any Redis transport failure.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
