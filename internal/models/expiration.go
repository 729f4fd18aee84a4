package models

import "time"

// Expiration is either Never or At a point in time. The zero value never
// expires.
type Expiration struct {
	at    time.Time
	fixed bool
}

// Never returns an expiration for a persistent session.
func Never() Expiration {
	return Expiration{}
}

// At returns an expiration at t.
func At(t time.Time) Expiration {
	return Expiration{at: t.UTC(), fixed: true}
}

// ExpirationFromPtr maps a nullable column to an Expiration.
func ExpirationFromPtr(t *time.Time) Expiration {
	if t == nil {
		return Never()
	}
	return At(*t)
}

// Never reports whether e never expires.
func (e Expiration) Never() bool {
	return !e.fixed
}

// Time returns the expiry instant and true, or false when e never expires.
func (e Expiration) Time() (time.Time, bool) {
	return e.at, e.fixed
}

// Ptr maps e to a nullable column value.
func (e Expiration) Ptr() *time.Time {
	if !e.fixed {
		return nil
	}
	t := e.at
	return &t
}

// Passed reports whether now is at or after the expiry instant.
func (e Expiration) Passed(now time.Time) bool {
	if !e.fixed {
		return false
	}
	return !now.Before(e.at)
}
