package models

import "time"

// CredentialLease is a cached bearer token for an OAuth platform.
type CredentialLease struct {
	AccessToken string    `json:"access_token" db:"access_token"`
	IssuedAt    time.Time `json:"issued_at" db:"issued_at"`
}

// ValidAt reports whether the lease is younger than lifetime at now.
func (l CredentialLease) ValidAt(now time.Time, lifetime time.Duration) bool {
	return l.AccessToken != "" && now.Sub(l.IssuedAt) < lifetime
}
