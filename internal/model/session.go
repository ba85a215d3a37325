package model

import "time"

// Session holds the vendor tokens of one authenticated account.
type Session struct {
	// IdentityToken authorizes calls against the identity-scoped vehicle list.
	IdentityToken string
	// AccessToken authorizes calls against the vehicle API.
	AccessToken  string
	RefreshToken string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

func (s Session) IsZero() bool {
	return s.AccessToken == ""
}

// Valid reports whether the access token is usable for at least margin more.
func (s Session) Valid(now time.Time, margin time.Duration) bool {
	if s.IsZero() {
		return false
	}
	return now.Add(margin).Before(s.ExpiresAt)
}

// StoredToken is the persisted part of a session.
type StoredToken struct {
	Account       string
	IdentityToken string
	AccessToken   string
	RefreshToken  string
	ExpiresAt     time.Time
	UpdatedAt     time.Time
}
