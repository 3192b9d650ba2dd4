package server

import (
	"time"

	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/auth"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/sectrack"
)

// twoFAChallenge is the state between a correct password and a correct
// authenticator code. It carries no secret material; holding the ID only
// proves the password step happened.
type twoFAChallenge struct {
	Username string
	Roles    []auth.Role
	Expires  time.Time
}

type resetToken struct {
	Username string
	Email    string
	Expires  time.Time
}

type mailer interface {
	SendResetPassword(to, token string, expires time.Time) error
	SendSecurityAlert(to string, a sectrack.Alert) error
	Enabled() bool
}
