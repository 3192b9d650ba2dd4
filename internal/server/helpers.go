package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/auth"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/ratelimit"
)

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// rateHeaders exposes the quota left in the current window. Set on every
// quota-checked response, allowed or denied.
func rateHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}

// tooMany answers a denied quota check with 429 and the window remainder.
func tooMany(w http.ResponseWriter, res ratelimit.Result) {
	rateHeaders(w, res)
	secs := int(res.RetryAfter / time.Second)
	if res.RetryAfter%time.Second > 0 {
		secs++
	}
	if secs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSONStatus(w, http.StatusTooManyRequests, map[string]any{
		"error":      "too many requests",
		"retryAfter": secs,
	})
}

// tooManyNow is the bare 429 for token-bucket denials, which carry no
// window boundary to report.
func tooManyNow(w http.ResponseWriter) {
	writeJSONStatus(w, http.StatusTooManyRequests, map[string]string{
		"error": "too many requests",
	})
}

var (
	reUpper = regexp.MustCompile(`[A-Z]`)
	reLower = regexp.MustCompile(`[a-z]`)
	reDigit = regexp.MustCompile(`[0-9]`)
	reSym   = regexp.MustCompile(`[^A-Za-z0-9]`)
	reEmail = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

func validatePassword(pw string) error {
	switch {
	case len(pw) < 12:
		return errors.New("password must be at least 12 characters")
	case strings.Contains(pw, " "):
		return errors.New("password must not contain spaces")
	case !reUpper.MatchString(pw):
		return errors.New("password must include an uppercase letter")
	case !reLower.MatchString(pw):
		return errors.New("password must include a lowercase letter")
	case !reDigit.MatchString(pw):
		return errors.New("password must include a digit")
	case !reSym.MatchString(pw):
		return errors.New("password must include a special character")
	default:
		return nil
	}
}

func isValidEmail(email string) bool {
	return reEmail.MatchString(email)
}

func hasRole(claims *auth.Claims, role auth.Role) bool {
	for _, r := range claims.Roles {
		if r == role {
			return true
		}
	}
	return false
}
