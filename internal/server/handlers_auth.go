package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/auth"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/crypto"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/sectrack"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/totp"
)

type loginReq struct {
	Username   string `json:"username"`
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type loginResp struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Note      string    `json:"note,omitempty"`
}

type twoFAChallengeResp struct {
	ChallengeID string    `json:"challenge_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	Note        string    `json:"note"`
}

type loginVerifyReq struct {
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`
}

type provisionReq struct {
	Username string      `json:"username"`
	Email    string      `json:"email"`
	Password string      `json:"password"`
	Roles    []auth.Role `json:"roles"`
}

type changePasswordReq struct {
	Current string `json:"current"`
	Next    string `json:"next"`
}

type forgotPasswordReq struct {
	Email    string `json:"email"`
	Username string `json:"username"`
}

type resetPasswordReq struct {
	Token string `json:"token"`
	Next  string `json:"next"`
}

const (
	challengeTTL = 3 * time.Minute
	resetTTL     = 15 * time.Minute
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req loginReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	identifier := strings.TrimSpace(req.Identifier)
	if identifier == "" {
		identifier = strings.TrimSpace(req.Username)
	}
	if identifier == "" {
		http.Error(w, "identifier required", http.StatusBadRequest)
		return
	}

	ip := getClientIP(r)
	if !s.thLogin.allow(ip) || !s.thLogin.allow("id:"+identifier) {
		tooManyNow(w)
		return
	}
	res := s.limits.CheckRule(ruleLogin, ip)
	if !res.Allowed {
		tooMany(w, res)
		return
	}
	rateHeaders(w, res)

	admin, err := s.admins.FindByUsername(identifier)
	if err != nil {
		admin, err = s.admins.FindByEmail(identifier)
	}
	if err != nil {
		s.audit("login", false, map[string]any{"identifier": identifier, "addr": ip})
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	ok, err := auth.VerifyPassword(req.Password, admin.PassHash)
	if err != nil || !ok {
		s.audit("login", false, map[string]any{"admin": admin.Username, "addr": ip})
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	s.maybeRehash(admin, req.Password)

	if admin.TOTPEnabled {
		challengeID, expires, err := s.newChallenge(admin.Username, admin.Roles)
		if err != nil {
			s.fail(w, r, http.StatusInternalServerError, "login failed", err)
			return
		}
		s.audit("login", true, map[string]any{"admin": admin.Username, "addr": ip, "stage": "password"})
		writeJSON(w, twoFAChallengeResp{
			ChallengeID: challengeID,
			ExpiresAt:   expires,
			Note:        "Submit the 6-digit code from your authenticator app.",
		})
		return
	}

	tok, exp, err := s.signer.IssueToken(admin.Username, admin.Roles, false)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "login failed", err)
		return
	}
	s.audit("login", true, map[string]any{"admin": admin.Username, "addr": ip})
	writeJSON(w, loginResp{
		Token:     tok,
		ExpiresAt: exp,
		Note:      "Two-factor authentication is not enabled on this account. Enable it under /api/2fa/setup.",
	})
}

// maybeRehash upgrades the stored hash after a successful verification when
// parameters have moved on. Best effort; the login does not fail on it.
func (s *Server) maybeRehash(admin *auth.Admin, password string) {
	if !auth.NeedsRehash(admin.PassHash, auth.DefaultArgon) {
		return
	}
	newHash, err := auth.HashPassword(auth.DefaultArgon, password)
	if err == nil {
		err = s.admins.UpdatePassword(admin.Username, newHash)
	}
	if err != nil {
		s.logger.Printf("rehash for %s: %v", admin.Username, err)
	}
}

func (s *Server) handleLoginVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req loginVerifyReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	challengeID := strings.TrimSpace(req.ChallengeID)
	code := strings.TrimSpace(req.Code)
	if challengeID == "" || code == "" {
		http.Error(w, "challenge id and code required", http.StatusBadRequest)
		return
	}

	ip := getClientIP(r)
	if !s.thVerify.allow(ip) || !s.thVerify.allow("c:"+challengeID) {
		tooManyNow(w)
		return
	}
	res := s.limits.CheckRule(ruleVerify, ip)
	if !res.Allowed {
		tooMany(w, res)
		return
	}
	rateHeaders(w, res)

	challenge := s.challenge(challengeID)
	if challenge == nil {
		http.Error(w, "invalid or expired challenge", http.StatusUnauthorized)
		return
	}
	admin, err := s.admins.FindByUsername(challenge.Username)
	if err != nil {
		s.clearChallenge(challengeID)
		http.Error(w, "invalid challenge", http.StatusUnauthorized)
		return
	}

	secret, err := s.sessionCodec.Decrypt(admin.TOTPSecret)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "verification failed", err)
		return
	}
	ok := totp.Verify(code, string(secret), time.Now().UTC())
	crypto.Zero(secret)

	s.track(sectrack.Event{
		AdminID:    admin.Username,
		ClientAddr: ip,
		Action:     sectrack.ActionVerify,
		Success:    ok,
	})
	if !ok {
		s.audit("2fa-verify", false, map[string]any{"admin": admin.Username, "addr": ip})
		http.Error(w, "invalid code", http.StatusUnauthorized)
		return
	}

	s.clearChallenge(challengeID)
	tok, exp, err := s.signer.IssueToken(admin.Username, admin.Roles, true)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "login failed", err)
		return
	}
	s.audit("2fa-verify", true, map[string]any{"admin": admin.Username, "addr": ip})
	writeJSON(w, loginResp{Token: tok, ExpiresAt: exp})
}

func (s *Server) handleLoginBackup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req loginVerifyReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	challengeID := strings.TrimSpace(req.ChallengeID)
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if challengeID == "" || code == "" {
		http.Error(w, "challenge id and code required", http.StatusBadRequest)
		return
	}

	ip := getClientIP(r)
	if !s.thVerify.allow(ip) || !s.thVerify.allow("c:"+challengeID) {
		tooManyNow(w)
		return
	}
	res := s.limits.CheckRule(ruleVerify, ip)
	if !res.Allowed {
		tooMany(w, res)
		return
	}
	rateHeaders(w, res)

	challenge := s.challenge(challengeID)
	if challenge == nil {
		http.Error(w, "invalid or expired challenge", http.StatusUnauthorized)
		return
	}
	admin, err := s.admins.FindByUsername(challenge.Username)
	if err != nil {
		s.clearChallenge(challengeID)
		http.Error(w, "invalid challenge", http.StatusUnauthorized)
		return
	}

	matched := -1
	for i, hash := range admin.BackupCodes {
		if crypto.VerifyBackupCode(code, hash) {
			matched = i
			break
		}
	}
	s.track(sectrack.Event{
		AdminID:    admin.Username,
		ClientAddr: ip,
		Action:     sectrack.ActionBackupUsed,
		Success:    matched >= 0,
	})
	if matched < 0 {
		s.audit("2fa-backup", false, map[string]any{"admin": admin.Username, "addr": ip})
		http.Error(w, "invalid code", http.StatusUnauthorized)
		return
	}

	remaining := append([]string(nil), admin.BackupCodes[:matched]...)
	remaining = append(remaining, admin.BackupCodes[matched+1:]...)
	if err := s.admins.SaveBackupCodes(admin.Username, remaining); err != nil {
		s.fail(w, r, http.StatusInternalServerError, "login failed", err)
		return
	}

	s.clearChallenge(challengeID)
	tok, exp, err := s.signer.IssueToken(admin.Username, admin.Roles, true)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "login failed", err)
		return
	}
	s.audit("2fa-backup", true, map[string]any{"admin": admin.Username, "addr": ip, "remaining": len(remaining)})
	writeJSON(w, loginResp{
		Token:     tok,
		ExpiresAt: exp,
		Note:      "Backup code consumed. Regenerate your codes if you are running low.",
	})
}

func (s *Server) newChallenge(username string, roles []auth.Role) (string, time.Time, error) {
	id, err := crypto.GenerateSessionToken()
	if err != nil {
		return "", time.Time{}, err
	}
	expires := time.Now().Add(challengeTTL)
	s.mu.Lock()
	for cid, ch := range s.challs {
		if ch.Username == username {
			delete(s.challs, cid)
		}
	}
	s.challs[id] = &twoFAChallenge{Username: username, Roles: roles, Expires: expires}
	s.mu.Unlock()
	return id, expires, nil
}

// challenge returns the live challenge for id, dropping it if expired.
// Failed code attempts keep the challenge alive until its TTL; the rate
// limits bound how many guesses that allows.
func (s *Server) challenge(id string) *twoFAChallenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challs[id]
	if !ok {
		return nil
	}
	if time.Now().After(ch.Expires) {
		delete(s.challs, id)
		return nil
	}
	return ch
}

func (s *Server) clearChallenge(id string) {
	s.mu.Lock()
	delete(s.challs, id)
	s.mu.Unlock()
}

func (s *Server) handleProvisionAdmin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}

	var req provisionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Username == "" {
		http.Error(w, "username required", http.StatusBadRequest)
		return
	}
	if req.Email == "" || !isValidEmail(req.Email) {
		http.Error(w, "valid email required", http.StatusBadRequest)
		return
	}
	if err := validatePassword(req.Password); err != nil {
		http.Error(w, "weak password: "+err.Error(), http.StatusBadRequest)
		return
	}

	hash, err := auth.HashPassword(auth.DefaultArgon, req.Password)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "provisioning failed", err)
		return
	}
	roles := req.Roles
	if len(roles) == 0 {
		roles = []auth.Role{auth.RoleAdmin}
	}

	admin := &auth.Admin{
		ID:       uuid.NewString(),
		Username: req.Username,
		Email:    req.Email,
		PassHash: hash,
		Roles:    roles,
	}
	if err := s.admins.Add(admin); err != nil {
		http.Error(w, "username or email already exists", http.StatusConflict)
		return
	}

	s.audit("admin-provision", true, map[string]any{"by": claims.Sub, "admin": admin.Username})
	writeJSONStatus(w, http.StatusCreated, map[string]string{"id": admin.ID, "username": admin.Username})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}

	var req changePasswordReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	current := strings.TrimSpace(req.Current)
	next := strings.TrimSpace(req.Next)
	if current == "" || next == "" {
		http.Error(w, "current and next passwords required", http.StatusBadRequest)
		return
	}
	if current == next {
		http.Error(w, "new password must differ from current password", http.StatusBadRequest)
		return
	}
	if err := validatePassword(next); err != nil {
		http.Error(w, "weak password: "+err.Error(), http.StatusBadRequest)
		return
	}

	admin, err := s.admins.FindByUsername(claims.Sub)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	passOK, err := auth.VerifyPassword(current, admin.PassHash)
	if err != nil || !passOK {
		s.audit("password-change", false, map[string]any{"admin": claims.Sub, "addr": getClientIP(r)})
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	newHash, err := auth.HashPassword(auth.DefaultArgon, next)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "password change failed", err)
		return
	}
	if err := s.admins.UpdatePassword(claims.Sub, newHash); err != nil {
		s.fail(w, r, http.StatusInternalServerError, "password change failed", err)
		return
	}

	tok, exp, err := s.signer.IssueToken(admin.Username, admin.Roles, claims.TwoFA)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "password change failed", err)
		return
	}
	s.audit("password-change", true, map[string]any{"admin": claims.Sub})
	writeJSON(w, loginResp{Token: tok, ExpiresAt: exp, Note: "Password updated."})
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req forgotPasswordReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))
	username := strings.TrimSpace(req.Username)
	if email == "" && username == "" {
		http.Error(w, "email or username required", http.StatusBadRequest)
		return
	}

	ip := getClientIP(r)
	if !s.thForgot.allow(ip) {
		tooManyNow(w)
		return
	}
	res := s.limits.CheckRule(ruleForgot, ip)
	if !res.Allowed {
		tooMany(w, res)
		return
	}
	rateHeaders(w, res)

	// The response is identical whether or not the account exists.
	resp := map[string]string{
		"note": "If the account exists, you'll receive a reset link shortly.",
	}

	var admin *auth.Admin
	var err error
	if email != "" {
		admin, err = s.admins.FindByEmail(email)
	} else {
		admin, err = s.admins.FindByUsername(username)
	}
	if err != nil || admin == nil || admin.Email == "" {
		writeJSON(w, resp)
		return
	}

	token, err := crypto.GenerateSessionToken()
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "reset failed", err)
		return
	}
	exp := time.Now().Add(resetTTL)

	s.mu.Lock()
	for t, existing := range s.resets {
		if existing.Username == admin.Username {
			delete(s.resets, t)
		}
	}
	s.resets[token] = resetToken{Username: admin.Username, Email: admin.Email, Expires: exp}
	s.mu.Unlock()

	if s.mail.Enabled() {
		if err := s.mail.SendResetPassword(admin.Email, token, exp); err != nil {
			s.logger.Printf("reset email error: %v", err)
		}
	} else {
		s.logger.Printf("password reset link for %s -> token=%s", admin.Email, token)
	}

	s.audit("password-forgot", true, map[string]any{"admin": admin.Username, "addr": ip})
	writeJSON(w, resp)
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req resetPasswordReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	token := strings.TrimSpace(req.Token)
	next := strings.TrimSpace(req.Next)
	if token == "" || next == "" {
		http.Error(w, "token and next password required", http.StatusBadRequest)
		return
	}
	if err := validatePassword(next); err != nil {
		http.Error(w, "weak password: "+err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	info, ok := s.resets[token]
	if ok && time.Now().After(info.Expires) {
		delete(s.resets, token)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	admin, err := s.admins.FindByUsername(info.Username)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	hash, err := auth.HashPassword(auth.DefaultArgon, next)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "reset failed", err)
		return
	}
	if err := s.admins.UpdatePassword(admin.Username, hash); err != nil {
		s.fail(w, r, http.StatusInternalServerError, "reset failed", err)
		return
	}

	s.mu.Lock()
	delete(s.resets, token)
	s.mu.Unlock()

	s.audit("password-reset", true, map[string]any{"admin": admin.Username})
	writeJSON(w, map[string]string{
		"note": "Password updated. Sign in with your new password and authenticator code.",
	})
}
