package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/auth"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/crypto"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/sectrack"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/totp"
)

type twoFASetupResp struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"`
	Note   string `json:"note"`
}

type codeReq struct {
	Code string `json:"code"`
}

type backupCodesResp struct {
	Codes []string `json:"backup_codes"`
	Note  string   `json:"note"`
}

// handleTwoFASetup provisions a fresh TOTP secret for the caller. The
// secret stays pending (enabled=false) until a first code confirms the
// authenticator was actually enrolled.
func (s *Server) handleTwoFASetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}
	ip := getClientIP(r)

	if !s.tracker.ValidateSetupAttempt(claims.Sub, ip) {
		tooManyNow(w)
		return
	}
	res := s.limits.CheckRule(ruleSetup, claims.Sub)
	if !res.Allowed {
		tooMany(w, res)
		return
	}
	rateHeaders(w, res)

	admin, err := s.admins.FindByUsername(claims.Sub)
	if err != nil {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}
	if admin.TOTPEnabled {
		http.Error(w, "two-factor already enabled; disable it first", http.StatusConflict)
		return
	}

	secret, err := totp.GenerateSecret()
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "setup failed", err)
		return
	}
	envelope, err := s.sessionCodec.Encrypt([]byte(secret))
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "setup failed", err)
		return
	}
	if err := s.admins.SaveTOTP(admin.Username, envelope, false); err != nil {
		s.fail(w, r, http.StatusInternalServerError, "setup failed", err)
		return
	}

	s.track(sectrack.Event{
		AdminID:    admin.Username,
		ClientAddr: ip,
		Action:     sectrack.ActionSetup,
		Success:    true,
	})
	s.audit("2fa-setup", true, map[string]any{"admin": admin.Username, "addr": ip})
	writeJSON(w, twoFASetupResp{
		Secret: secret,
		URI:    totp.ProvisionURI(admin.Username, s.cfg.TOTPIssuer, secret),
		Note:   "Scan the URI, then confirm with a code at /api/2fa/enable.",
	})
}

func (s *Server) handleTwoFAEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}
	admin, err := s.admins.FindByUsername(claims.Sub)
	if err != nil {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}
	if admin.TOTPSecret == "" {
		http.Error(w, "run setup first", http.StatusConflict)
		return
	}
	if admin.TOTPEnabled {
		http.Error(w, "two-factor already enabled", http.StatusConflict)
		return
	}

	code, httpErr := readCode(r)
	if httpErr != "" {
		http.Error(w, httpErr, http.StatusBadRequest)
		return
	}
	ip := getClientIP(r)
	res := s.limits.CheckRule(ruleVerify, ip)
	if !res.Allowed {
		tooMany(w, res)
		return
	}
	rateHeaders(w, res)

	ok, err := s.verifyAdminTOTP(admin, code)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "verification failed", err)
		return
	}
	s.track(sectrack.Event{
		AdminID:    admin.Username,
		ClientAddr: ip,
		Action:     sectrack.ActionVerify,
		Success:    ok,
	})
	if !ok {
		s.audit("2fa-enable", false, map[string]any{"admin": admin.Username, "addr": ip})
		http.Error(w, "invalid code", http.StatusUnauthorized)
		return
	}

	if err := s.admins.SaveTOTP(admin.Username, admin.TOTPSecret, true); err != nil {
		s.fail(w, r, http.StatusInternalServerError, "enable failed", err)
		return
	}
	codes, err := s.issueBackupCodes(admin.Username)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "enable failed", err)
		return
	}

	s.audit("2fa-enable", true, map[string]any{"admin": admin.Username, "addr": ip})
	writeJSON(w, backupCodesResp{
		Codes: codes,
		Note:  "Two-factor enabled. Store these backup codes now; they are shown only once.",
	})
}

func (s *Server) handleTwoFADisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}
	admin, err := s.admins.FindByUsername(claims.Sub)
	if err != nil {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}
	if !admin.TOTPEnabled {
		http.Error(w, "two-factor not enabled", http.StatusConflict)
		return
	}

	code, httpErr := readCode(r)
	if httpErr != "" {
		http.Error(w, httpErr, http.StatusBadRequest)
		return
	}
	ip := getClientIP(r)
	res := s.limits.CheckRule(ruleVerify, ip)
	if !res.Allowed {
		tooMany(w, res)
		return
	}
	rateHeaders(w, res)

	ok, err := s.verifyAdminTOTP(admin, code)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "verification failed", err)
		return
	}
	if !ok {
		s.track(sectrack.Event{
			AdminID:    admin.Username,
			ClientAddr: ip,
			Action:     sectrack.ActionVerify,
			Success:    false,
		})
		s.audit("2fa-disable", false, map[string]any{"admin": admin.Username, "addr": ip})
		http.Error(w, "invalid code", http.StatusUnauthorized)
		return
	}

	if err := s.admins.SaveTOTP(admin.Username, "", false); err != nil {
		s.fail(w, r, http.StatusInternalServerError, "disable failed", err)
		return
	}
	if err := s.admins.SaveBackupCodes(admin.Username, nil); err != nil {
		s.fail(w, r, http.StatusInternalServerError, "disable failed", err)
		return
	}

	s.track(sectrack.Event{
		AdminID:    admin.Username,
		ClientAddr: ip,
		Action:     sectrack.ActionDisabled,
		Success:    true,
	})
	s.audit("2fa-disable", true, map[string]any{"admin": admin.Username, "addr": ip})
	writeJSON(w, map[string]string{
		"note": "Two-factor disabled. Backup codes were revoked.",
	})
}

func (s *Server) handleRegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}
	admin, err := s.admins.FindByUsername(claims.Sub)
	if err != nil {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}
	if !admin.TOTPEnabled {
		http.Error(w, "two-factor not enabled", http.StatusConflict)
		return
	}

	code, httpErr := readCode(r)
	if httpErr != "" {
		http.Error(w, httpErr, http.StatusBadRequest)
		return
	}
	ip := getClientIP(r)
	res := s.limits.CheckRule(ruleVerify, ip)
	if !res.Allowed {
		tooMany(w, res)
		return
	}
	rateHeaders(w, res)

	ok, err := s.verifyAdminTOTP(admin, code)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "verification failed", err)
		return
	}
	s.track(sectrack.Event{
		AdminID:    admin.Username,
		ClientAddr: ip,
		Action:     sectrack.ActionVerify,
		Success:    ok,
	})
	if !ok {
		s.audit("backup-regenerate", false, map[string]any{"admin": admin.Username, "addr": ip})
		http.Error(w, "invalid code", http.StatusUnauthorized)
		return
	}

	codes, err := s.issueBackupCodes(admin.Username)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "regeneration failed", err)
		return
	}

	s.audit("backup-regenerate", true, map[string]any{"admin": admin.Username, "addr": ip})
	writeJSON(w, backupCodesResp{
		Codes: codes,
		Note:  "Previous backup codes are void. Store the new set now.",
	})
}

func readCode(r *http.Request) (string, string) {
	var req codeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", "bad json"
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return "", "code required"
	}
	return code, ""
}

// verifyAdminTOTP opens the stored secret envelope just long enough to
// check the code.
func (s *Server) verifyAdminTOTP(admin *auth.Admin, code string) (bool, error) {
	secret, err := s.sessionCodec.Decrypt(admin.TOTPSecret)
	if err != nil {
		return false, err
	}
	ok := totp.Verify(code, string(secret), time.Now().UTC())
	crypto.Zero(secret)
	return ok, nil
}

// issueBackupCodes mints a full set, stores only the hashes and returns
// the plaintext codes for one-time display.
func (s *Server) issueBackupCodes(username string) ([]string, error) {
	codes, err := crypto.GenerateBackupCodes(crypto.BackupCodeCount)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(codes))
	for i, c := range codes {
		h, err := crypto.HashBackupCode(c)
		if err != nil {
			return nil, err
		}
		hashes[i] = h
	}
	if err := s.admins.SaveBackupCodes(username, hashes); err != nil {
		return nil, err
	}
	return codes, nil
}
