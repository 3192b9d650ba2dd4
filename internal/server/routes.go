package server

import (
	"net/http"

	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/auth"
)

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/health", s.handleHealth)

	s.mux.HandleFunc("/api/login", s.handleLogin)
	s.mux.HandleFunc("/api/login/verify", s.handleLoginVerify)
	s.mux.HandleFunc("/api/login/backup", s.handleLoginBackup)
	s.mux.HandleFunc("/api/password/forgot", s.handleForgotPassword)
	s.mux.HandleFunc("/api/password/reset", s.handleResetPassword)
	s.mux.HandleFunc("/api/password", s.handleChangePassword)

	twoFA := auth.RequireTwoFactor()
	s.mux.HandleFunc("/api/2fa/setup", s.handleTwoFASetup)
	s.mux.HandleFunc("/api/2fa/enable", s.handleTwoFAEnable)
	s.mux.Handle("/api/2fa/disable", twoFA(http.HandlerFunc(s.handleTwoFADisable)))
	s.mux.Handle("/api/2fa/backup-codes", twoFA(http.HandlerFunc(s.handleRegenerateBackupCodes)))

	s.mux.HandleFunc("/api/records", s.handleRecords)
	s.mux.HandleFunc("/api/records/", s.handleRecordByID)

	s.mux.HandleFunc("/api/files", s.handleFiles)
	s.mux.HandleFunc("/api/files/", s.handleFileByID)

	superOnly := auth.RequireRole(auth.RoleSuper)
	s.mux.Handle("/api/admins", superOnly(http.HandlerFunc(s.handleProvisionAdmin)))
	s.mux.Handle("/api/security/events", superOnly(http.HandlerFunc(s.handleSecurityEvents)))
	s.mux.Handle("/api/security/stats", superOnly(http.HandlerFunc(s.handleSecurityStats)))
	s.mux.Handle("/api/security/audit", superOnly(http.HandlerFunc(s.handleAuditVerify)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
