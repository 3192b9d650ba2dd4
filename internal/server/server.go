package server

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/audit"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/auth"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/crypto"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/fieldcrypt"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/ratelimit"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/sectrack"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/storage"
)

// Quota rules, one counter space each. Edge throttles absorb bursts in
// front of these.
var (
	ruleLogin     = ratelimit.Rule{Name: "login", Window: time.Minute, Max: 5}
	ruleVerify    = ratelimit.Rule{Name: "2fa-verify", Window: 5 * time.Minute, Max: 10}
	ruleSetup     = ratelimit.Rule{Name: "2fa-setup", Window: 15 * time.Minute, Max: 5}
	ruleFileToken = ratelimit.Rule{Name: "file-token", Window: time.Minute, Max: 30}
	ruleDownload  = ratelimit.Rule{Name: "file-download", Window: time.Minute, Max: 60}
	ruleForgot    = ratelimit.Rule{Name: "password-forgot", Window: 15 * time.Minute, Max: 5}
)

type Server struct {
	cfg Config

	mux     *http.ServeMux
	signer  *auth.JWTSigner
	admins  auth.AdminStore
	blobs   storage.BlobStore
	files   storage.FileMetaStore
	records storage.RecordStore

	fields       *fieldcrypt.Service
	sessionCodec *crypto.Codec

	limits  *ratelimit.Limiter
	tracker *sectrack.Tracker
	auditor *audit.Log
	mail    mailer

	logger *log.Logger

	mu     sync.Mutex
	challs map[string]*twoFAChallenge
	resets map[string]resetToken

	thLogin  *throttle
	thVerify *throttle
	thForgot *throttle

	masterKey []byte
	fieldKey  []byte
	auditFile *os.File
}

// Deps are the injectable backends. New fills them from Config for
// production; tests hand in memory stores directly.
type Deps struct {
	Admins    auth.AdminStore
	Blobs     storage.BlobStore
	Files     storage.FileMetaStore
	Records   storage.RecordStore
	Signer    *auth.JWTSigner
	Mail      mailer
	AuditSink io.Writer
}

func New(ctx context.Context, cfg Config) (*Server, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.MongoURI == "" {
		return nil, errors.New("server: MongoURI required")
	}
	if cfg.MongoDB == "" {
		return nil, errors.New("server: MongoDB required")
	}

	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx, nil); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, err
	}

	admins, err := auth.NewMongoAdminStoreWithClient(cli, cfg.MongoDB, cfg.AdminsCollection)
	if err != nil {
		return nil, err
	}
	files, err := storage.NewMongoFileMetaStoreWithClient(cli, cfg.MongoDB, cfg.FilesCollection)
	if err != nil {
		return nil, err
	}
	records, err := storage.NewMongoRecordStoreWithClient(cli, cfg.MongoDB, cfg.RecordsCollection)
	if err != nil {
		return nil, err
	}

	var blobs storage.BlobStore
	switch cfg.BlobBackend {
	case "s3":
		blobs, err = storage.NewS3BlobStore(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
	case "file":
		blobs = storage.NewFileBlobStore(cfg.BlobDir)
	default:
		blobs, err = storage.NewMongoBlobStoreWithClient(cli, cfg.MongoDB, cfg.BlobsCollection)
		if err != nil {
			return nil, err
		}
	}

	var sink io.Writer
	var auditFile *os.File
	if cfg.AuditPath != "" {
		auditFile, err = os.OpenFile(cfg.AuditPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, err
		}
		sink = auditFile
	}

	s, err := NewWithDeps(cfg, Deps{
		Admins:    admins,
		Blobs:     blobs,
		Files:     files,
		Records:   records,
		AuditSink: sink,
	})
	if err != nil {
		if auditFile != nil {
			_ = auditFile.Close()
		}
		return nil, err
	}
	s.auditFile = auditFile

	if err := s.ensureSeedAdmins(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewWithDeps derives both key planes, builds the crypto services and
// wires the handler table. cfg must already pass validate.
func NewWithDeps(cfg Config, d Deps) (*Server, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if d.Admins == nil || d.Blobs == nil || d.Files == nil || d.Records == nil {
		return nil, errors.New("server: all stores are required")
	}

	logger := log.New(os.Stdout, "[securityd] ", log.LstdFlags|log.Lshortfile)

	masterKey, err := crypto.DeriveMasterKey(cfg.MasterKey)
	if err != nil {
		return nil, err
	}
	fieldKey, err := crypto.DeriveMasterKey(cfg.FieldKey)
	if err != nil {
		crypto.DestroyKey(masterKey)
		return nil, err
	}

	sessionCodec, err := crypto.NewCodec(masterKey)
	if err != nil {
		return nil, err
	}
	fieldCodec, err := crypto.NewCodec(fieldKey)
	if err != nil {
		return nil, err
	}

	tokenKey := crypto.SubKey(fieldKey, "file-access-token")
	sealKey := crypto.SubKey(masterKey, "audit-seal")

	fields, err := fieldcrypt.New(fieldCodec, tokenKey, cfg.TokenIssuer)
	if err != nil {
		return nil, err
	}

	signer := d.Signer
	if signer == nil {
		priv, _, err := auth.GenerateEd25519()
		if err != nil {
			return nil, err
		}
		signer = auth.NewJWTSigner(priv, cfg.JWTIssuer, cfg.TokenTTL)
	}

	s := &Server{
		cfg:          cfg,
		mux:          http.NewServeMux(),
		signer:       signer,
		admins:       d.Admins,
		blobs:        d.Blobs,
		files:        d.Files,
		records:      d.Records,
		fields:       fields,
		sessionCodec: sessionCodec,
		limits:       ratelimit.New(),
		tracker:      sectrack.New(),
		auditor:      audit.New(d.AuditSink, sealKey),
		logger:       logger,
		challs:       map[string]*twoFAChallenge{},
		resets:       map[string]resetToken{},
		masterKey:    masterKey,
		fieldKey:     fieldKey,
	}

	s.mail = d.Mail
	if s.mail == nil {
		s.mail = newSMTPMailer(cfg.SMTP, s.logger)
	}

	s.thLogin = newThrottle(perWindow(10, time.Minute), 10, 1*time.Hour)
	s.thVerify = newThrottle(perWindow(10, time.Minute), 10, 10*time.Minute)
	s.thForgot = newThrottle(perWindow(5, 15*time.Minute), 5, 30*time.Minute)

	s.routes()
	return s, nil
}

// StartSweeper prunes expired rate-limit windows until ctx is cancelled.
func (s *Server) StartSweeper(ctx context.Context) {
	go s.limits.RunSweeper(ctx, time.Minute)
}

// Close wipes the derived keys and releases the audit sink.
func (s *Server) Close() error {
	crypto.DestroyKey(s.masterKey)
	crypto.DestroyKey(s.fieldKey)
	if s.auditFile != nil {
		return s.auditFile.Close()
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Printf("panic: %v", rec)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}()

	s.addDefaultHeaders(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	path := r.URL.Path
	if strings.HasPrefix(path, "/api/") {
		if s.isPublic(path) {
			s.mux.ServeHTTP(w, r)
			return
		}
		handler := auth.AuthRequired(s.signer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.mux.ServeHTTP(w, r)
		}))
		handler.ServeHTTP(w, r)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s
}

func (s *Server) isPublic(path string) bool {
	switch path {
	case "/health", "/api/health", "/api/login", "/api/login/verify", "/api/login/backup",
		"/api/password/forgot", "/api/password/reset":
		return true
	}
	// Downloads authenticate with a signed file token instead of a bearer.
	if strings.HasPrefix(path, "/api/files/") && strings.HasSuffix(path, "/download") {
		return true
	}
	return false
}

func (s *Server) addDefaultHeaders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	if strings.HasPrefix(r.URL.Path, "/api/") {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
}

func (s *Server) ensureSeedAdmins() error {
	for _, seed := range s.cfg.SeedAdmins {
		if strings.TrimSpace(seed.Username) == "" || strings.TrimSpace(seed.Password) == "" {
			continue
		}
		if _, err := s.admins.FindByUsername(seed.Username); err == nil {
			continue
		}
		hash, err := auth.HashPassword(auth.DefaultArgon, seed.Password)
		if err != nil {
			return err
		}
		roles := seed.Roles
		if len(roles) == 0 {
			roles = []auth.Role{auth.RoleAdmin}
		}
		id, err := crypto.GenerateSessionToken()
		if err != nil {
			return err
		}
		admin := &auth.Admin{
			ID:       id,
			Username: seed.Username,
			Email:    strings.TrimSpace(strings.ToLower(seed.Email)),
			PassHash: hash,
			Roles:    roles,
		}
		if err := s.admins.Add(admin); err != nil {
			return err
		}
		s.logger.Printf("seeded admin %s (%s)", seed.Username, strings.Join(roleNames(roles), ","))
	}
	return nil
}

func roleNames(rs []auth.Role) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = string(r)
	}
	return out
}

// fail logs the detailed cause and answers with a generic body, keeping
// decrypt and key failures indistinguishable from the outside.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, code int, public string, err error) {
	if err != nil {
		s.logger.Printf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSONStatus(w, code, map[string]string{"error": public})
}

// track records a two-factor event and fans any resulting alert out to the
// log, the audit trail and the alert mailbox.
func (s *Server) track(e sectrack.Event) {
	if alert := s.tracker.Record(e); alert != nil {
		s.notifyAlert(*alert)
	}
}

func (s *Server) notifyAlert(a sectrack.Alert) {
	s.logger.Printf("security alert: admin=%s addr=%s failures=%d window=%s", a.AdminID, a.ClientAddr, a.Failures, a.Window)
	s.audit("security-alert", false, map[string]any{
		"admin":    a.AdminID,
		"addr":     a.ClientAddr,
		"failures": a.Failures,
	})
	if s.mail.Enabled() && s.cfg.AlertEmail != "" {
		if err := s.mail.SendSecurityAlert(s.cfg.AlertEmail, a); err != nil {
			s.logger.Printf("alert email error: %v", err)
		}
	}
}

func (s *Server) audit(action string, success bool, meta map[string]any) {
	if _, err := s.auditor.Record(action, success, meta); err != nil {
		s.logger.Printf("audit %s: %v", action, err)
	}
}
