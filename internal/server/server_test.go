package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/auth"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/storage"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/totp"
)

const (
	testPassword = "Str0ng!Passw0rd"
	testAddr     = "203.0.113.10:4455"
)

type testEnv struct {
	srv     *Server
	admins  *auth.MemoryAdminStore
	blobs   *storage.MemoryBlobStore
	files   *storage.MemoryFileMetaStore
	records *storage.MemoryRecordStore
	audit   *bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		admins:  auth.NewMemoryAdminStore(),
		blobs:   storage.NewMemoryBlobStore(),
		files:   storage.NewMemoryFileMetaStore(),
		records: storage.NewMemoryRecordStore(),
		audit:   &bytes.Buffer{},
	}
	cfg := Config{
		MasterKey: "unit-test-master-key-plane-A-0123456789",
		FieldKey:  "unit-test-field-key-plane-B-0123456789",
	}
	srv, err := NewWithDeps(cfg, Deps{
		Admins:    env.admins,
		Blobs:     env.blobs,
		Files:     env.files,
		Records:   env.records,
		Mail:      &noopMailer{},
		AuditSink: env.audit,
	})
	if err != nil {
		t.Fatalf("NewWithDeps: %v", err)
	}
	env.srv = srv
	return env
}

func (e *testEnv) seedAdmin(t *testing.T, username string, roles ...auth.Role) {
	t.Helper()
	hash, err := auth.HashPassword(auth.DefaultArgon, testPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if len(roles) == 0 {
		roles = []auth.Role{auth.RoleAdmin}
	}
	err = e.admins.Add(&auth.Admin{
		ID:       "id-" + username,
		Username: username,
		Email:    username + "@example.com",
		PassHash: hash,
		Roles:    roles,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", username, err)
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = testAddr
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func parseBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
}

func (e *testEnv) login(t *testing.T, username string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/login", "", loginReq{Username: username, Password: testPassword})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: code %d body %s", rec.Code, rec.Body.String())
	}
	var resp loginResp
	parseBody(t, rec, &resp)
	if resp.Token == "" {
		t.Fatal("login: empty token")
	}
	return resp.Token
}

// enableTwoFactor walks the full setup flow and returns the shared secret
// plus the one-time backup codes.
func (e *testEnv) enableTwoFactor(t *testing.T, token string) (string, []string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/2fa/setup", token, struct{}{})
	if rec.Code != http.StatusOK {
		t.Fatalf("setup: code %d body %s", rec.Code, rec.Body.String())
	}
	var setup twoFASetupResp
	parseBody(t, rec, &setup)
	if setup.Secret == "" || !strings.Contains(setup.URI, "otpauth://") {
		t.Fatalf("setup: bad response %+v", setup)
	}

	code, err := totp.GenerateCode(setup.Secret, time.Now().UTC())
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	rec = e.do(t, http.MethodPost, "/api/2fa/enable", token, codeReq{Code: code})
	if rec.Code != http.StatusOK {
		t.Fatalf("enable: code %d body %s", rec.Code, rec.Body.String())
	}
	var enabled backupCodesResp
	parseBody(t, rec, &enabled)
	if len(enabled.Codes) == 0 {
		t.Fatal("enable: no backup codes")
	}
	return setup.Secret, enabled.Codes
}

func (e *testEnv) challengeFor(t *testing.T, username string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/login", "", loginReq{Username: username, Password: testPassword})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: code %d body %s", rec.Code, rec.Body.String())
	}
	var ch twoFAChallengeResp
	parseBody(t, rec, &ch)
	if ch.ChallengeID == "" {
		t.Fatalf("expected a challenge, got %s", rec.Body.String())
	}
	return ch.ChallengeID
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: code %d", rec.Code)
	}
	if got := rec.Body.String(); got != "ok" {
		t.Fatalf("health body %q", got)
	}
}

func TestProtectedRoutesRejectMissingToken(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/records", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestLoginIssuesUsableToken(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t, "alice")

	token := env.login(t, "alice")
	rec := env.do(t, http.MethodGet, "/api/records", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("records with token: code %d body %s", rec.Code, rec.Body.String())
	}
}

func TestLoginWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t, "alice")

	rec := env.do(t, http.MethodPost, "/api/login", "", loginReq{Username: "alice", Password: "Wr0ng!Password!"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestLoginQuotaExhaustion(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t, "alice")

	for i := 0; i < 5; i++ {
		rec := env.do(t, http.MethodPost, "/api/login", "", loginReq{Username: "alice", Password: "Wr0ng!Password!"})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, rec.Code)
		}
		if want := strconv.Itoa(4 - i); rec.Header().Get("X-RateLimit-Remaining") != want {
			t.Fatalf("attempt %d: X-RateLimit-Remaining = %q, want %q",
				i+1, rec.Header().Get("X-RateLimit-Remaining"), want)
		}
	}
	rec := env.do(t, http.MethodPost, "/api/login", "", loginReq{Username: "alice", Password: "Wr0ng!Password!"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after quota, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Fatal("expected X-RateLimit-Reset header")
	}
	var body struct {
		RetryAfter int `json:"retryAfter"`
	}
	parseBody(t, rec, &body)
	if body.RetryAfter < 1 {
		t.Fatalf("retryAfter = %d, want >= 1", body.RetryAfter)
	}
}

func TestTwoFactorLoginFlow(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t, "bob")

	firstToken := env.login(t, "bob")
	secret, _ := env.enableTwoFactor(t, firstToken)

	// The pre-2FA token must not reach two-factor-gated routes.
	rec := env.do(t, http.MethodPost, "/api/2fa/disable", firstToken, codeReq{Code: "000000"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("pre-2fa token on gated route: expected 403, got %d", rec.Code)
	}

	challengeID := env.challengeFor(t, "bob")
	code, err := totp.GenerateCode(secret, time.Now().UTC())
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	rec = env.do(t, http.MethodPost, "/api/login/verify", "", loginVerifyReq{ChallengeID: challengeID, Code: code})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: code %d body %s", rec.Code, rec.Body.String())
	}
	var resp loginResp
	parseBody(t, rec, &resp)

	// A fully verified session may manage backup codes.
	code2, err := totp.GenerateCode(secret, time.Now().UTC())
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	rec = env.do(t, http.MethodPost, "/api/2fa/backup-codes", resp.Token, codeReq{Code: code2})
	if rec.Code != http.StatusOK {
		t.Fatalf("regenerate with 2fa token: code %d body %s", rec.Code, rec.Body.String())
	}

	// The consumed challenge is gone.
	rec = env.do(t, http.MethodPost, "/api/login/verify", "", loginVerifyReq{ChallengeID: challengeID, Code: code})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replayed challenge: expected 401, got %d", rec.Code)
	}
}

func TestTwoFactorWrongCode(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t, "bob")

	token := env.login(t, "bob")
	secret, _ := env.enableTwoFactor(t, token)
	challengeID := env.challengeFor(t, "bob")

	wrong := wrongCodeFor(t, secret)
	rec := env.do(t, http.MethodPost, "/api/login/verify", "", loginVerifyReq{ChallengeID: challengeID, Code: wrong})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong code: expected 401, got %d", rec.Code)
	}

	// The challenge survives a failed guess inside its TTL.
	good, err := totp.GenerateCode(secret, time.Now().UTC())
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	rec = env.do(t, http.MethodPost, "/api/login/verify", "", loginVerifyReq{ChallengeID: challengeID, Code: good})
	if rec.Code != http.StatusOK {
		t.Fatalf("retry with good code: code %d body %s", rec.Code, rec.Body.String())
	}
}

func TestBackupCodeLogin(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t, "bob")

	token := env.login(t, "bob")
	_, codes := env.enableTwoFactor(t, token)

	challengeID := env.challengeFor(t, "bob")
	rec := env.do(t, http.MethodPost, "/api/login/backup", "", loginVerifyReq{ChallengeID: challengeID, Code: codes[0]})
	if rec.Code != http.StatusOK {
		t.Fatalf("backup login: code %d body %s", rec.Code, rec.Body.String())
	}
	var resp loginResp
	parseBody(t, rec, &resp)
	if resp.Token == "" {
		t.Fatal("backup login: empty token")
	}

	// A backup code is single use.
	challengeID = env.challengeFor(t, "bob")
	rec = env.do(t, http.MethodPost, "/api/login/backup", "", loginVerifyReq{ChallengeID: challengeID, Code: codes[0]})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("reused backup code: expected 401, got %d", rec.Code)
	}

	// The rest of the set still works.
	rec = env.do(t, http.MethodPost, "/api/login/backup", "", loginVerifyReq{ChallengeID: challengeID, Code: codes[1]})
	if rec.Code != http.StatusOK {
		t.Fatalf("second backup code: code %d body %s", rec.Code, rec.Body.String())
	}
}

func TestRecordRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t, "alice")
	token := env.login(t, "alice")

	rec := env.do(t, http.MethodPost, "/api/records", token, recordReq{Fields: map[string]any{
		"parcel":    "LOT-42",
		"owner_ssn": "123-45-6789",
	}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: code %d body %s", rec.Code, rec.Body.String())
	}
	var created map[string]string
	parseBody(t, rec, &created)
	id := created["id"]
	if id == "" {
		t.Fatal("create: empty id")
	}

	// At rest the sensitive field is an envelope, not plaintext.
	stored, err := env.records.GetRecord(context.Background(), id)
	if err != nil {
		t.Fatalf("stored record: %v", err)
	}
	if _, ok := stored.Fields["owner_ssn"]; ok {
		t.Fatal("owner_ssn stored in plaintext")
	}
	envelope, ok := stored.Fields["owner_ssn_encrypted"].(string)
	if !ok || envelope == "" {
		t.Fatalf("missing owner_ssn envelope: %+v", stored.Fields)
	}
	if strings.Contains(envelope, "123-45-6789") {
		t.Fatal("envelope leaks plaintext")
	}

	rec = env.do(t, http.MethodGet, "/api/records/"+id, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: code %d body %s", rec.Code, rec.Body.String())
	}
	var got recordResp
	parseBody(t, rec, &got)
	if got.Fields["owner_ssn"] != "123-45-6789" {
		t.Fatalf("decrypted owner_ssn = %v", got.Fields["owner_ssn"])
	}
	if got.Fields["parcel"] != "LOT-42" {
		t.Fatalf("parcel = %v", got.Fields["parcel"])
	}
	if len(got.FailedFields) != 0 {
		t.Fatalf("unexpected failed fields %v", got.FailedFields)
	}
	if got.Version != 1 {
		t.Fatalf("version = %d, want 1", got.Version)
	}

	rec = env.do(t, http.MethodPut, "/api/records/"+id, token, recordReq{Fields: map[string]any{
		"parcel":    "LOT-42",
		"owner_ssn": "987-65-4321",
	}})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: code %d body %s", rec.Code, rec.Body.String())
	}
	var updated struct {
		Version int `json:"version"`
	}
	parseBody(t, rec, &updated)
	if updated.Version != 2 {
		t.Fatalf("version after update = %d, want 2", updated.Version)
	}

	rec = env.do(t, http.MethodDelete, "/api/records/"+id, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: code %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/records/"+id, token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: code %d", rec.Code)
	}
}

func TestRecordCorruptFieldIsReported(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t, "alice")
	token := env.login(t, "alice")

	rec := env.do(t, http.MethodPost, "/api/records", token, recordReq{Fields: map[string]any{
		"parcel":    "LOT-7",
		"owner_ssn": "123-45-6789",
	}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: code %d", rec.Code)
	}
	var created map[string]string
	parseBody(t, rec, &created)
	id := created["id"]

	stored, err := env.records.GetRecord(context.Background(), id)
	if err != nil {
		t.Fatalf("stored record: %v", err)
	}
	stored.Fields["owner_ssn_encrypted"] = "garbage-envelope"
	if err := env.records.PutRecord(context.Background(), stored); err != nil {
		t.Fatalf("corrupt put: %v", err)
	}

	rec = env.do(t, http.MethodGet, "/api/records/"+id, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get corrupt: code %d", rec.Code)
	}
	var got recordResp
	parseBody(t, rec, &got)
	if len(got.FailedFields) != 1 || got.FailedFields[0] != "owner_ssn" {
		t.Fatalf("failed fields = %v, want [owner_ssn]", got.FailedFields)
	}
	if _, ok := got.Fields["owner_ssn"]; ok {
		t.Fatal("corrupt field must not surface a plaintext value")
	}
	if got.Fields["parcel"] != "LOT-7" {
		t.Fatalf("intact field lost: %v", got.Fields["parcel"])
	}
}

func TestFileUploadDownloadFlow(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t, "alice")
	token := env.login(t, "alice")

	content := []byte("deed of sale, signed and notarized")
	rec := env.do(t, http.MethodPost, "/api/files", token, uploadReq{
		Name:        "deed.pdf",
		ContentType: "application/pdf",
		Data:        base64.StdEncoding.EncodeToString(content),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: code %d body %s", rec.Code, rec.Body.String())
	}
	var up map[string]string
	parseBody(t, rec, &up)
	id := up["id"]
	if id == "" || up["checksum"] == "" {
		t.Fatalf("upload response %v", up)
	}

	// Stored blob is ciphertext.
	blob, err := env.blobs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("stored blob: %v", err)
	}
	if bytes.Contains(blob, content) {
		t.Fatal("blob stores plaintext")
	}

	rec = env.do(t, http.MethodGet, "/api/files", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: code %d", rec.Code)
	}
	var list []fileInfoResp
	parseBody(t, rec, &list)
	if len(list) != 1 || list[0].Name != "deed.pdf" || list[0].ContentType != "application/pdf" {
		t.Fatalf("list = %+v", list)
	}

	rec = env.do(t, http.MethodPost, "/api/files/"+id+"/token", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("token mint: code %d body %s", rec.Code, rec.Body.String())
	}
	var ft fileTokenResp
	parseBody(t, rec, &ft)
	if ft.Token == "" || ft.ExpiresAt <= time.Now().Unix() {
		t.Fatalf("file token %+v", ft)
	}

	// Download needs no bearer, only the signed token.
	rec = env.do(t, http.MethodGet, "/api/files/"+id+"/download?token="+ft.Token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("download: code %d body %s", rec.Code, rec.Body.String())
	}
	if !bytes.Equal(rec.Body.Bytes(), content) {
		t.Fatal("download content mismatch")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("content type %q", ct)
	}

	// Tampered token is rejected.
	bad := ft.Token[:len(ft.Token)-2]
	if strings.HasSuffix(ft.Token, "zz") {
		bad += "qq"
	} else {
		bad += "zz"
	}
	rec = env.do(t, http.MethodGet, "/api/files/"+id+"/download?token="+bad, "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("tampered token: expected 401, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, "/api/files/"+id, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: code %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/files/"+id, token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("meta after delete: code %d", rec.Code)
	}
}

func TestFileTokenBoundToFile(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t, "alice")
	token := env.login(t, "alice")

	upload := func(name string) string {
		rec := env.do(t, http.MethodPost, "/api/files", token, uploadReq{
			Name: name,
			Data: base64.StdEncoding.EncodeToString([]byte("content of " + name)),
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("upload %s: code %d", name, rec.Code)
		}
		var up map[string]string
		parseBody(t, rec, &up)
		return up["id"]
	}
	idA := upload("a.txt")
	idB := upload("b.txt")

	rec := env.do(t, http.MethodPost, "/api/files/"+idA+"/token", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("token mint: code %d", rec.Code)
	}
	var ft fileTokenResp
	parseBody(t, rec, &ft)

	rec = env.do(t, http.MethodGet, "/api/files/"+idB+"/download?token="+ft.Token, "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("cross-file token: expected 401, got %d", rec.Code)
	}
}

func TestFileOwnershipEnforced(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t, "alice")
	env.seedAdmin(t, "mallory")
	aliceTok := env.login(t, "alice")
	malloryTok := env.login(t, "mallory")

	rec := env.do(t, http.MethodPost, "/api/files", aliceTok, uploadReq{
		Name: "private.txt",
		Data: base64.StdEncoding.EncodeToString([]byte("alice only")),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: code %d", rec.Code)
	}
	var up map[string]string
	parseBody(t, rec, &up)

	rec = env.do(t, http.MethodGet, "/api/files/"+up["id"], malloryTok, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign meta read: expected 403, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/files/"+up["id"]+"/token", malloryTok, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign token mint: expected 403, got %d", rec.Code)
	}
}

func TestSecurityEndpointsRequireSuper(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t, "alice")
	env.seedAdmin(t, "root", auth.RoleSuper)

	plain := env.login(t, "alice")
	rec := env.do(t, http.MethodGet, "/api/security/stats", plain, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("admin on security stats: expected 403, got %d", rec.Code)
	}

	super := env.login(t, "root")
	rec = env.do(t, http.MethodGet, "/api/security/stats", super, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("super on security stats: code %d", rec.Code)
	}
}

func TestSecurityAlertAfterRepeatedFailures(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t, "bob")
	env.seedAdmin(t, "root", auth.RoleSuper)

	token := env.login(t, "bob")
	secret, _ := env.enableTwoFactor(t, token)
	challengeID := env.challengeFor(t, "bob")

	wrong := wrongCodeFor(t, secret)
	for i := 0; i < 5; i++ {
		rec := env.do(t, http.MethodPost, "/api/login/verify", "", loginVerifyReq{ChallengeID: challengeID, Code: wrong})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, rec.Code)
		}
	}

	super := env.login(t, "root")
	rec := env.do(t, http.MethodGet, "/api/security/events?admin=bob&limit=10", super, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("events: code %d body %s", rec.Code, rec.Body.String())
	}
	var events struct {
		Events []struct {
			Action  string `json:"action"`
			Success bool   `json:"success"`
		} `json:"events"`
	}
	parseBody(t, rec, &events)
	failures := 0
	for _, e := range events.Events {
		if !e.Success {
			failures++
		}
	}
	if failures < 5 {
		t.Fatalf("recorded failures = %d, want >= 5", failures)
	}

	rec = env.do(t, http.MethodGet, "/api/security/stats", super, nil)
	var stats struct {
		Failed int `json:"failed"`
	}
	parseBody(t, rec, &stats)
	if stats.Failed < 5 {
		t.Fatalf("stats failed = %d, want >= 5", stats.Failed)
	}

	// The alert landed on the audit trail.
	rec = env.do(t, http.MethodGet, "/api/security/audit", super, nil)
	var audit struct {
		Entries int  `json:"entries"`
		Intact  bool `json:"intact"`
	}
	parseBody(t, rec, &audit)
	if !audit.Intact {
		t.Fatal("audit chain broken")
	}
	if audit.Entries == 0 {
		t.Fatal("no audit entries")
	}
	found := false
	for _, e := range env.srv.auditor.Entries() {
		if e.Action == "security-alert" {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("expected a security-alert audit entry")
	}
}

func TestProvisionAdminRequiresSuper(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t, "alice")
	env.seedAdmin(t, "root", auth.RoleSuper)

	body := provisionReq{Username: "carol", Email: "carol@example.com", Password: testPassword}

	plain := env.login(t, "alice")
	rec := env.do(t, http.MethodPost, "/api/admins", plain, body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("admin provisioning: expected 403, got %d", rec.Code)
	}

	super := env.login(t, "root")
	rec = env.do(t, http.MethodPost, "/api/admins", super, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("super provisioning: code %d body %s", rec.Code, rec.Body.String())
	}

	// The new admin can sign in.
	env.login(t, "carol")

	// Duplicate username conflicts.
	rec = env.do(t, http.MethodPost, "/api/admins", super, body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate provisioning: expected 409, got %d", rec.Code)
	}
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t, "alice")
	token := env.login(t, "alice")

	next := "N3w!Passw0rd-42"
	rec := env.do(t, http.MethodPut, "/api/password", token, changePasswordReq{Current: testPassword, Next: next})
	if rec.Code != http.StatusOK {
		t.Fatalf("change: code %d body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/login", "", loginReq{Username: "alice", Password: testPassword})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("old password: expected 401, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/login", "", loginReq{Username: "alice", Password: next})
	if rec.Code != http.StatusOK {
		t.Fatalf("new password: code %d", rec.Code)
	}
}

func TestForgotResetPassword(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t, "alice")

	rec := env.do(t, http.MethodPost, "/api/password/forgot", "", forgotPasswordReq{Email: "alice@example.com"})
	if rec.Code != http.StatusOK {
		t.Fatalf("forgot: code %d body %s", rec.Code, rec.Body.String())
	}

	// The mailer is a noop in tests; lift the token off the server state.
	var token string
	env.srv.mu.Lock()
	for tok := range env.srv.resets {
		token = tok
	}
	env.srv.mu.Unlock()
	if token == "" {
		t.Fatal("no reset token issued")
	}

	next := "R3set!Passw0rd-7"
	rec = env.do(t, http.MethodPost, "/api/password/reset", "", resetPasswordReq{Token: token, Next: next})
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: code %d body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/login", "", loginReq{Username: "alice", Password: next})
	if rec.Code != http.StatusOK {
		t.Fatalf("login after reset: code %d", rec.Code)
	}

	// The token is single use.
	rec = env.do(t, http.MethodPost, "/api/password/reset", "", resetPasswordReq{Token: token, Next: "An0ther!Passw0rd"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("reused reset token: expected 401, got %d", rec.Code)
	}
}

// wrongCodeFor returns a well-formed 6-digit code that is guaranteed not
// to match the current TOTP value.
func wrongCodeFor(t *testing.T, secret string) string {
	t.Helper()
	good, err := totp.GenerateCode(secret, time.Now().UTC())
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	if good == "000000" {
		return "000001"
	}
	return "000000"
}
