package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/auth"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/crypto"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/fieldcrypt"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/storage"
)

type uploadReq struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        string `json:"data"` // base64
}

type fileInfoResp struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	UploadedAt  time.Time `json:"uploaded_at,omitempty"`
	Checksum    string    `json:"checksum"`
	Error       string    `json:"error,omitempty"`
}

type fileTokenResp struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleFileUpload(w, r)
	case http.MethodGet:
		s.handleFileList(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}

	// Base64 expands the payload by a third; leave headroom over the
	// raw blob cap before rejecting outright.
	r.Body = http.MaxBytesReader(w, r.Body, crypto.MaxBlobSize*2)
	var req uploadReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	contentType := strings.TrimSpace(req.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		http.Error(w, "data must be base64", http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		http.Error(w, "empty file", http.StatusBadRequest)
		return
	}
	if len(data) > crypto.MaxBlobSize {
		http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
		return
	}

	now := time.Now().UTC()
	enc, err := s.fields.EncryptFile(data, fieldcrypt.FileMetadata{
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		UploadedAt:  now,
	})
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "upload failed", err)
		return
	}

	id := uuid.NewString()
	if err := s.blobs.Put(r.Context(), id, []byte(enc.Content)); err != nil {
		s.fail(w, r, http.StatusInternalServerError, "upload failed", err)
		return
	}
	rec := storage.FileRecord{
		ID:       id,
		Owner:    claims.Sub,
		Meta:     enc.Metadata,
		Checksum: enc.Checksum,
		Size:     int64(len(data)),
		Created:  now.Unix(),
	}
	if err := s.files.PutFile(r.Context(), rec); err != nil {
		_ = s.blobs.Delete(r.Context(), id)
		s.fail(w, r, http.StatusInternalServerError, "upload failed", err)
		return
	}

	s.audit("file-upload", true, map[string]any{"admin": claims.Sub, "file": id, "size": len(data)})
	writeJSONStatus(w, http.StatusCreated, map[string]string{"id": id, "checksum": enc.Checksum})
}

func (s *Server) handleFileList(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}
	owner := claims.Sub
	if q := strings.TrimSpace(r.URL.Query().Get("owner")); q != "" && hasRole(claims, auth.RoleSuper) {
		owner = q
	}

	recs, err := s.files.ListFilesByOwner(r.Context(), owner)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "listing failed", err)
		return
	}

	out := make([]fileInfoResp, 0, len(recs))
	for _, rec := range recs {
		info := fileInfoResp{ID: rec.ID, Size: rec.Size, Checksum: rec.Checksum}
		var meta fieldcrypt.FileMetadata
		if err := s.fields.DecryptValue(rec.Meta, &meta); err != nil {
			s.logger.Printf("file %s metadata: %v", rec.ID, err)
			info.Error = "metadata unavailable"
		} else {
			info.Name = meta.Name
			info.ContentType = meta.ContentType
			info.UploadedAt = meta.UploadedAt
		}
		out = append(out, info)
	}
	writeJSON(w, out)
}

func (s *Server) handleFileByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/files/")
	if rest == "" {
		http.Error(w, "file id required", http.StatusBadRequest)
		return
	}

	if id, ok := strings.CutSuffix(rest, "/download"); ok {
		s.handleFileDownload(w, r, id)
		return
	}
	if id, ok := strings.CutSuffix(rest, "/token"); ok {
		s.handleFileToken(w, r, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleFileMeta(w, r, rest)
	case http.MethodDelete:
		s.handleFileDelete(w, r, rest)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// fetchOwnedFile loads the metadata row and enforces that the caller owns
// it or holds the superadmin role.
func (s *Server) fetchOwnedFile(w http.ResponseWriter, r *http.Request, id string) (storage.FileRecord, *auth.Claims, bool) {
	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return storage.FileRecord{}, nil, false
	}
	rec, err := s.files.GetFile(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
		} else {
			s.fail(w, r, http.StatusInternalServerError, "lookup failed", err)
		}
		return storage.FileRecord{}, nil, false
	}
	if rec.Owner != claims.Sub && !hasRole(claims, auth.RoleSuper) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return storage.FileRecord{}, nil, false
	}
	return rec, claims, true
}

func (s *Server) handleFileMeta(w http.ResponseWriter, r *http.Request, id string) {
	rec, _, ok := s.fetchOwnedFile(w, r, id)
	if !ok {
		return
	}
	info := fileInfoResp{ID: rec.ID, Size: rec.Size, Checksum: rec.Checksum}
	var meta fieldcrypt.FileMetadata
	if err := s.fields.DecryptValue(rec.Meta, &meta); err != nil {
		s.logger.Printf("file %s metadata: %v", rec.ID, err)
		info.Error = "metadata unavailable"
	} else {
		info.Name = meta.Name
		info.ContentType = meta.ContentType
		info.UploadedAt = meta.UploadedAt
	}
	writeJSON(w, info)
}

func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request, id string) {
	rec, claims, ok := s.fetchOwnedFile(w, r, id)
	if !ok {
		return
	}
	if err := s.blobs.Delete(r.Context(), id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.fail(w, r, http.StatusInternalServerError, "delete failed", err)
		return
	}
	if err := s.files.DeleteFile(r.Context(), id); err != nil {
		s.fail(w, r, http.StatusInternalServerError, "delete failed", err)
		return
	}
	s.audit("file-delete", true, map[string]any{"admin": claims.Sub, "file": rec.ID})
	writeJSON(w, map[string]string{"note": "file deleted"})
}

func (s *Server) handleFileToken(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, claims, ok := s.fetchOwnedFile(w, r, id)
	if !ok {
		return
	}
	res := s.limits.CheckRule(ruleFileToken, claims.Sub)
	if !res.Allowed {
		tooMany(w, res)
		return
	}
	rateHeaders(w, res)

	token, err := s.fields.GenerateFileAccessToken(rec.ID, claims.Sub, fieldcrypt.DefaultTokenTTL)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "token failed", err)
		return
	}
	grant, err := s.fields.VerifyFileAccessToken(token)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "token failed", err)
		return
	}

	s.audit("file-token", true, map[string]any{"admin": claims.Sub, "file": rec.ID})
	writeJSON(w, fileTokenResp{Token: token, ExpiresAt: grant.ExpiresAt.Unix()})
}

// handleFileDownload is the only data path that skips bearer auth; the
// signed single-file token is the credential.
func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ip := getClientIP(r)
	res := s.limits.CheckRule(ruleDownload, ip)
	if !res.Allowed {
		tooMany(w, res)
		return
	}
	rateHeaders(w, res)

	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "token required", http.StatusUnauthorized)
		return
	}
	grant, err := s.fields.VerifyFileAccessToken(token)
	if err != nil {
		if errors.Is(err, fieldcrypt.ErrTokenExpired) {
			http.Error(w, "token expired", http.StatusUnauthorized)
		} else {
			http.Error(w, "invalid token", http.StatusUnauthorized)
		}
		return
	}
	if grant.FileID != id {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	rec, err := s.files.GetFile(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
		} else {
			s.fail(w, r, http.StatusInternalServerError, "download failed", err)
		}
		return
	}
	blob, err := s.blobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
		} else {
			s.fail(w, r, http.StatusInternalServerError, "download failed", err)
		}
		return
	}

	data, meta, err := s.fields.DecryptFile(string(blob), rec.Meta)
	if err != nil {
		if errors.Is(err, fieldcrypt.ErrChecksumMismatch) {
			s.audit("file-download", false, map[string]any{"file": id, "cause": "checksum"})
			s.fail(w, r, http.StatusUnprocessableEntity, "integrity check failed", err)
			return
		}
		s.fail(w, r, http.StatusInternalServerError, "download failed", err)
		return
	}

	s.audit("file-download", true, map[string]any{"file": id, "subject": grant.SubjectID})
	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+sanitizeFilename(meta.Name)+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func sanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '"', '\\', '\n', '\r':
			return '_'
		}
		return r
	}, name)
	if name == "" {
		name = "download"
	}
	return name
}
