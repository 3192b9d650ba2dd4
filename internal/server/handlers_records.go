package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/auth"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/storage"
)

type recordReq struct {
	Fields map[string]any `json:"fields"`
}

type recordResp struct {
	ID           string         `json:"id"`
	Fields       map[string]any `json:"fields"`
	FailedFields []string       `json:"failed_fields,omitempty"`
	Version      int            `json:"version"`
	Created      int64          `json:"created"`
	Updated      int64          `json:"updated"`
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleRecordCreate(w, r)
	case http.MethodGet:
		s.handleRecordList(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRecordCreate(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}
	var req recordReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if len(req.Fields) == 0 {
		http.Error(w, "fields required", http.StatusBadRequest)
		return
	}

	encrypted, err := s.fields.EncryptRecordFields(req.Fields, s.cfg.EncryptedFields)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "record save failed", err)
		return
	}

	now := time.Now().Unix()
	rec := storage.Record{
		ID:      uuid.NewString(),
		Fields:  encrypted,
		Created: now,
		Updated: now,
		Version: 1,
	}
	if err := s.records.PutRecord(r.Context(), rec); err != nil {
		s.fail(w, r, http.StatusInternalServerError, "record save failed", err)
		return
	}

	s.audit("record-create", true, map[string]any{"admin": claims.Sub, "record": rec.ID})
	writeJSONStatus(w, http.StatusCreated, map[string]string{"id": rec.ID})
}

func (s *Server) handleRecordList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.records.ListRecords(r.Context())
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "listing failed", err)
		return
	}
	out := make([]recordResp, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.presentRecord(rec))
	}
	writeJSON(w, out)
}

func (s *Server) handleRecordByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/records/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "record id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, ok := s.loadRecord(w, r, id)
		if !ok {
			return
		}
		writeJSON(w, s.presentRecord(rec))

	case http.MethodPut:
		s.handleRecordUpdate(w, r, id)

	case http.MethodDelete:
		claims, err := auth.MustClaims(r)
		if err != nil {
			http.Error(w, "no auth context", http.StatusUnauthorized)
			return
		}
		if err := s.records.DeleteRecord(r.Context(), id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				http.Error(w, "not found", http.StatusNotFound)
			} else {
				s.fail(w, r, http.StatusInternalServerError, "delete failed", err)
			}
			return
		}
		s.audit("record-delete", true, map[string]any{"admin": claims.Sub, "record": id})
		writeJSON(w, map[string]string{"note": "record deleted"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRecordUpdate(w http.ResponseWriter, r *http.Request, id string) {
	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}
	var req recordReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if len(req.Fields) == 0 {
		http.Error(w, "fields required", http.StatusBadRequest)
		return
	}

	existing, ok := s.loadRecord(w, r, id)
	if !ok {
		return
	}
	encrypted, err := s.fields.EncryptRecordFields(req.Fields, s.cfg.EncryptedFields)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "record save failed", err)
		return
	}

	rec := storage.Record{
		ID:      id,
		Fields:  encrypted,
		Created: existing.Created,
		Updated: time.Now().Unix(),
		Version: existing.Version + 1,
	}
	if err := s.records.PutRecord(r.Context(), rec); err != nil {
		s.fail(w, r, http.StatusInternalServerError, "record save failed", err)
		return
	}

	s.audit("record-update", true, map[string]any{"admin": claims.Sub, "record": id, "version": rec.Version})
	writeJSON(w, map[string]any{"id": id, "version": rec.Version})
}

func (s *Server) loadRecord(w http.ResponseWriter, r *http.Request, id string) (storage.Record, bool) {
	rec, err := s.records.GetRecord(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
		} else {
			s.fail(w, r, http.StatusInternalServerError, "lookup failed", err)
		}
		return storage.Record{}, false
	}
	return rec, true
}

// presentRecord decrypts the protected fields for the response. Fields
// that fail to decrypt are reported by name instead of failing the whole
// record.
func (s *Server) presentRecord(rec storage.Record) recordResp {
	fields, failed := s.fields.DecryptRecordFields(rec.Fields)
	if len(failed) > 0 {
		s.logger.Printf("record %s: %d field(s) failed to decrypt", rec.ID, len(failed))
	}
	return recordResp{
		ID:           rec.ID,
		Fields:       fields,
		FailedFields: failed,
		Version:      rec.Version,
		Created:      rec.Created,
		Updated:      rec.Updated,
	}
}
