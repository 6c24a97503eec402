package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/org/healthpassport/internal/storage"
	"github.com/org/healthpassport/pkg/models"
)

// EntryGetHandler returns the current pointer for one data type.
func (s *Server) EntryGetHandler(w http.ResponseWriter, r *http.Request) {
	ptr, err := s.catalog.GetEntry(r.Context(), callerFromCtx(r.Context()),
		chi.URLParam(r, "id"), chi.URLParam(r, "type"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ptr)
}

// EntryHasHandler reports whether the passport has any entry for the
// data type. Existence only, so any authenticated caller may ask; the
// pointer itself stays behind the grant check in EntryGetHandler.
func (s *Server) EntryHasHandler(w http.ResponseWriter, r *http.Request) {
	ok, err := s.catalog.HasEntry(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "type"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": ok})
}

// EntryListTypesHandler lists the data types with entries.
func (s *Server) EntryListTypesHandler(w http.ResponseWriter, r *http.Request) {
	types, err := s.catalog.ListEntryTypes(r.Context(), callerFromCtx(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"data_types": types})
}

type writeEntryRequest struct {
	BlobRef         string `json:"blob_ref"`
	Mode            string `json:"mode"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

// EntryWriteHandler records a blob reference on the catalog.
func (s *Server) EntryWriteHandler(w http.ResponseWriter, r *http.Request) {
	var req writeEntryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	expected := storage.NoVersionCheck
	if req.ExpectedVersion != nil {
		expected = *req.ExpectedVersion
	}

	ptr, err := s.catalog.WriteEntry(r.Context(), callerFromCtx(r.Context()),
		chi.URLParam(r, "id"), chi.URLParam(r, "type"),
		req.BlobRef, models.WriteMode(req.Mode), expected)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	log.Debug().
		Str("passport_id", ptr.PassportID).
		Str("data_type", ptr.DataType).
		Str("mode", req.Mode).
		Int64("version", ptr.Version).
		Msg("entry written")
	writeJSON(w, http.StatusOK, ptr)
}

type setDescriptorRequest struct {
	MetaRef         string `json:"meta_ref"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

// EntrySetDescriptorHandler converts the pointer to indexed form.
func (s *Server) EntrySetDescriptorHandler(w http.ResponseWriter, r *http.Request) {
	var req setDescriptorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	expected := storage.NoVersionCheck
	if req.ExpectedVersion != nil {
		expected = *req.ExpectedVersion
	}

	ptr, err := s.catalog.SetDescriptor(r.Context(), callerFromCtx(r.Context()),
		chi.URLParam(r, "id"), chi.URLParam(r, "type"), req.MetaRef, expected)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ptr)
}

type grantRequest struct {
	DataType        string `json:"data_type"`
	GranteeIdentity string `json:"grantee_identity"`
}

// GrantCreateHandler allows a grantee to decrypt one data type.
func (s *Server) GrantCreateHandler(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := s.catalog.Grant(r.Context(), callerFromCtx(r.Context()),
		chi.URLParam(r, "id"), req.DataType, req.GranteeIdentity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "granted"})
}

// GrantRevokeHandler removes a grant.
func (s *Server) GrantRevokeHandler(w http.ResponseWriter, r *http.Request) {
	err := s.catalog.Revoke(r.Context(), callerFromCtx(r.Context()),
		chi.URLParam(r, "id"), chi.URLParam(r, "type"), chi.URLParam(r, "grantee"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// GrantListHandler lists the passport's grants.
func (s *Server) GrantListHandler(w http.ResponseWriter, r *http.Request) {
	grants, err := s.catalog.ListGrants(r.Context(), callerFromCtx(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
}

// GrantCheckHandler answers grant-existence queries from key services.
// It exposes only a boolean, never the grant list.
func (s *Server) GrantCheckHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ok, err := s.catalog.GrantExists(r.Context(), q.Get("passport_id"), q.Get("data_type"), q.Get("grantee"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"granted": ok})
}

// parseLimit reads a positive integer query parameter with a default.
func parseLimit(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
