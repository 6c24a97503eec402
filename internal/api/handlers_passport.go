package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

type createPassportRequest struct {
	CountryCode    string `json:"country_code"`
	AnalyticsOptIn bool   `json:"analytics_opt_in"`
}

// PassportCreateHandler mints a passport for the authenticated caller.
// The owner identity is the verified request identity, never a body
// field, so nobody can mint a passport for someone else's key.
func (s *Server) PassportCreateHandler(w http.ResponseWriter, r *http.Request) {
	var req createPassportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	caller := callerFromCtx(r.Context())
	p, err := s.registry.Create(r.Context(), caller, req.CountryCode)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req.AnalyticsOptIn {
		if err := s.registry.SetAnalyticsOptIn(r.Context(), p.ID, true); err != nil {
			writeDomainError(w, err)
			return
		}
		p.AnalyticsOptIn = true
	}

	log.Info().Str("passport_id", p.ID).Str("country", p.CountryCode).Msg("passport minted")
	writeJSON(w, http.StatusCreated, p)
}

// PassportLookupHandler resolves the caller's own passport.
func (s *Server) PassportLookupHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.registry.Lookup(r.Context(), callerFromCtx(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PassportGetHandler returns a passport by id. Only the owner may read
// their registry record.
func (s *Server) PassportGetHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if p.OwnerIdentity != callerFromCtx(r.Context()) {
		writeError(w, http.StatusForbidden, "not the passport owner")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type analyticsRequest struct {
	OptIn bool `json:"opt_in"`
}

// AnalyticsOptInHandler flips the anonymized-analytics consent flag.
func (s *Server) AnalyticsOptInHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.registry.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if p.OwnerIdentity != callerFromCtx(r.Context()) {
		writeError(w, http.StatusForbidden, "not the passport owner")
		return
	}

	var req analyticsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.registry.SetAnalyticsOptIn(r.Context(), id, req.OptIn); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"analytics_opt_in": req.OptIn})
}
