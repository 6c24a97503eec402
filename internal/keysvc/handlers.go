package keysvc

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/org/healthpassport/pkg/models"
)

// WrapRequest is the body of POST /v1/share/wrap.
type WrapRequest struct {
	PolicyID string `json:"policy_id"`
	Share    string `json:"share"` // base64
}

// UnwrapRequest is the body of POST /v1/share/unwrap.
type UnwrapRequest struct {
	PolicyID string              `json:"policy_id"`
	Wrapped  string              `json:"wrapped"` // base64
	Proof    *models.AccessProof `json:"proof"`
}

// Router wires the service's HTTP surface.
func Router(svc *Service) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"service_id": svc.ID(), "status": "ok"})
	})

	r.Post("/v1/share/wrap", func(w http.ResponseWriter, req *http.Request) {
		var body WrapRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		share, err := base64.StdEncoding.DecodeString(body.Share)
		if err != nil {
			writeError(w, http.StatusBadRequest, "share must be base64")
			return
		}
		wrapped, err := svc.Wrap(req.Context(), body.PolicyID, share)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"service_id": svc.ID(),
			"wrapped":    base64.StdEncoding.EncodeToString(wrapped),
		})
	})

	r.Post("/v1/share/unwrap", func(w http.ResponseWriter, req *http.Request) {
		var body UnwrapRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		wrapped, err := base64.StdEncoding.DecodeString(body.Wrapped)
		if err != nil {
			writeError(w, http.StatusBadRequest, "wrapped must be base64")
			return
		}
		share, err := svc.Unwrap(req.Context(), body.PolicyID, wrapped, body.Proof)
		if err != nil {
			if errors.Is(err, ErrProofRejected) {
				writeError(w, http.StatusForbidden, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"service_id": svc.ID(),
			"share":      base64.StdEncoding.EncodeToString(share),
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"errors":[%q]}`, msg)
}
