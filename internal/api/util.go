package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/org/healthpassport/internal/catalog"
	"github.com/org/healthpassport/internal/datatype"
	"github.com/org/healthpassport/internal/registry"
	"github.com/org/healthpassport/internal/storage"
)

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

// Stable error codes returned alongside messages so clients map
// failures without parsing text.
const (
	codeNotFound        = "not_found"
	codeVersionConflict = "version_conflict"
	codeAlreadyExists   = "already_exists"
	codeDuplicateRef    = "duplicate_reference"
	codeIndexedPointer  = "indexed_pointer"
	codeAccessDenied    = "access_denied"
	codeInvalidDataType = "invalid_data_type"
	codeEmptyReference  = "empty_reference"
	codeInternal        = "internal"
)

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"errors":[%q],"code":%q}`, msg, code)
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

// writeDomainError maps domain errors to HTTP status codes and stable
// error codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeErrorCode(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, storage.ErrVersionConflict):
		writeErrorCode(w, http.StatusConflict, codeVersionConflict, err.Error())
	case errors.Is(err, storage.ErrAlreadyExists),
		errors.Is(err, registry.ErrOwnerExists):
		writeErrorCode(w, http.StatusConflict, codeAlreadyExists, err.Error())
	case errors.Is(err, catalog.ErrDuplicateReference):
		writeErrorCode(w, http.StatusConflict, codeDuplicateRef, err.Error())
	case errors.Is(err, catalog.ErrIndexedPointer):
		writeErrorCode(w, http.StatusConflict, codeIndexedPointer, err.Error())
	case errors.Is(err, catalog.ErrAccessDenied):
		writeErrorCode(w, http.StatusForbidden, codeAccessDenied, err.Error())
	case errors.Is(err, datatype.ErrInvalidDataType):
		writeErrorCode(w, http.StatusBadRequest, codeInvalidDataType, err.Error())
	case errors.Is(err, catalog.ErrEmptyReference):
		writeErrorCode(w, http.StatusBadRequest, codeEmptyReference, err.Error())
	default:
		writeErrorCode(w, http.StatusInternalServerError, codeInternal, err.Error())
	}
}
