package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/org/healthpassport/internal/blobstore"
)

// BlobPutHandler accepts an opaque ciphertext blob and returns its
// content-addressed reference.
func (s *Server) BlobPutHandler(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.BlobMaxBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading blob body")
		return
	}
	if int64(len(data)) > s.cfg.BlobMaxBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "blob exceeds size limit")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty blob")
		return
	}

	ref, err := s.blobs.Put(r.Context(), data)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	blobBytesStored.Add(float64(len(data)))
	writeJSON(w, http.StatusCreated, map[string]string{"ref": ref})
}

// BlobGetHandler streams a blob back by reference.
func (s *Server) BlobGetHandler(w http.ResponseWriter, r *http.Request) {
	data, err := s.blobs.Get(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "blob not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}
