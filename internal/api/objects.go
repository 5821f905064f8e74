package api

import (
	"io"
	"jobengine/internal/objectstore"
	"net/http"
	"os"
	"time"
)

// GetObject handles GET and HEAD /v1/objects/{ref}. Range requests are
// honored so remote object stores can read partial content.
func (h *Handler) GetObject(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	if err := objectstore.ValidateRef(ref); err != nil {
		h.handleError(w, r, err)
		return
	}
	path, err := h.objects.GetFilename(r.Context(), ref)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, ref, time.Time{}, f)
}

// PutObject handles PUT /v1/objects/{ref}, replacing the object's bytes.
func (h *Handler) PutObject(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	if err := objectstore.ValidateRef(ref); err != nil {
		h.handleError(w, r, err)
		return
	}
	tmp, err := os.CreateTemp("", "upload-*")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	defer os.Remove(tmp.Name())
	_, err = io.Copy(tmp, r.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "reading upload: "+err.Error())
		return
	}

	if err := h.objects.UpdateFromFile(r.Context(), ref, tmp.Name()); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteObject handles DELETE /v1/objects/{ref}
func (h *Handler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	if err := objectstore.ValidateRef(ref); err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.objects.Delete(r.Context(), ref); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
