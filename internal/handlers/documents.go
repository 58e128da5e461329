package handlers

import (
	"io"
	"net/http"

	"github.com/diewo77/esign/httpx"
	"github.com/diewo77/esign/internal/services"
)

const maxUploadBytes = 25 << 20

// DocumentsHandler covers the uploads the workflow needs; document
// management beyond that lives elsewhere.
type DocumentsHandler struct {
	WF *services.Workflow
}

func NewDocumentsHandler(wf *services.Workflow) *DocumentsHandler {
	return &DocumentsHandler{WF: wf}
}

// Upload stores a PDF: POST /documents (multipart, file + optional title)
func (h *DocumentsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_form", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "missing_file", nil)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "unreadable_file", nil)
		return
	}
	title := r.FormValue("title")
	if title == "" {
		title = header.Filename
	}
	doc, err := h.WF.UploadDocument(r.Context(), userID, title, header.Filename, data)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"id":     doc.ID,
		"title":  doc.Title,
		"status": doc.Status,
	})
}

// Delete soft-deletes an unlocked document: POST /documents/delete?id=
func (h *DocumentsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := queryID(r, "id")
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "missing_id", nil)
		return
	}
	if err := h.WF.DeleteDocument(r.Context(), userID, id); err != nil {
		writeWorkflowError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
