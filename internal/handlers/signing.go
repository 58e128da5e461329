package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/diewo77/esign/httpx"
	"github.com/diewo77/esign/internal/models"
	"github.com/diewo77/esign/internal/services"
)

// SigningHandler is the public surface signers reach through their
// secure links. Identity comes from the token or the submitted email,
// never from a session.
type SigningHandler struct {
	WF *services.Workflow
}

func NewSigningHandler(wf *services.Workflow) *SigningHandler {
	return &SigningHandler{WF: wf}
}

// Access resolves a secure link: GET /sign?token=...
func (h *SigningHandler) Access(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		httpx.JSONError(w, http.StatusBadRequest, "missing_token", nil)
		return
	}
	access, err := h.WF.AccessByToken(r.Context(), raw, clientIP(r))
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, accessPayload(access))
}

func accessPayload(a *services.Access) map[string]any {
	docs := make([]map[string]any, 0, len(a.Documents))
	for _, d := range a.Documents {
		docs = append(docs, map[string]any{
			"id":     d.ID,
			"title":  d.Title,
			"status": d.Status,
		})
	}
	return map[string]any{
		"request": map[string]any{
			"id":              a.Request.ID,
			"name":            a.Request.Name,
			"message":         a.Request.Message,
			"status":          a.Request.Status,
			"ordered_signers": a.Request.OrderedSigners,
		},
		"signatory": map[string]any{
			"id":         a.Signatory.ID,
			"first_name": a.Signatory.FirstName,
			"last_name":  a.Signatory.LastName,
			"email":      a.Signatory.Email,
			"role":       a.Signatory.Role,
			"signed_at":  a.Signatory.SignedAt,
		},
		"documents":   docs,
		"fields":      a.Fields,
		"require_otp": a.RequireOTP,
	}
}

// RequestOTP mails a fresh code: POST /sign/otp
func (h *SigningHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email     string `json:"email"`
		RequestID uint   `json:"request_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil || input.Email == "" || input.RequestID == 0 {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	if err := h.WF.RequestOTP(r.Context(), input.Email, input.RequestID, clientIP(r)); err != nil {
		writeWorkflowError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"sent": true})
}

// Submit accepts a signer's field values: POST /sign/submit
func (h *SigningHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email     string                `json:"email"`
		RequestID uint                  `json:"request_id"`
		OTP       string                `json:"otp"`
		Values    []services.FieldValue `json:"values"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil || input.Email == "" || input.RequestID == 0 {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	if err := h.WF.SubmitSignature(r.Context(), input.Email, input.RequestID, input.OTP, input.Values, clientIP(r)); err != nil {
		writeWorkflowError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"submitted": true})
}

// SaveSignature stores a drawn signature image: POST /sign/signature
func (h *SigningHandler) SaveSignature(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email     string `json:"email"`
		RequestID uint   `json:"request_id"`
		Image     string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil || input.Email == "" || input.RequestID == 0 || input.Image == "" {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	// tolerate data-URL form from canvas exports
	raw := input.Image
	if i := strings.IndexByte(raw, ','); i >= 0 && strings.HasPrefix(raw, "data:") {
		raw = raw[i+1:]
	}
	png, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_image", nil)
		return
	}
	if err := h.WF.SaveSignature(r.Context(), input.RequestID, input.Email, png); err != nil {
		writeWorkflowError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"saved": true})
}

// Download serves the sealed artifact. Signers authenticate with their
// link token (GET /sign/download?token=&document_id=), the sender with
// the gateway identity (GET /sign/download?request_id=&document_id=).
func (h *SigningHandler) Download(w http.ResponseWriter, r *http.Request) {
	documentID, ok := queryID(r, "document_id")
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "missing_document_id", nil)
		return
	}
	var (
		data []byte
		doc  *models.Document
		err  error
	)
	switch {
	case r.URL.Query().Get("token") != "":
		data, doc, err = h.WF.DownloadSealedByToken(r.Context(), r.URL.Query().Get("token"), documentID)
	default:
		userID, okUser := currentUserID(r)
		requestID, okReq := queryID(r, "request_id")
		if !okUser || !okReq {
			httpx.JSONError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		data, doc, err = h.WF.DownloadSealedForSender(r.Context(), userID, requestID, documentID)
	}
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	httpx.PDF(w, downloadName(doc), data)
}

func downloadName(d *models.Document) string {
	name := strings.TrimSpace(d.Title)
	if name == "" {
		name = "document"
	}
	if !strings.HasSuffix(strings.ToLower(name), ".pdf") {
		name += ".pdf"
	}
	return name
}
