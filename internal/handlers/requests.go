package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/diewo77/esign/httpx"
	"github.com/diewo77/esign/internal/models"
	"github.com/diewo77/esign/internal/services"
	"github.com/diewo77/esign/validation"
)

// RequestsHandler is the sender-facing surface: assembling, sending and
// steering signature requests.
type RequestsHandler struct {
	WF *services.Workflow
}

func NewRequestsHandler(wf *services.Workflow) *RequestsHandler {
	return &RequestsHandler{WF: wf}
}

type radioInput struct {
	Label   string `json:"label"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Size    int    `json:"size"`
	Checked bool   `json:"checked"`
}

type fieldInput struct {
	Type        string       `json:"type"`
	Page        int          `json:"page"`
	X           *int         `json:"x"`
	Y           *int         `json:"y"`
	Width       *int         `json:"width"`
	Height      *int         `json:"height"`
	Text        string       `json:"text"`
	Mention     string       `json:"mention"`
	Name        string       `json:"name"`
	Checked     bool         `json:"checked"`
	Optional    bool         `json:"optional"`
	MaxLength   int          `json:"max_length"`
	Question    string       `json:"question"`
	Instruction string       `json:"instruction"`
	DocumentID  uint         `json:"document_id"`
	Radios      []radioInput `json:"radios"`
}

type signatoryInput struct {
	FirstName    string       `json:"first_name"`
	LastName     string       `json:"last_name"`
	Email        string       `json:"email"`
	PhoneNumber  string       `json:"phone_number"`
	Role         string       `json:"role"`
	SigningOrder int          `json:"signing_order"`
	Fields       []fieldInput `json:"fields"`
}

type reminderInput struct {
	IntervalDays   int    `json:"interval_days"`
	MaxOccurrences int    `json:"max_occurrences"`
	Timezone       string `json:"timezone"`
}

type createRequestInput struct {
	Name           string           `json:"name"`
	DeliveryMode   string           `json:"delivery_mode"`
	Message        string           `json:"message"`
	OrderedSigners bool             `json:"ordered_signers"`
	RequireOTP     bool             `json:"require_otp"`
	ExpiryDate     *time.Time       `json:"expiry_date"`
	DocumentIDs    []uint           `json:"document_ids"`
	Signatories    []signatoryInput `json:"signatories"`
	Reminder       *reminderInput   `json:"reminder"`
}

func (in signatoryInput) toModel() models.Signatory {
	s := models.Signatory{
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Email:        in.Email,
		PhoneNumber:  in.PhoneNumber,
		Role:         in.Role,
		SigningOrder: in.SigningOrder,
	}
	for _, f := range in.Fields {
		field := models.DocField{
			Type:        models.FieldType(f.Type),
			Page:        f.Page,
			X:           f.X,
			Y:           f.Y,
			Width:       f.Width,
			Height:      f.Height,
			Text:        f.Text,
			Mention:     f.Mention,
			Name:        f.Name,
			Checked:     f.Checked,
			Optional:    f.Optional,
			MaxLength:   f.MaxLength,
			Question:    f.Question,
			Instruction: f.Instruction,
			DocumentID:  f.DocumentID,
		}
		for _, radio := range f.Radios {
			size := radio.Size
			if size == 0 {
				size = 24
			}
			field.Radios = append(field.Radios, models.Radio{
				Label: radio.Label, X: radio.X, Y: radio.Y, Size: size, Checked: radio.Checked,
			})
		}
		s.Fields = append(s.Fields, field)
	}
	return s
}

// Create assembles a draft: POST /requests
func (h *RequestsHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var input createRequestInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}

	v := validation.Violations{}
	validation.Required("name", input.Name, v)
	sigs := make([]models.Signatory, 0, len(input.Signatories))
	for i, in := range input.Signatories {
		s := in.toModel()
		sv := validation.Violations{}
		validation.Signatory(&s, sv)
		for j := range s.Fields {
			validation.Field(&s.Fields[j], sv)
		}
		for key, msg := range sv {
			v[fmt.Sprintf("signatories[%d].%s", i, key)] = msg
		}
		sigs = append(sigs, s)
	}
	var reminder *models.ReminderPolicy
	if input.Reminder != nil {
		validation.PositiveInt("reminder.interval_days", input.Reminder.IntervalDays, v)
		validation.PositiveInt("reminder.max_occurrences", input.Reminder.MaxOccurrences, v)
		reminder = &models.ReminderPolicy{
			IntervalDays:   input.Reminder.IntervalDays,
			MaxOccurrences: input.Reminder.MaxOccurrences,
			Timezone:       input.Reminder.Timezone,
		}
	}
	if !v.Empty() {
		httpx.JSONError(w, http.StatusBadRequest, "validation_failed", v)
		return
	}

	req, err := h.WF.CreateRequest(r.Context(), userID, services.NewRequest{
		Name:           input.Name,
		DeliveryMode:   input.DeliveryMode,
		Message:        input.Message,
		OrderedSigners: input.OrderedSigners,
		RequireOTP:     input.RequireOTP,
		ExpiryDate:     input.ExpiryDate,
		DocumentIDs:    input.DocumentIDs,
		Signatories:    sigs,
		Reminder:       reminder,
	})
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, requestPayload(req))
}

// Show returns one request: GET /requests?id=
func (h *RequestsHandler) Show(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := queryID(r, "id")
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "missing_id", nil)
		return
	}
	req, err := h.WF.GetRequest(r.Context(), userID, id)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, requestPayload(req))
}

// Initiate sends a draft out for signatures: POST /requests/initiate?id=
func (h *RequestsHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.WF.Initiate)
}

// Cancel stops a live request: POST /requests/cancel?id=
func (h *RequestsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.WF.Cancel)
}

// Activate resurrects a canceled request: POST /requests/activate?id=
func (h *RequestsHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.WF.Activate)
}

func (h *RequestsHandler) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, senderID, requestID uint, ip string) (*models.SignatureRequest, error)) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := queryID(r, "id")
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "missing_id", nil)
		return
	}
	req, err := op(r.Context(), userID, id, clientIP(r))
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, requestPayload(req))
}

// Audit lists the request's trail: GET /requests/audit?id=
func (h *RequestsHandler) Audit(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := queryID(r, "id")
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "missing_id", nil)
		return
	}
	trail, err := h.WF.AuditTrail(r.Context(), userID, id)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": trail, "total": len(trail)})
}

// PatchSignatory applies a partial update: PATCH /requests/signatory?id=&signatory_id=
func (h *RequestsHandler) PatchSignatory(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := queryID(r, "id")
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "missing_id", nil)
		return
	}
	signatoryID, ok := queryID(r, "signatory_id")
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "missing_signatory_id", nil)
		return
	}
	var patch models.SignatoryPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}

	v := validation.Violations{}
	if patch.Email != nil {
		validation.Email("email", *patch.Email, v)
	}
	if patch.PhoneNumber != nil {
		validation.Phone("phone_number", *patch.PhoneNumber, v)
	}
	if patch.Role != nil {
		validation.OneOf("role", *patch.Role, []string{models.RoleSigner, models.RoleViewer, models.RoleApprover}, v)
	}
	if patch.SigningOrder != nil {
		validation.PositiveInt("signing_order", *patch.SigningOrder, v)
	}
	if !v.Empty() {
		httpx.JSONError(w, http.StatusBadRequest, "validation_failed", v)
		return
	}

	s, err := h.WF.UpdateSignatory(r.Context(), userID, id, signatoryID, patch)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, s)
}

func requestPayload(r *models.SignatureRequest) map[string]any {
	docs := make([]map[string]any, 0, len(r.Documents))
	for _, d := range r.Documents {
		docs = append(docs, map[string]any{"id": d.ID, "title": d.Title, "status": d.Status})
	}
	sigs := make([]map[string]any, 0, len(r.Signatories))
	for _, s := range r.Signatories {
		sigs = append(sigs, map[string]any{
			"id":            s.ID,
			"first_name":    s.FirstName,
			"last_name":     s.LastName,
			"email":         s.Email,
			"role":          s.Role,
			"signing_order": s.SigningOrder,
			"signed_at":     s.SignedAt,
		})
	}
	payload := map[string]any{
		"id":              r.ID,
		"name":            r.Name,
		"message":         r.Message,
		"status":          r.Status,
		"ordered_signers": r.OrderedSigners,
		"require_otp":     r.RequireOTP,
		"expiry_date":     r.ExpiryDate,
		"documents":       docs,
		"signatories":     sigs,
	}
	if r.ReminderPolicy != nil {
		payload["reminder"] = map[string]any{
			"interval_days":   r.ReminderPolicy.IntervalDays,
			"max_occurrences": r.ReminderPolicy.MaxOccurrences,
			"timezone":        r.ReminderPolicy.Timezone,
		}
	}
	return payload
}
