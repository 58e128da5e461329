package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/diewo77/esign/internal/models"
	"github.com/diewo77/esign/internal/notify"
	"github.com/diewo77/esign/internal/otp"
	"github.com/diewo77/esign/internal/policy"
	"github.com/diewo77/esign/internal/storage"
	"github.com/diewo77/esign/internal/token"
)

// DocumentStamper writes one field's value onto the working copy of a
// document. Callers serialize per document.
type DocumentStamper interface {
	Stamp(workingRef string, field *models.DocField, signatory *models.Signatory) error
}

// ArtifactSealer locks a working file against edits and returns the
// sha256 hex of the sealed bytes.
type ArtifactSealer interface {
	Seal(workingRef string) (string, error)
}

const defaultLinkTTL = 7 * 24 * time.Hour

// Deps is everything the workflow engine collaborates with. Sender,
// Stamper, Sealer, Previews and the clock are interfaces/functions so
// tests can inject fakes.
type Deps struct {
	DB       *gorm.DB
	Log      *zap.Logger
	Tokens   *token.Codec
	OTP      otp.Store
	Blobs    storage.BlobStore
	Sender   notify.Sender
	Stamper  DocumentStamper
	Sealer   ArtifactSealer
	Previews PreviewRenderer
	Accounts AccountDirectory
	Audit    *Recorder
	BaseURL  string
	LinkTTL  time.Duration
	Now      func() time.Time
}

// Workflow is the signing orchestration engine: it decides who may
// access which documents, in what order, under what proof requirement,
// and drives every request/document status transition.
type Workflow struct {
	db        *gorm.DB
	log       *zap.Logger
	tokens    *token.Codec
	otp       otp.Store
	blobs     storage.BlobStore
	sender    notify.Sender
	stamper   DocumentStamper
	sealer    ArtifactSealer
	previews  PreviewRenderer
	accounts  AccountDirectory
	audit     *Recorder
	baseURL   string
	linkTTL   time.Duration
	now       func() time.Time
	requests  *keyedMutex
	documents *keyedMutex
}

func NewWorkflow(d Deps) *Workflow {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.LinkTTL == 0 {
		d.LinkTTL = defaultLinkTTL
	}
	if d.Previews == nil {
		d.Previews = NoopPreviews{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Workflow{
		db: d.DB, log: d.Log, tokens: d.Tokens, otp: d.OTP, blobs: d.Blobs,
		sender: d.Sender, stamper: d.Stamper, sealer: d.Sealer,
		previews: d.Previews, accounts: d.Accounts, audit: d.Audit,
		baseURL: d.BaseURL, linkTTL: d.LinkTTL, now: d.Now,
		requests: newKeyedMutex(), documents: newKeyedMutex(),
	}
}

// NewRequest is the input for assembling a draft request. Fields nested
// under each signatory reference a document by ID.
type NewRequest struct {
	Name           string
	DeliveryMode   string
	Message        string
	OrderedSigners bool
	RequireOTP     bool
	ExpiryDate     *time.Time
	DocumentIDs    []uint
	Signatories    []models.Signatory
	Reminder       *models.ReminderPolicy
}

// Access is what a valid secure link grants: the signatory's identity,
// their documents and fields, and whether an OTP is still required.
type Access struct {
	Request    *models.SignatureRequest
	Signatory  *models.Signatory
	Documents  []models.Document
	Fields     []models.DocField
	RequireOTP bool
}

// FieldValue carries one submitted field input. Nil members mean "not
// submitted"; RadioID selects the checked option of a radio group.
type FieldValue struct {
	FieldID uint   `json:"field_id"`
	Text    string `json:"text"`
	Checked *bool  `json:"checked"`
	RadioID *uint  `json:"radio_id"`
}

// CreateRequest assembles a draft. Empty document/signatory sets are
// allowed here; Initiate is the gate that refuses to leave DRAFT without
// them. Signatory emails are opportunistically linked to accounts.
func (w *Workflow) CreateRequest(ctx context.Context, senderID uint, in NewRequest) (*models.SignatureRequest, error) {
	docs, err := w.loadDocuments(ctx, in.DocumentIDs)
	if err != nil {
		return nil, err
	}
	owned := make([]policy.Ownable, len(docs))
	for i := range docs {
		owned[i] = docs[i]
	}
	if err := policy.RequireOwnerAll(senderID, owned); err != nil {
		return nil, err
	}

	r := models.SignatureRequest{
		Name:           in.Name,
		DeliveryMode:   in.DeliveryMode,
		Message:        in.Message,
		OrderedSigners: in.OrderedSigners,
		RequireOTP:     in.RequireOTP,
		ExpiryDate:     in.ExpiryDate,
		Status:         models.RequestDraft,
		SenderID:       senderID,
	}

	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&r).Error; err != nil {
			return err
		}
		if in.Reminder != nil {
			rp := *in.Reminder
			rp.ID = 0
			rp.RequestID = r.ID
			if err := tx.Create(&rp).Error; err != nil {
				return err
			}
			r.ReminderPolicy = &rp
		}
		for i := range docs {
			if err := tx.Create(&models.RequestDocument{SignatureRequestID: r.ID, DocumentID: docs[i].ID}).Error; err != nil {
				return err
			}
		}
		for _, sg := range in.Signatories {
			s := sg
			fields := s.Fields
			s.Fields = nil
			s.CreatorID = senderID
			if s.UserID == nil {
				if id, ok := w.accounts.LookupByEmail(s.Email); ok {
					s.UserID = &id
				}
			}
			if err := tx.Create(&s).Error; err != nil {
				return err
			}
			if err := tx.Create(&models.RequestSignatory{SignatureRequestID: r.ID, SignatoryID: s.ID}).Error; err != nil {
				return err
			}
			for _, f := range fields {
				f.SignatureRequestID = r.ID
				f.SignerID = &s.ID
				if err := tx.Create(&f).Error; err != nil {
					return err
				}
			}
		}
		a := w.audit.WithTx(tx)
		for i := range docs {
			desc := fmt.Sprintf("Document '%s' attached to request '%s'", docs[i].Title, r.Name)
			if err := a.Record(models.ActionDocumentUploaded, desc, "", r.ID, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w.loadRequest(ctx, r.ID)
}

// Initiate moves a draft into SENT: validates the aggregate, issues
// secure links to the first signer (ordered) or every signer (parallel),
// and only persists the transition once every link email went out.
func (w *Workflow) Initiate(ctx context.Context, senderID, requestID uint, ip string) (*models.SignatureRequest, error) {
	unlock := w.requests.Lock(requestID)
	defer unlock()

	r, err := w.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := policy.RequireOwner(senderID, *r); err != nil {
		return nil, err
	}
	if len(r.Documents) == 0 || len(r.Signatories) == 0 {
		return nil, ErrMissingSignersOrDocuments
	}
	owned := make([]policy.Ownable, len(r.Documents))
	for i := range r.Documents {
		owned[i] = r.Documents[i]
	}
	if err := policy.RequireOwnerAll(senderID, owned); err != nil {
		return nil, err
	}

	if err := r.Transition(models.RequestSent); err != nil {
		return nil, err
	}
	for i := range r.Documents {
		if err := r.Documents[i].Transition(models.DocumentSentForSignature); err != nil {
			return nil, err
		}
	}

	lastToken, err := w.sendLinks(r, w.recipients(r))
	if err != nil {
		return nil, err
	}
	r.Token = lastToken

	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.SignatureRequest{}).Where("id = ?", r.ID).
			Updates(map[string]any{"status": r.Status, "token": r.Token}).Error; err != nil {
			return err
		}
		for i := range r.Documents {
			if err := tx.Model(&models.Document{}).Where("id = ?", r.Documents[i].ID).
				Update("status", r.Documents[i].Status).Error; err != nil {
				return err
			}
		}
		desc := fmt.Sprintf("Signature request '%s' sent", r.Name)
		return w.audit.WithTx(tx).Record(models.ActionSignatureRequested, desc, ip, r.ID, nil)
	})
	if err != nil {
		return nil, err
	}

	w.notifySenderStatus(r)
	return r, nil
}

// AccessByToken validates a secure link and marks the grant's documents
// as viewed, idempotently: repeat views keep their audit entry but never
// regress a status.
func (w *Workflow) AccessByToken(ctx context.Context, raw, ip string) (*Access, error) {
	claims, err := w.tokens.Validate(raw)
	if err != nil {
		return nil, err
	}

	unlock := w.requests.Lock(claims.SignatureRequestID)
	defer unlock()

	r, err := w.loadRequest(ctx, claims.SignatureRequestID)
	if err != nil {
		return nil, err
	}
	if err := w.expireIfDue(ctx, r); err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrRequestClosed, r.Status)
	}

	s := signatoryByID(r, claims.SignatoryID)
	if s == nil {
		return nil, ErrSignatoryNotFound
	}
	// transitions go through the request's own documents so the embedded
	// aggregate and the grant's document list never disagree
	granted := make([]*models.Document, 0, len(claims.DocumentIDs))
	for _, id := range claims.DocumentIDs {
		d := documentByID(r, id)
		if d == nil {
			return nil, ErrDocumentNotFound
		}
		granted = append(granted, d)
	}
	fields, err := w.fieldsFor(ctx, r.ID, s.ID)
	if err != nil {
		return nil, err
	}

	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if r.Status.CanTransition(models.RequestViewed) {
			if err := r.Transition(models.RequestViewed); err != nil {
				return err
			}
			if err := tx.Model(&models.SignatureRequest{}).Where("id = ?", r.ID).
				Update("status", r.Status).Error; err != nil {
				return err
			}
		}
		for _, d := range granted {
			if !d.Status.CanTransition(models.DocumentViewed) {
				continue
			}
			if err := d.Transition(models.DocumentViewed); err != nil {
				return err
			}
			if err := tx.Model(&models.Document{}).Where("id = ?", d.ID).
				Update("status", d.Status).Error; err != nil {
				return err
			}
		}
		desc := fmt.Sprintf("Document viewed by %s", s.FullName())
		return w.audit.WithTx(tx).Record(models.ActionDocumentViewed, desc, ip, r.ID, &s.ID)
	})
	if err != nil {
		return nil, err
	}

	docs := make([]models.Document, len(granted))
	for i, d := range granted {
		docs[i] = *d
	}

	return &Access{
		Request:    r,
		Signatory:  s,
		Documents:  docs,
		Fields:     fields,
		RequireOTP: r.RequireOTP,
	}, nil
}

// RequestOTP issues a fresh code for the signatory and emails it. A new
// code overwrites any outstanding one.
func (w *Workflow) RequestOTP(ctx context.Context, email string, requestID uint, ip string) error {
	r, err := w.loadRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrRequestClosed, r.Status)
	}
	s := signatoryByEmail(r, email)
	if s == nil {
		return ErrSignatoryNotFound
	}

	code, err := w.otp.Issue(ctx, email)
	if err != nil {
		return err
	}
	subject, html := notify.OTPEmail(code)
	if err := w.deliver(email, subject, html); err != nil {
		return err
	}
	desc := fmt.Sprintf("OTP sent to %s", email)
	return w.audit.Record(models.ActionOTPSent, desc, ip, r.ID, &s.ID)
}

// SubmitSignature is the heart of the coordinator: verify the OTP when
// required, stamp the signatory's fields onto every working copy, mark
// them signed, then either finalize (last signer) or advance to the next.
// Stamping failure aborts before any state is persisted, leaving the
// submission retryable.
func (w *Workflow) SubmitSignature(ctx context.Context, email string, requestID uint, otpCode string, values []FieldValue, ip string) error {
	unlock := w.requests.Lock(requestID)
	defer unlock()

	r, err := w.loadRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if err := w.expireIfDue(ctx, r); err != nil {
		return err
	}
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrRequestClosed, r.Status)
	}
	s := signatoryByEmail(r, email)
	if s == nil {
		return ErrSignatoryNotFound
	}
	if s.SignedAt != nil {
		return ErrAlreadySigned
	}
	if r.OrderedSigners {
		if pending := r.PendingOrdered(); len(pending) > 0 && pending[0].ID != s.ID {
			return ErrOutOfTurn
		}
	}

	if r.RequireOTP {
		if err := w.otp.Verify(ctx, email, otpCode); err != nil {
			return err
		}
		desc := fmt.Sprintf("OTP verified for %s", email)
		if err := w.audit.Record(models.ActionOTPVerified, desc, ip, r.ID, &s.ID); err != nil {
			return err
		}
	}

	fields, err := w.fieldsFor(ctx, r.ID, s.ID)
	if err != nil {
		return err
	}
	changedFields, changedRadios := applyValues(fields, values)

	for i := range r.Documents {
		if err := w.stampDocument(&r.Documents[i], s, fields); err != nil {
			return err
		}
	}

	now := w.now()
	s.SignedAt = &now

	if r.AllSigned() {
		return w.finalize(ctx, r, s, changedFields, changedRadios, ip)
	}
	return w.advance(ctx, r, s, changedFields, changedRadios, ip)
}

// Cancel stops a live request. Only SENT/VIEWED/PARTIALLY_SIGNED may be
// canceled; anything else reports the illegal transition.
func (w *Workflow) Cancel(ctx context.Context, senderID, requestID uint, ip string) (*models.SignatureRequest, error) {
	unlock := w.requests.Lock(requestID)
	defer unlock()

	r, err := w.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := policy.RequireOwner(senderID, *r); err != nil {
		return nil, err
	}
	if err := r.Transition(models.RequestCanceled); err != nil {
		return nil, err
	}

	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.SignatureRequest{}).Where("id = ?", r.ID).
			Update("status", r.Status).Error; err != nil {
			return err
		}
		desc := fmt.Sprintf("Signature request '%s' canceled", r.Name)
		return w.audit.WithTx(tx).Record(models.ActionRequestCanceled, desc, ip, r.ID, nil)
	})
	if err != nil {
		return nil, err
	}

	w.notifySenderStatus(r)
	return r, nil
}

// Activate resurrects a canceled request: the only legal path back into
// SENT. Fresh links are issued to the still-pending signers; the old
// token stays cryptographically valid but every access path re-checks
// the live status.
func (w *Workflow) Activate(ctx context.Context, senderID, requestID uint, ip string) (*models.SignatureRequest, error) {
	unlock := w.requests.Lock(requestID)
	defer unlock()

	r, err := w.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := policy.RequireOwner(senderID, *r); err != nil {
		return nil, err
	}
	if err := r.Transition(models.RequestSent); err != nil {
		return nil, err
	}

	lastToken, err := w.sendLinks(r, w.recipients(r))
	if err != nil {
		return nil, err
	}
	r.Token = lastToken

	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.SignatureRequest{}).Where("id = ?", r.ID).
			Updates(map[string]any{"status": r.Status, "token": r.Token}).Error; err != nil {
			return err
		}
		desc := fmt.Sprintf("Signature request '%s' reactivated", r.Name)
		return w.audit.WithTx(tx).Record(models.ActionRequestActivated, desc, ip, r.ID, nil)
	})
	if err != nil {
		return nil, err
	}

	w.notifySenderStatus(r)
	return r, nil
}

// DownloadSealedByToken serves the sealed artifact to a link-token holder.
// The token must cover the requested document; the request must be
// COMPLETED and the document SIGNED.
func (w *Workflow) DownloadSealedByToken(ctx context.Context, raw string, documentID uint) ([]byte, *models.Document, error) {
	claims, err := w.tokens.Validate(raw)
	if err != nil {
		return nil, nil, err
	}
	covered := false
	for _, id := range claims.DocumentIDs {
		if id == documentID {
			covered = true
			break
		}
	}
	if !covered {
		return nil, nil, policy.ErrPermissionDenied
	}
	return w.downloadSealed(ctx, claims.SignatureRequestID, documentID)
}

// DownloadSealedForSender serves the sealed artifact to the request owner.
func (w *Workflow) DownloadSealedForSender(ctx context.Context, senderID, requestID, documentID uint) ([]byte, *models.Document, error) {
	r, err := w.loadRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if err := policy.RequireOwner(senderID, *r); err != nil {
		return nil, nil, err
	}
	return w.downloadSealed(ctx, requestID, documentID)
}

func (w *Workflow) downloadSealed(ctx context.Context, requestID, documentID uint) ([]byte, *models.Document, error) {
	r, err := w.loadRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	d := documentByID(r, documentID)
	if d == nil {
		return nil, nil, ErrDocumentNotFound
	}
	if r.Status != models.RequestCompleted || d.Status != models.DocumentSigned {
		return nil, nil, ErrNotDownloadable
	}
	data, err := w.blobs.Read(d.SealedFileRef)
	if err != nil {
		return nil, nil, err
	}
	return data, d, nil
}

// SaveSignature stores a drawn signature image for a signatory ahead of
// their submission; the stamper picks it up instead of rendering the
// script-style name.
func (w *Workflow) SaveSignature(ctx context.Context, requestID uint, email string, png []byte) error {
	r, err := w.loadRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrRequestClosed, r.Status)
	}
	s := signatoryByEmail(r, email)
	if s == nil {
		return ErrSignatoryNotFound
	}
	ref := storage.SignatureImageRef(r.ID, s.ID)
	if err := w.blobs.Write(ref, png); err != nil {
		return err
	}
	return w.db.WithContext(ctx).Model(&models.Signatory{}).Where("id = ?", s.ID).
		Update("signature_image_ref", ref).Error
}

// GetRequest returns the sender's view of a request.
func (w *Workflow) GetRequest(ctx context.Context, senderID, requestID uint) (*models.SignatureRequest, error) {
	r, err := w.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := policy.RequireOwner(senderID, *r); err != nil {
		return nil, err
	}
	return r, nil
}

// AuditTrail returns the request's audit log for its sender.
func (w *Workflow) AuditTrail(ctx context.Context, senderID, requestID uint) ([]models.AuditLog, error) {
	r, err := w.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := policy.RequireOwner(senderID, *r); err != nil {
		return nil, err
	}
	return w.audit.List(r.ID)
}

// UpdateSignatory applies a partial update. Rejected once any signatory
// on the request has signed: the aggregate is structurally frozen.
func (w *Workflow) UpdateSignatory(ctx context.Context, senderID, requestID, signatoryID uint, patch models.SignatoryPatch) (*models.Signatory, error) {
	unlock := w.requests.Lock(requestID)
	defer unlock()

	r, err := w.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := policy.RequireOwner(senderID, *r); err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrRequestClosed, r.Status)
	}
	if r.Frozen() {
		return nil, ErrRequestFrozen
	}
	s := signatoryByID(r, signatoryID)
	if s == nil {
		return nil, ErrSignatoryNotFound
	}

	patch.ApplyTo(s)
	if patch.Email != nil {
		s.UserID = nil
		if id, ok := w.accounts.LookupByEmail(s.Email); ok {
			s.UserID = &id
		}
	}
	if err := w.db.WithContext(ctx).Save(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

// UploadDocument stores the bytes and registers a draft document.
func (w *Workflow) UploadDocument(ctx context.Context, ownerID uint, title, filename string, data []byte) (*models.Document, error) {
	ref := storage.UploadRef(ownerID, filename)
	if err := w.blobs.Write(ref, data); err != nil {
		return nil, err
	}
	d := models.Document{
		Title:   title,
		FileRef: ref,
		Status:  models.DocumentDraft,
		OwnerID: ownerID,
	}
	if err := w.db.WithContext(ctx).Create(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// DocumentLocked reports whether the document is attached to any
// non-terminal request, which blocks edits and deletion.
func (w *Workflow) DocumentLocked(ctx context.Context, documentID uint) (bool, error) {
	terminal := []models.RequestStatus{models.RequestCompleted, models.RequestCanceled, models.RequestExpired}
	var count int64
	err := w.db.WithContext(ctx).Model(&models.SignatureRequest{}).
		Joins("JOIN request_documents rd ON rd.signature_request_id = signature_requests.id").
		Where("rd.document_id = ? AND signature_requests.status NOT IN ? AND signature_requests.deleted = ?", documentID, terminal, false).
		Count(&count).Error
	return count > 0, err
}

// DeleteDocument soft-deletes an owned, unlocked document.
func (w *Workflow) DeleteDocument(ctx context.Context, ownerID, documentID uint) error {
	var d models.Document
	err := w.db.WithContext(ctx).Where("deleted = ?", false).First(&d, documentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrDocumentNotFound
	}
	if err != nil {
		return err
	}
	if err := policy.RequireOwner(ownerID, d); err != nil {
		return err
	}
	locked, err := w.DocumentLocked(ctx, documentID)
	if err != nil {
		return err
	}
	if locked {
		return ErrDocumentLocked
	}
	return w.db.WithContext(ctx).Model(&models.Document{}).Where("id = ?", d.ID).
		Update("deleted", true).Error
}

// ---- coordinator internals ----

// finalize seals every document, flips the request to COMPLETED exactly
// once, records the evidence rows, and tells everyone. Called with the
// request lock held and the submitting signatory already marked signed
// in memory.
func (w *Workflow) finalize(ctx context.Context, r *models.SignatureRequest, s *models.Signatory, changedFields []*models.DocField, changedRadios []*models.Radio, ip string) error {
	if !r.Status.CanTransition(models.RequestCompleted) {
		return &models.IllegalTransitionError{Entity: "request", From: string(r.Status), To: string(models.RequestCompleted)}
	}

	hashes := make(map[uint]string, len(r.Documents))
	for i := range r.Documents {
		doc := &r.Documents[i]
		release := w.documents.Lock(doc.ID)
		hash, err := w.sealer.Seal(doc.SealedFileRef)
		release()
		if err != nil {
			return err
		}
		hashes[doc.ID] = hash
	}

	now := w.now()
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := persistSubmission(tx, s, changedFields, changedRadios); err != nil {
			return err
		}

		// at-most-once: the conditional flip guards against a competing
		// finalizer outside this process.
		res := tx.Model(&models.SignatureRequest{}).
			Where("id = ? AND status <> ?", r.ID, models.RequestCompleted).
			Update("status", models.RequestCompleted)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: already completed", ErrRequestClosed)
		}

		for i := range r.Documents {
			doc := &r.Documents[i]
			if err := doc.Transition(models.DocumentSigned); err != nil {
				return err
			}
			if err := tx.Model(&models.Document{}).Where("id = ?", doc.ID).
				Updates(map[string]any{"status": doc.Status, "sealed_file_ref": doc.SealedFileRef}).Error; err != nil {
				return err
			}
			ev := models.SignatureEvidence{
				DocumentID: doc.ID,
				SignedHash: hashes[doc.ID],
				Timestamp:  now,
				IPAddress:  ip,
			}
			if err := tx.Create(&ev).Error; err != nil {
				return err
			}
		}

		desc := fmt.Sprintf("Document signed by %s", s.FullName())
		return w.audit.WithTx(tx).Record(models.ActionDocumentSigned, desc, ip, r.ID, &s.ID)
	})
	if err != nil {
		return err
	}
	r.Status = models.RequestCompleted

	// completion notices are best-effort: the request is already sealed
	// and completed, a bounced email must not undo that.
	subject, html := notify.StatusEmail(r.Name, r.ID, string(r.Status))
	if err := w.deliver(r.Sender.Email, subject, html); err != nil {
		w.log.Warn("completion notice to sender failed", zap.Uint("request", r.ID), zap.Error(err))
	}
	for i := range r.Signatories {
		if err := w.deliver(r.Signatories[i].Email, subject, html); err != nil {
			w.log.Warn("completion notice to signatory failed",
				zap.Uint("request", r.ID), zap.String("to", r.Signatories[i].Email), zap.Error(err))
		}
	}
	return nil
}

// advance notifies whoever signs next. Link emails must go out before
// anything persists, so a delivery failure leaves the whole submission
// unapplied.
func (w *Workflow) advance(ctx context.Context, r *models.SignatureRequest, s *models.Signatory, changedFields []*models.DocField, changedRadios []*models.Radio, ip string) error {
	if err := r.Transition(models.RequestPartiallySigned); err != nil {
		return err
	}
	for i := range r.Documents {
		if err := r.Documents[i].Transition(models.DocumentPartiallySigned); err != nil {
			return err
		}
	}

	lastToken, err := w.sendLinks(r, w.recipients(r))
	if err != nil {
		return err
	}
	r.Token = lastToken

	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := persistSubmission(tx, s, changedFields, changedRadios); err != nil {
			return err
		}
		if err := tx.Model(&models.SignatureRequest{}).Where("id = ?", r.ID).
			Updates(map[string]any{"status": r.Status, "token": r.Token}).Error; err != nil {
			return err
		}
		for i := range r.Documents {
			doc := &r.Documents[i]
			if err := tx.Model(&models.Document{}).Where("id = ?", doc.ID).
				Updates(map[string]any{"status": doc.Status, "sealed_file_ref": doc.SealedFileRef}).Error; err != nil {
				return err
			}
		}
		desc := fmt.Sprintf("Document signed by %s", s.FullName())
		return w.audit.WithTx(tx).Record(models.ActionDocumentSigned, desc, ip, r.ID, &s.ID)
	})
	if err != nil {
		return err
	}

	w.notifySenderStatus(r)
	return nil
}

// stampDocument writes every one of the signatory's fields bound to this
// document onto its working copy, creating the copy from the original on
// first touch, then invalidates stale page previews.
func (w *Workflow) stampDocument(doc *models.Document, s *models.Signatory, fields []models.DocField) error {
	release := w.documents.Lock(doc.ID)
	defer release()

	if doc.SealedFileRef == "" {
		working := storage.WorkingRef(doc.FileRef)
		data, err := w.blobs.Read(doc.FileRef)
		if err != nil {
			return err
		}
		if err := w.blobs.Write(working, data); err != nil {
			return err
		}
		doc.SealedFileRef = working
	}

	stamped := false
	for i := range fields {
		if fields[i].DocumentID != doc.ID {
			continue
		}
		if err := w.stamper.Stamp(doc.SealedFileRef, &fields[i], s); err != nil {
			return err
		}
		stamped = true
	}
	if !stamped {
		return nil
	}

	previewDir := storage.PreviewDir(doc.OwnerID, doc.ID)
	if err := w.blobs.RemoveAll(previewDir); err != nil {
		w.log.Warn("preview invalidation failed", zap.Uint("document", doc.ID), zap.Error(err))
	}
	if err := w.previews.RenderPages(doc.SealedFileRef, previewDir); err != nil {
		w.log.Warn("preview render failed", zap.Uint("document", doc.ID), zap.Error(err))
	}
	return nil
}

// recipients picks who gets a link now: the lowest pending signing order
// when ordered, everyone pending otherwise.
func (w *Workflow) recipients(r *models.SignatureRequest) []models.Signatory {
	pending := r.PendingOrdered()
	if r.OrderedSigners && len(pending) > 1 {
		return pending[:1]
	}
	return pending
}

// sendLinks issues one token per recipient and emails it. The last
// issued token is returned for the request record. Any delivery failure
// aborts; no state has been persisted at this point.
func (w *Workflow) sendLinks(r *models.SignatureRequest, recipients []models.Signatory) (string, error) {
	docIDs := make([]uint, len(r.Documents))
	for i := range r.Documents {
		docIDs[i] = r.Documents[i].ID
	}
	expiry := w.now().Add(w.linkTTL)
	if r.ExpiryDate != nil && r.ExpiryDate.Before(expiry) {
		expiry = *r.ExpiryDate
	}

	var last string
	for i := range recipients {
		rec := &recipients[i]
		tok, err := w.tokens.Issue(r.ID, rec.Email, rec.ID, docIDs, r.RequireOTP, expiry)
		if err != nil {
			return "", err
		}
		link := fmt.Sprintf("%s/sign?token=%s", w.baseURL, tok)
		subject, html := notify.SignatureRequestEmail(link, r.Message)
		if err := w.deliver(rec.Email, subject, html); err != nil {
			return "", err
		}
		last = tok
	}
	return last, nil
}

func (w *Workflow) deliver(to, subject, html string) error {
	res, err := w.sender.Send(to, subject, html)
	if err != nil {
		return fmt.Errorf("%w: %v", notify.ErrDeliveryFailed, err)
	}
	if !res.Success {
		return fmt.Errorf("%w: status %d", notify.ErrDeliveryFailed, res.StatusCode)
	}
	return nil
}

func (w *Workflow) notifySenderStatus(r *models.SignatureRequest) {
	if r.Sender.Email == "" {
		return
	}
	subject, html := notify.StatusEmail(r.Name, r.ID, string(r.Status))
	if err := w.deliver(r.Sender.Email, subject, html); err != nil {
		w.log.Warn("status notice to sender failed", zap.Uint("request", r.ID), zap.Error(err))
	}
}

// expireIfDue lazily applies a past expiry date. Expiry sweeps live
// outside this core; access paths still have to respect the deadline.
func (w *Workflow) expireIfDue(ctx context.Context, r *models.SignatureRequest) error {
	if r.ExpiryDate == nil || w.now().Before(*r.ExpiryDate) {
		return nil
	}
	if !r.Status.CanTransition(models.RequestExpired) {
		return nil
	}
	if err := r.Transition(models.RequestExpired); err != nil {
		return err
	}
	return w.db.WithContext(ctx).Model(&models.SignatureRequest{}).Where("id = ?", r.ID).
		Update("status", r.Status).Error
}

func (w *Workflow) loadRequest(ctx context.Context, id uint) (*models.SignatureRequest, error) {
	var r models.SignatureRequest
	err := w.db.WithContext(ctx).
		Preload("Documents").
		Preload("Signatories").
		Preload("Sender").
		Preload("ReminderPolicy").
		Where("deleted = ?", false).
		First(&r, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (w *Workflow) loadDocuments(ctx context.Context, ids []uint) ([]models.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var docs []models.Document
	err := w.db.WithContext(ctx).Where("id IN ? AND deleted = ?", ids, false).Find(&docs).Error
	if err != nil {
		return nil, err
	}
	if len(docs) != len(ids) {
		return nil, ErrDocumentNotFound
	}
	return docs, nil
}

func (w *Workflow) fieldsFor(ctx context.Context, requestID, signatoryID uint) ([]models.DocField, error) {
	var fields []models.DocField
	err := w.db.WithContext(ctx).Preload("Radios").
		Where("signature_request_id = ? AND signer_id = ?", requestID, signatoryID).
		Find(&fields).Error
	return fields, err
}

func signatoryByEmail(r *models.SignatureRequest, email string) *models.Signatory {
	for i := range r.Signatories {
		if r.Signatories[i].Email == email {
			return &r.Signatories[i]
		}
	}
	return nil
}

func signatoryByID(r *models.SignatureRequest, id uint) *models.Signatory {
	for i := range r.Signatories {
		if r.Signatories[i].ID == id {
			return &r.Signatories[i]
		}
	}
	return nil
}

func documentByID(r *models.SignatureRequest, id uint) *models.Document {
	for i := range r.Documents {
		if r.Documents[i].ID == id {
			return &r.Documents[i]
		}
	}
	return nil
}

// applyValues copies submitted values onto the loaded fields and returns
// what actually changed, so persistence touches only those rows.
func applyValues(fields []models.DocField, values []FieldValue) ([]*models.DocField, []*models.Radio) {
	var changedFields []*models.DocField
	var changedRadios []*models.Radio
	for _, v := range values {
		for i := range fields {
			f := &fields[i]
			if f.ID != v.FieldID {
				continue
			}
			changed := false
			if v.Text != "" {
				f.Text = v.Text
				changed = true
			}
			if v.Checked != nil {
				f.Checked = *v.Checked
				changed = true
			}
			if v.RadioID != nil {
				for j := range f.Radios {
					radio := &f.Radios[j]
					was := radio.Checked
					radio.Checked = radio.ID == *v.RadioID
					if radio.Checked != was {
						changedRadios = append(changedRadios, radio)
					}
				}
			}
			if changed {
				changedFields = append(changedFields, f)
			}
		}
	}
	return changedFields, changedRadios
}

func persistSubmission(tx *gorm.DB, s *models.Signatory, changedFields []*models.DocField, changedRadios []*models.Radio) error {
	for _, f := range changedFields {
		if err := tx.Model(&models.DocField{}).Where("id = ?", f.ID).
			Updates(map[string]any{"text": f.Text, "checked": f.Checked}).Error; err != nil {
			return err
		}
	}
	for _, radio := range changedRadios {
		if err := tx.Model(&models.Radio{}).Where("id = ?", radio.ID).
			Update("checked", radio.Checked).Error; err != nil {
			return err
		}
	}
	return tx.Model(&models.Signatory{}).Where("id = ?", s.ID).
		Update("signed_at", s.SignedAt).Error
}
