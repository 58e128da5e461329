package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/diewo77/esign/internal/models"
	"github.com/diewo77/esign/internal/notify"
	"github.com/diewo77/esign/internal/otp"
	"github.com/diewo77/esign/internal/policy"
	"github.com/diewo77/esign/internal/storage"
	"github.com/diewo77/esign/internal/token"
)

func setupTestDB(t *testing.T, name string) *gorm.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := conn.AutoMigrate(
		&models.User{}, &models.Document{}, &models.Signatory{},
		&models.SignatureRequest{}, &models.DocField{}, &models.Radio{},
		&models.SignatureEvidence{}, &models.AuditLog{}, &models.ReminderPolicy{},
		&models.RequestDocument{}, &models.RequestSignatory{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

type sentMail struct {
	To      string
	Subject string
	Body    string
}

type fakeSender struct {
	mu   sync.Mutex
	mail []sentMail
	fail bool
}

func (f *fakeSender) Send(to, subject, body string) (notify.DeliveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return notify.DeliveryResult{Success: false, StatusCode: 550}, nil
	}
	f.mail = append(f.mail, sentMail{To: to, Subject: subject, Body: body})
	return notify.DeliveryResult{Success: true, StatusCode: 250}, nil
}

func (f *fakeSender) linkMails() []sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMail
	for _, m := range f.mail {
		if m.Subject == "Signature request" {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSender) lastTo(to, subject string) (sentMail, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.mail) - 1; i >= 0; i-- {
		if f.mail[i].To == to && f.mail[i].Subject == subject {
			return f.mail[i], true
		}
	}
	return sentMail{}, false
}

type fakeStamper struct {
	store *storage.FS
	fail  bool
}

func (f *fakeStamper) Stamp(workingRef string, field *models.DocField, signatory *models.Signatory) error {
	if f.fail {
		return errors.New("stamp blew up")
	}
	data, err := f.store.Read(workingRef)
	if err != nil {
		return err
	}
	data = append(data, []byte(fmt.Sprintf("\n%%stamp field=%d by=%s", field.ID, signatory.Email))...)
	return f.store.Write(workingRef, data)
}

type fakeSealer struct {
	store *storage.FS
}

func (f *fakeSealer) Seal(workingRef string) (string, error) {
	data, err := f.store.Read(workingRef)
	if err != nil {
		return "", err
	}
	data = append(data, []byte("\n%%sealed")...)
	if err := f.store.Write(workingRef, data); err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

type harness struct {
	t       *testing.T
	db      *gorm.DB
	store   *storage.FS
	sender  *fakeSender
	stamper *fakeStamper
	wf      *Workflow
}

func newHarness(t *testing.T) *harness {
	conn := setupTestDB(t, t.Name())
	store, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	sender := &fakeSender{}
	stamper := &fakeStamper{store: store}
	wf := NewWorkflow(Deps{
		DB:       conn,
		Tokens:   token.NewCodec("test-secret"),
		OTP:      otp.NewMemoryStore(),
		Blobs:    store,
		Sender:   sender,
		Stamper:  stamper,
		Sealer:   &fakeSealer{store: store},
		Accounts: NewAccountDirectory(conn),
		Audit:    NewRecorder(conn, zap.NewNop()),
		BaseURL:  "http://localhost:8080",
	})
	return &harness{t: t, db: conn, store: store, sender: sender, stamper: stamper, wf: wf}
}

func (h *harness) seedUser(email string) models.User {
	u := models.User{Email: email, FirstName: "Ada", LastName: "Sender"}
	if err := h.db.Create(&u).Error; err != nil {
		h.t.Fatalf("seed user: %v", err)
	}
	return u
}

func (h *harness) seedDocument(ownerID uint, title string) *models.Document {
	d, err := h.wf.UploadDocument(context.Background(), ownerID, title, title+".pdf", []byte("%PDF-1.4 body of "+title))
	if err != nil {
		h.t.Fatalf("upload document: %v", err)
	}
	return d
}

func signer(first, email string, order int, docID uint) models.Signatory {
	x, y, wd, ht := 40, 60, 180, 48
	return models.Signatory{
		FirstName:    first,
		LastName:     "Tester",
		Email:        email,
		Role:         models.RoleSigner,
		SigningOrder: order,
		Fields: []models.DocField{{
			Type: models.FieldSignature, Page: 1,
			X: &x, Y: &y, Width: &wd, Height: &ht,
			DocumentID: docID,
		}},
	}
}

func (h *harness) createRequest(senderID uint, ordered, requireOTP bool, docIDs []uint, sigs []models.Signatory) *models.SignatureRequest {
	r, err := h.wf.CreateRequest(context.Background(), senderID, NewRequest{
		Name:           "Contract pack",
		Message:        "please sign",
		OrderedSigners: ordered,
		RequireOTP:     requireOTP,
		DocumentIDs:    docIDs,
		Signatories:    sigs,
	})
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	return r
}

func (h *harness) reload(id uint) *models.SignatureRequest {
	r, err := h.wf.loadRequest(context.Background(), id)
	if err != nil {
		h.t.Fatalf("reload request: %v", err)
	}
	return r
}

var otpDigits = regexp.MustCompile(`\d{6}`)

func (h *harness) fetchOTP(email string) string {
	m, ok := h.sender.lastTo(email, "Your OTP Code")
	if !ok {
		h.t.Fatalf("no otp mail for %s", email)
	}
	code := otpDigits.FindString(m.Body)
	if code == "" {
		h.t.Fatalf("no code in otp mail %q", m.Body)
	}
	return code
}

func TestInitiateRequiresSignersAndDocuments(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("sender@example.com")
	doc := h.seedDocument(u.ID, "lease")

	empty := h.createRequest(u.ID, false, false, []uint{doc.ID}, nil)
	if _, err := h.wf.Initiate(context.Background(), u.ID, empty.ID, "127.0.0.1"); !errors.Is(err, ErrMissingSignersOrDocuments) {
		t.Fatalf("expected ErrMissingSignersOrDocuments, got %v", err)
	}
	if h.reload(empty.ID).Status != models.RequestDraft {
		t.Fatalf("request left DRAFT without signers")
	}
}

func TestOrderedInitiateNotifiesLowestOrderOnly(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("sender@example.com")
	doc := h.seedDocument(u.ID, "lease")
	// creation order deliberately scrambled relative to signing order
	r := h.createRequest(u.ID, true, false, []uint{doc.ID}, []models.Signatory{
		signer("Carol", "c@example.com", 3, doc.ID),
		signer("Alice", "a@example.com", 1, doc.ID),
		signer("Bob", "b@example.com", 2, doc.ID),
	})
	if _, err := h.wf.Initiate(context.Background(), u.ID, r.ID, "127.0.0.1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	links := h.sender.linkMails()
	if len(links) != 1 || links[0].To != "a@example.com" {
		t.Fatalf("expected single link to a@example.com, got %+v", links)
	}
	got := h.reload(r.ID)
	if got.Status != models.RequestSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
	for _, d := range got.Documents {
		if d.Status != models.DocumentSentForSignature {
			t.Fatalf("document status = %s", d.Status)
		}
	}
}

func TestOrderedNotificationSequence(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("sender@example.com")
	doc := h.seedDocument(u.ID, "lease")
	r := h.createRequest(u.ID, true, false, []uint{doc.ID}, []models.Signatory{
		signer("Carol", "c@example.com", 3, doc.ID),
		signer("Alice", "a@example.com", 1, doc.ID),
		signer("Bob", "b@example.com", 2, doc.ID),
	})
	ctx := context.Background()
	if _, err := h.wf.Initiate(ctx, u.ID, r.ID, "127.0.0.1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		if err := h.wf.SubmitSignature(ctx, email, r.ID, "", nil, "127.0.0.1"); err != nil {
			t.Fatalf("submit %s: %v", email, err)
		}
	}

	var sequence []string
	for _, m := range h.sender.linkMails() {
		sequence = append(sequence, m.To)
	}
	want := []string{"a@example.com", "b@example.com", "c@example.com"}
	if len(sequence) != len(want) {
		t.Fatalf("link mails = %v, want %v", sequence, want)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Fatalf("link mails = %v, want %v", sequence, want)
		}
	}
	if h.reload(r.ID).Status != models.RequestCompleted {
		t.Fatalf("request not completed after last signer")
	}
}

func TestSubmitOutOfTurnRejected(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("sender@example.com")
	doc := h.seedDocument(u.ID, "lease")
	r := h.createRequest(u.ID, true, false, []uint{doc.ID}, []models.Signatory{
		signer("Alice", "a@example.com", 1, doc.ID),
		signer("Bob", "b@example.com", 2, doc.ID),
	})
	ctx := context.Background()
	if _, err := h.wf.Initiate(ctx, u.ID, r.ID, "127.0.0.1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := h.wf.SubmitSignature(ctx, "b@example.com", r.ID, "", nil, "127.0.0.1"); !errors.Is(err, ErrOutOfTurn) {
		t.Fatalf("expected ErrOutOfTurn, got %v", err)
	}
}

func TestTwoOrderedSignersWithOTP(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("sender@example.com")
	doc := h.seedDocument(u.ID, "lease")
	r := h.createRequest(u.ID, true, true, []uint{doc.ID}, []models.Signatory{
		signer("Alice", "a@example.com", 1, doc.ID),
		signer("Bob", "b@example.com", 2, doc.ID),
	})
	ctx := context.Background()
	if _, err := h.wf.Initiate(ctx, u.ID, r.ID, "127.0.0.1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	// Alice opens her link
	access, err := h.wf.AccessByToken(ctx, h.reload(r.ID).Token, "10.0.0.1")
	if err != nil {
		t.Fatalf("access: %v", err)
	}
	if !access.RequireOTP || access.Signatory.Email != "a@example.com" {
		t.Fatalf("unexpected access grant: %+v", access)
	}
	if access.Documents[0].Status != models.DocumentViewed {
		t.Fatalf("document not marked viewed")
	}
	trail, err := h.wf.AuditTrail(ctx, u.ID, r.ID)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	var viewed bool
	for _, e := range trail {
		if e.Action == models.ActionDocumentViewed {
			viewed = true
		}
	}
	if !viewed {
		t.Fatalf("no viewed audit entry in %+v", trail)
	}

	// Alice signs with her OTP
	if err := h.wf.RequestOTP(ctx, "a@example.com", r.ID, "10.0.0.1"); err != nil {
		t.Fatalf("request otp: %v", err)
	}
	if err := h.wf.SubmitSignature(ctx, "a@example.com", r.ID, h.fetchOTP("a@example.com"), nil, "10.0.0.1"); err != nil {
		t.Fatalf("alice submit: %v", err)
	}
	mid := h.reload(r.ID)
	if mid.Status != models.RequestPartiallySigned {
		t.Fatalf("request = %s, want partially_signed", mid.Status)
	}
	if mid.Documents[0].Status != models.DocumentPartiallySigned {
		t.Fatalf("document = %s, want partially_signed", mid.Documents[0].Status)
	}
	if _, ok := h.sender.lastTo("b@example.com", "Signature request"); !ok {
		t.Fatalf("bob was not notified after alice signed")
	}

	// Bob signs the same way
	if err := h.wf.RequestOTP(ctx, "b@example.com", r.ID, "10.0.0.2"); err != nil {
		t.Fatalf("request otp: %v", err)
	}
	if err := h.wf.SubmitSignature(ctx, "b@example.com", r.ID, h.fetchOTP("b@example.com"), nil, "10.0.0.2"); err != nil {
		t.Fatalf("bob submit: %v", err)
	}

	final := h.reload(r.ID)
	if final.Status != models.RequestCompleted {
		t.Fatalf("request = %s, want completed", final.Status)
	}
	if final.Documents[0].Status != models.DocumentSigned {
		t.Fatalf("document = %s, want signed", final.Documents[0].Status)
	}
	for _, s := range final.Signatories {
		if s.SignedAt == nil {
			t.Fatalf("signatory %s has no signed_at", s.Email)
		}
	}
	var evidence []models.SignatureEvidence
	if err := h.db.Where("document_id = ?", doc.ID).Find(&evidence).Error; err != nil {
		t.Fatalf("load evidence: %v", err)
	}
	if len(evidence) != 1 {
		t.Fatalf("evidence count = %d, want 1", len(evidence))
	}
	for _, to := range []string{"sender@example.com", "a@example.com", "b@example.com"} {
		if _, ok := h.sender.lastTo(to, fmt.Sprintf("Signature request update for '%s' (#%d)", r.Name, r.ID)); !ok {
			t.Fatalf("no completion notice for %s", to)
		}
	}
}

func TestSingleSignerNoOTPFinalizesImmediately(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("sender@example.com")
	doc := h.seedDocument(u.ID, "nda")
	r := h.createRequest(u.ID, false, false, []uint{doc.ID}, []models.Signatory{
		signer("Solo", "solo@example.com", 1, doc.ID),
	})
	ctx := context.Background()
	if _, err := h.wf.Initiate(ctx, u.ID, r.ID, "127.0.0.1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := h.wf.SubmitSignature(ctx, "solo@example.com", r.ID, "", nil, "127.0.0.1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if h.reload(r.ID).Status != models.RequestCompleted {
		t.Fatalf("single-signer request did not short-circuit to completed")
	}
}

func TestAtMostOnceFinalizationUnderConcurrency(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("sender@example.com")
	doc := h.seedDocument(u.ID, "lease")
	r := h.createRequest(u.ID, false, false, []uint{doc.ID}, []models.Signatory{
		signer("Alice", "a@example.com", 1, doc.ID),
		signer("Bob", "b@example.com", 1, doc.ID),
	})
	ctx := context.Background()
	if _, err := h.wf.Initiate(ctx, u.ID, r.ID, "127.0.0.1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	var wg sync.WaitGroup
	errsCh := make(chan error, 2)
	for _, email := range []string{"a@example.com", "b@example.com"} {
		wg.Add(1)
		go func(email string) {
			defer wg.Done()
			errsCh <- h.wf.SubmitSignature(ctx, email, r.ID, "", nil, "127.0.0.1")
		}(email)
	}
	wg.Wait()
	close(errsCh)
	for err := range errsCh {
		if err != nil {
			t.Fatalf("concurrent submit: %v", err)
		}
	}

	if h.reload(r.ID).Status != models.RequestCompleted {
		t.Fatalf("request not completed")
	}
	var count int64
	if err := h.db.Model(&models.SignatureEvidence{}).Where("document_id = ?", doc.ID).Count(&count).Error; err != nil {
		t.Fatalf("count evidence: %v", err)
	}
	if count != 1 {
		t.Fatalf("evidence rows = %d, want exactly 1", count)
	}
}

func TestSealedHashRoundTrip(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("sender@example.com")
	doc := h.seedDocument(u.ID, "nda")
	r := h.createRequest(u.ID, false, false, []uint{doc.ID}, []models.Signatory{
		signer("Solo", "solo@example.com", 1, doc.ID),
	})
	ctx := context.Background()
	if _, err := h.wf.Initiate(ctx, u.ID, r.ID, "127.0.0.1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := h.wf.SubmitSignature(ctx, "solo@example.com", r.ID, "", nil, "127.0.0.1"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	data, _, err := h.wf.DownloadSealedForSender(ctx, u.ID, r.ID, doc.ID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	sum := sha256.Sum256(data)
	var ev models.SignatureEvidence
	if err := h.db.Where("document_id = ?", doc.ID).First(&ev).Error; err != nil {
		t.Fatalf("load evidence: %v", err)
	}
	if hex.EncodeToString(sum[:]) != ev.SignedHash {
		t.Fatalf("downloaded hash %x does not match evidence %s", sum, ev.SignedHash)
	}
}

func TestDownloadBeforeCompletionRefused(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("sender@example.com")
	doc := h.seedDocument(u.ID, "nda")
	r := h.createRequest(u.ID, false, false, []uint{doc.ID}, []models.Signatory{
		signer("Solo", "solo@example.com", 1, doc.ID),
	})
	ctx := context.Background()
	if _, err := h.wf.Initiate(ctx, u.ID, r.ID, "127.0.0.1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, _, err := h.wf.DownloadSealedForSender(ctx, u.ID, r.ID, doc.ID); !errors.Is(err, ErrNotDownloadable) {
		t.Fatalf("expected ErrNotDownloadable, got %v", err)
	}
}

func TestDownloadRequiresMatchingCredentials(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("sender@example.com")
	stranger := h.seedUser("stranger@example.com")
	doc := h.seedDocument(u.ID, "nda")
	r := h.createRequest(u.ID, false, false, []uint{doc.ID}, []models.Signatory{
		signer("Solo", "solo@example.com", 1, doc.ID),
	})
	ctx := context.Background()
	if _, err := h.wf.Initiate(ctx, u.ID, r.ID, "127.0.0.1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := h.wf.SubmitSignature(ctx, "solo@example.com", r.ID, "", nil, "127.0.0.1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	raw := h.reload(r.ID).Token

	// the signer's link token keeps working after completion
	if _, _, err := h.wf.DownloadSealedByToken(ctx, raw, doc.ID); err != nil {
		t.Fatalf("download by token: %v", err)
	}
	// but never for a document the token was not issued for
	if _, _, err := h.wf.DownloadSealedByToken(ctx, raw, doc.ID+99); !errors.Is(err, policy.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied for uncovered document, got %v", err)
	}
	if _, _, err := h.wf.DownloadSealedByToken(ctx, "not-a-token", doc.ID); !errors.Is(err, token.ErrInvalidOrExpired) {
		t.Fatalf("expected ErrInvalidOrExpired, got %v", err)
	}
	// the sender path enforces ownership
	if _, _, err := h.wf.DownloadSealedForSender(ctx, stranger.ID, r.ID, doc.ID); !errors.Is(err, policy.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied for non-owner, got %v", err)
	}
}

func TestCreateRequestPersistsReminderPolicy(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("sender@example.com")
	doc := h.seedDocument(u.ID, "lease")
	r, err := h.wf.CreateRequest(context.Background(), u.ID, NewRequest{
		Name:        "Contract pack",
		DocumentIDs: []uint{doc.ID},
		Signatories: []models.Signatory{signer("Solo", "solo@example.com", 1, doc.ID)},
		Reminder:    &models.ReminderPolicy{IntervalDays: 3, MaxOccurrences: 5, Timezone: "Europe/Paris"},
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if r.ReminderPolicy == nil || r.ReminderPolicy.ID == 0 {
		t.Fatalf("reminder policy not persisted on the returned request: %+v", r.ReminderPolicy)
	}

	got := h.reload(r.ID)
	if got.ReminderPolicy == nil {
		t.Fatalf("reminder policy not loaded back")
	}
	if got.ReminderPolicy.IntervalDays != 3 || got.ReminderPolicy.MaxOccurrences != 5 || got.ReminderPolicy.Timezone != "Europe/Paris" {
		t.Fatalf("reminder policy = %+v", got.ReminderPolicy)
	}
}

func TestOrderedTieBreakFollowsCreationOrder(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("sender@example.com")
	doc := h.seedDocument(u.ID, "lease")
	// Bob and Alice share the same signing order; Bob was added first
	r := h.createRequest(u.ID, true, false, []uint{doc.ID}, []models.Signatory{
		signer("Bob", "b@example.com", 1, doc.ID),
		signer("Alice", "a@example.com", 1, doc.ID),
	})
	ctx := context.Background()
	if _, err := h.wf.Initiate(ctx, u.ID, r.ID, "127.0.0.1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	links := h.sender.linkMails()
	if len(links) != 1 || links[0].To != "b@example.com" {
		t.Fatalf("expected the first-added signer to be linked first, got %+v", links)
	}
	if err := h.wf.SubmitSignature(ctx, "a@example.com", r.ID, "", nil, "127.0.0.1"); !errors.Is(err, ErrOutOfTurn) {
		t.Fatalf("expected ErrOutOfTurn for the later-added signer, got %v", err)
	}
	if err := h.wf.SubmitSignature(ctx, "b@example.com", r.ID, "", nil, "127.0.0.1"); err != nil {
		t.Fatalf("bob submit: %v", err)
	}

	var sequence []string
	for _, m := range h.sender.linkMails() {
		sequence = append(sequence, m.To)
	}
	if len(sequence) != 2 || sequence[0] != "b@example.com" || sequence[1] != "a@example.com" {
		t.Fatalf("link mails = %v, want creation order for tied signers", sequence)
	}
}

func TestAccessKeepsRequestDocumentsInSync(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("sender@example.com")
	doc := h.seedDocument(u.ID, "nda")
	r := h.createRequest(u.ID, false, false, []uint{doc.ID}, []models.Signatory{
		signer("Solo", "solo@example.com", 1, doc.ID),
	})
	ctx := context.Background()
	if _, err := h.wf.Initiate(ctx, u.ID, r.ID, "127.0.0.1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	access, err := h.wf.AccessByToken(ctx, h.reload(r.ID).Token, "10.0.0.1")
	if err != nil {
		t.Fatalf("access: %v", err)
	}
	if access.Documents[0].Status != models.DocumentViewed {
		t.Fatalf("grant document = %s, want viewed", access.Documents[0].Status)
	}
	embedded := documentByID(access.Request, doc.ID)
	if embedded == nil {
		t.Fatalf("document missing from the request aggregate")
	}
	if embedded.Status != access.Documents[0].Status {
		t.Fatalf("aggregate document = %s, grant document = %s", embedded.Status, access.Documents[0].Status)
	}
}

func TestCancelCompletedRequestRejected(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("sender@example.com")
	doc := h.seedDocument(u.ID, "nda")
	r := h.createRequest(u.ID, false, false, []uint{doc.ID}, []models.Signatory{
		signer("Solo", "solo@example.com", 1, doc.ID),
	})
	ctx := context.Background()
	if _, err := h.wf.Initiate(ctx, u.ID, r.ID, "127.0.0.1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := h.wf.SubmitSignature(ctx, "solo@example.com", r.ID, "", nil, "127.0.0.1"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err := h.wf.Cancel(ctx, u.ID, r.ID, "127.0.0.1")
	var illegal *models.IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
	if illegal.From != string(models.RequestCompleted) || illegal.To != string(models.RequestCanceled) {
		t.Fatalf("wrong transition context: %+v", illegal)
	}
	if h.reload(r.ID).Status != models.RequestCompleted {
		t.Fatalf("status changed by rejected cancel")
	}
}

func TestCancelAndActivateRoundTrip(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("sender@example.com")
	doc := h.seedDocument(u.ID, "lease")
	r := h.createRequest(u.ID, true, false, []uint{doc.ID}, []models.Signatory{
		signer("Alice", "a@example.com", 1, doc.ID),
		signer("Bob", "b@example.com", 2, doc.ID),
	})
	ctx := context.Background()
	if _, err := h.wf.Initiate(ctx, u.ID, r.ID, "127.0.0.1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := h.wf.Cancel(ctx, u.ID, r.ID, "127.0.0.1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	canceled := h.reload(r.ID)
	if canceled.Status != models.RequestCanceled {
		t.Fatalf("status = %s, want canceled", canceled.Status)
	}
	// a stale but unexpired token must be refused against the live status
	if _, err := h.wf.AccessByToken(ctx, canceled.Token, "10.0.0.1"); !errors.Is(err, ErrRequestClosed) {
		t.Fatalf("expected ErrRequestClosed on canceled request, got %v", err)
	}

	before := len(h.sender.linkMails())
	if _, err := h.wf.Activate(ctx, u.ID, r.ID, "127.0.0.1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	reactivated := h.reload(r.ID)
	if reactivated.Status != models.RequestSent {
		t.Fatalf("status = %s, want sent", reactivated.Status)
	}
	links := h.sender.linkMails()
	if len(links) != before+1 || links[len(links)-1].To != "a@example.com" {
		t.Fatalf("activation should re-link only the first pending signer, got %+v", links[before:])
	}
	// activation is only legal from canceled
	if _, err := h.wf.Activate(ctx, u.ID, r.ID, "127.0.0.1"); err == nil {
		t.Fatalf("activate on sent request should fail")
	}
}

func TestExpiredTokenClosesAccess(t *testing.T) {
	h := newHarness(t)
	codec := token.NewCodec("test-secret")
	expired, err := codec.Issue(1, "a@example.com", 1, []uint{1}, false, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := h.wf.AccessByToken(context.Background(), expired, "10.0.0.1"); !errors.Is(err, token.ErrInvalidOrExpired) {
		t.Fatalf("expected ErrInvalidOrExpired, got %v", err)
	}
}

func TestOTPMismatchLeavesSignerUnsigned(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("sender@example.com")
	doc := h.seedDocument(u.ID, "nda")
	r := h.createRequest(u.ID, false, true, []uint{doc.ID}, []models.Signatory{
		signer("Solo", "solo@example.com", 1, doc.ID),
	})
	ctx := context.Background()
	if _, err := h.wf.Initiate(ctx, u.ID, r.ID, "127.0.0.1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := h.wf.RequestOTP(ctx, "solo@example.com", r.ID, "127.0.0.1"); err != nil {
		t.Fatalf("request otp: %v", err)
	}
	if err := h.wf.SubmitSignature(ctx, "solo@example.com", r.ID, "000000", nil, "127.0.0.1"); !errors.Is(err, otp.ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
	got := h.reload(r.ID)
	if got.Signatories[0].SignedAt != nil {
		t.Fatalf("signer marked signed despite otp mismatch")
	}
	if got.Status != models.RequestSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
}

func TestStampFailureAbortsSubmission(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("sender@example.com")
	doc := h.seedDocument(u.ID, "nda")
	r := h.createRequest(u.ID, false, false, []uint{doc.ID}, []models.Signatory{
		signer("Solo", "solo@example.com", 1, doc.ID),
	})
	ctx := context.Background()
	if _, err := h.wf.Initiate(ctx, u.ID, r.ID, "127.0.0.1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	h.stamper.fail = true
	if err := h.wf.SubmitSignature(ctx, "solo@example.com", r.ID, "", nil, "127.0.0.1"); err == nil {
		t.Fatalf("expected stamping failure")
	}
	got := h.reload(r.ID)
	if got.Signatories[0].SignedAt != nil {
		t.Fatalf("signer marked signed despite stamping failure")
	}
	if got.Status != models.RequestSent {
		t.Fatalf("status = %s, want sent (retryable)", got.Status)
	}

	// the same submission succeeds once stamping recovers
	h.stamper.fail = false
	if err := h.wf.SubmitSignature(ctx, "solo@example.com", r.ID, "", nil, "127.0.0.1"); err != nil {
		t.Fatalf("retry submit: %v", err)
	}
	if h.reload(r.ID).Status != models.RequestCompleted {
		t.Fatalf("retry did not complete the request")
	}
}

func TestNotificationFailureAbortsInitiate(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("sender@example.com")
	doc := h.seedDocument(u.ID, "nda")
	r := h.createRequest(u.ID, false, false, []uint{doc.ID}, []models.Signatory{
		signer("Solo", "solo@example.com", 1, doc.ID),
	})
	h.sender.fail = true
	if _, err := h.wf.Initiate(context.Background(), u.ID, r.ID, "127.0.0.1"); !errors.Is(err, notify.ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	got := h.reload(r.ID)
	if got.Status != models.RequestDraft {
		t.Fatalf("status = %s, want draft (no half-sent request)", got.Status)
	}
	for _, d := range got.Documents {
		if d.Status != models.DocumentDraft {
			t.Fatalf("document status = %s, want draft", d.Status)
		}
	}
}

func TestInitiateByNonOwnerDenied(t *testing.T) {
	h := newHarness(t)
	owner := h.seedUser("owner@example.com")
	intruder := h.seedUser("intruder@example.com")
	doc := h.seedDocument(owner.ID, "nda")
	r := h.createRequest(owner.ID, false, false, []uint{doc.ID}, []models.Signatory{
		signer("Solo", "solo@example.com", 1, doc.ID),
	})
	if _, err := h.wf.Initiate(context.Background(), intruder.ID, r.ID, "127.0.0.1"); err == nil {
		t.Fatalf("non-owner initiate should fail")
	}
}

func TestUpdateSignatoryFrozenAfterFirstSignature(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("sender@example.com")
	doc := h.seedDocument(u.ID, "lease")
	r := h.createRequest(u.ID, true, false, []uint{doc.ID}, []models.Signatory{
		signer("Alice", "a@example.com", 1, doc.ID),
		signer("Bob", "b@example.com", 2, doc.ID),
	})
	ctx := context.Background()
	if _, err := h.wf.Initiate(ctx, u.ID, r.ID, "127.0.0.1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	phone := "+33612345678"
	sigID := h.reload(r.ID).Signatories[0].ID
	if _, err := h.wf.UpdateSignatory(ctx, u.ID, r.ID, sigID, models.SignatoryPatch{PhoneNumber: &phone}); err != nil {
		t.Fatalf("patch before first signature: %v", err)
	}

	if err := h.wf.SubmitSignature(ctx, "a@example.com", r.ID, "", nil, "127.0.0.1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.wf.UpdateSignatory(ctx, u.ID, r.ID, sigID, models.SignatoryPatch{PhoneNumber: &phone}); !errors.Is(err, ErrRequestFrozen) {
		t.Fatalf("expected ErrRequestFrozen, got %v", err)
	}
}

func TestDocumentLockedWhileAttached(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("sender@example.com")
	doc := h.seedDocument(u.ID, "nda")
	r := h.createRequest(u.ID, false, false, []uint{doc.ID}, []models.Signatory{
		signer("Solo", "solo@example.com", 1, doc.ID),
	})
	ctx := context.Background()
	if err := h.wf.DeleteDocument(ctx, u.ID, doc.ID); !errors.Is(err, ErrDocumentLocked) {
		t.Fatalf("expected ErrDocumentLocked, got %v", err)
	}
	if _, err := h.wf.Cancel(ctx, u.ID, r.ID, "127.0.0.1"); err == nil {
		t.Fatalf("cancel of draft should be illegal")
	}

	if _, err := h.wf.Initiate(ctx, u.ID, r.ID, "127.0.0.1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := h.wf.Cancel(ctx, u.ID, r.ID, "127.0.0.1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := h.wf.DeleteDocument(ctx, u.ID, doc.ID); err != nil {
		t.Fatalf("delete after terminal request: %v", err)
	}
}

func TestSaveSignatureStoresImageRef(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("sender@example.com")
	doc := h.seedDocument(u.ID, "nda")
	r := h.createRequest(u.ID, false, false, []uint{doc.ID}, []models.Signatory{
		signer("Solo", "solo@example.com", 1, doc.ID),
	})
	ctx := context.Background()
	if _, err := h.wf.Initiate(ctx, u.ID, r.ID, "127.0.0.1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := h.wf.SaveSignature(ctx, r.ID, "solo@example.com", []byte("png bytes")); err != nil {
		t.Fatalf("save signature: %v", err)
	}
	got := h.reload(r.ID)
	ref := got.Signatories[0].SignatureImageRef
	if ref == "" || !h.store.Exists(ref) {
		t.Fatalf("signature image not stored, ref=%q", ref)
	}
}

func TestFieldValuesPersistOnSubmit(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("sender@example.com")
	doc := h.seedDocument(u.ID, "form")
	sig := signer("Solo", "solo@example.com", 1, doc.ID)
	x, y, wd, ht := 30, 400, 150, 20
	sig.Fields = append(sig.Fields, models.DocField{
		Type: models.FieldText, Page: 1,
		X: &x, Y: &y, Width: &wd, Height: &ht,
		DocumentID: doc.ID,
	})
	r := h.createRequest(u.ID, false, false, []uint{doc.ID}, []models.Signatory{sig})
	ctx := context.Background()
	if _, err := h.wf.Initiate(ctx, u.ID, r.ID, "127.0.0.1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	var textField models.DocField
	if err := h.db.Where("signature_request_id = ? AND type = ?", r.ID, models.FieldText).First(&textField).Error; err != nil {
		t.Fatalf("load field: %v", err)
	}
	values := []FieldValue{{FieldID: textField.ID, Text: "Acme SARL"}}
	if err := h.wf.SubmitSignature(ctx, "solo@example.com", r.ID, "", values, "127.0.0.1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.db.First(&textField, textField.ID).Error; err != nil {
		t.Fatalf("reload field: %v", err)
	}
	if textField.Text != "Acme SARL" {
		t.Fatalf("field text = %q, want submitted value", textField.Text)
	}
}

func TestAuditTrailOrderAndOwnership(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("sender@example.com")
	other := h.seedUser("other@example.com")
	doc := h.seedDocument(u.ID, "nda")
	r := h.createRequest(u.ID, false, false, []uint{doc.ID}, []models.Signatory{
		signer("Solo", "solo@example.com", 1, doc.ID),
	})
	ctx := context.Background()
	if _, err := h.wf.Initiate(ctx, u.ID, r.ID, "127.0.0.1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := h.wf.SubmitSignature(ctx, "solo@example.com", r.ID, "", nil, "127.0.0.1"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := h.wf.AuditTrail(ctx, other.ID, r.ID); err == nil {
		t.Fatalf("non-owner read of audit trail should fail")
	}
	trail, err := h.wf.AuditTrail(ctx, u.ID, r.ID)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	var actions []models.AuditAction
	for _, e := range trail {
		actions = append(actions, e.Action)
	}
	want := []models.AuditAction{
		models.ActionDocumentUploaded,
		models.ActionSignatureRequested,
		models.ActionDocumentSigned,
	}
	if len(actions) != len(want) {
		t.Fatalf("actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("actions = %v, want %v", actions, want)
		}
	}
}
