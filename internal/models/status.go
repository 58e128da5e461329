package models

import "fmt"

// RequestStatus is the lifecycle of a SignatureRequest. It is a closed
// enum distinct from DocumentStatus: the two sets overlap but their legal
// transitions differ, so they are deliberately not unified.
type RequestStatus string

const (
	RequestDraft           RequestStatus = "draft"
	RequestSent            RequestStatus = "sent"
	RequestViewed          RequestStatus = "viewed"
	RequestPartiallySigned RequestStatus = "partially_signed"
	RequestCompleted       RequestStatus = "completed"
	RequestCanceled        RequestStatus = "canceled"
	RequestExpired         RequestStatus = "expired"
)

// DocumentStatus mirrors the request lifecycle but is tracked
// independently per document.
type DocumentStatus string

const (
	DocumentDraft            DocumentStatus = "draft"
	DocumentSentForSignature DocumentStatus = "sent_for_signature"
	DocumentViewed           DocumentStatus = "viewed"
	DocumentPartiallySigned  DocumentStatus = "partially_signed"
	DocumentSigned           DocumentStatus = "signed"
	DocumentRejected         DocumentStatus = "rejected"
)

var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestDraft:           {RequestSent},
	RequestSent:            {RequestViewed, RequestPartiallySigned, RequestCompleted, RequestCanceled, RequestExpired},
	RequestViewed:          {RequestPartiallySigned, RequestCompleted, RequestCanceled, RequestExpired},
	RequestPartiallySigned: {RequestPartiallySigned, RequestCompleted, RequestCanceled, RequestExpired},
	// the only resurrection transition: activate
	RequestCanceled:  {RequestSent},
	RequestCompleted: {},
	RequestExpired:   {},
}

var documentTransitions = map[DocumentStatus][]DocumentStatus{
	DocumentDraft:            {DocumentSentForSignature, DocumentRejected},
	DocumentSentForSignature: {DocumentViewed, DocumentPartiallySigned, DocumentSigned, DocumentRejected},
	DocumentViewed:           {DocumentPartiallySigned, DocumentSigned, DocumentRejected},
	DocumentPartiallySigned:  {DocumentPartiallySigned, DocumentSigned, DocumentRejected},
	DocumentSigned:           {},
	DocumentRejected:         {},
}

// Terminal request statuses reject any further mutation.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestCanceled || s == RequestExpired
}

func (s RequestStatus) CanTransition(to RequestStatus) bool {
	for _, t := range requestTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

func (s DocumentStatus) CanTransition(to DocumentStatus) bool {
	for _, t := range documentTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// IllegalTransitionError identifies a rejected lifecycle mutation with
// its from/to context. Entity is "request" or "document".
type IllegalTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal_transition: %s %s -> %s", e.Entity, e.From, e.To)
}

// Transition validates and applies a request status change.
func (r *SignatureRequest) Transition(to RequestStatus) error {
	if !r.Status.CanTransition(to) {
		return &IllegalTransitionError{Entity: "request", From: string(r.Status), To: string(to)}
	}
	r.Status = to
	return nil
}

// Transition validates and applies a document status change.
func (d *Document) Transition(to DocumentStatus) error {
	if !d.Status.CanTransition(to) {
		return &IllegalTransitionError{Entity: "document", From: string(d.Status), To: string(to)}
	}
	d.Status = to
	return nil
}
