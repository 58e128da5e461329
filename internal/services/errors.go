package services

import "errors"

// Stable error kinds surfaced by the workflow. Handlers map these to
// HTTP statuses; the wire message is the error string itself.
var (
	ErrRequestNotFound           = errors.New("request_not_found")
	ErrDocumentNotFound          = errors.New("document_not_found")
	ErrSignatoryNotFound         = errors.New("signatory_not_found")
	ErrMissingSignersOrDocuments = errors.New("missing_signers_or_documents")
	ErrAlreadySigned             = errors.New("signatory_already_signed")
	ErrOutOfTurn                 = errors.New("signing_out_of_turn")
	ErrRequestClosed             = errors.New("request_closed")
	ErrRequestFrozen             = errors.New("request_frozen")
	ErrDocumentLocked            = errors.New("document_locked")
	ErrNotDownloadable           = errors.New("document_not_downloadable")
)
