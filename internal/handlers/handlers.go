package handlers

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/diewo77/esign/httpx"
	"github.com/diewo77/esign/internal/models"
	"github.com/diewo77/esign/internal/notify"
	"github.com/diewo77/esign/internal/otp"
	"github.com/diewo77/esign/internal/pdf"
	"github.com/diewo77/esign/internal/policy"
	"github.com/diewo77/esign/internal/services"
	"github.com/diewo77/esign/internal/token"
)

// currentUserID reads the account id injected by the upstream auth layer.
// Authentication itself lives outside this service.
func currentUserID(r *http.Request) (uint, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func requireUser(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, ok := currentUserID(r)
	if !ok {
		httpx.JSONError(w, http.StatusUnauthorized, "unauthorized", nil)
	}
	return id, ok
}

func queryID(r *http.Request, name string) (uint, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// clientIP prefers the forwarded address set by the proxy in front.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeWorkflowError maps workflow error kinds to HTTP statuses. The wire
// message is the stable snake_case kind; transition rejections carry
// their from/to context in the details.
func writeWorkflowError(w http.ResponseWriter, err error) {
	var illegal *models.IllegalTransitionError
	switch {
	case errors.As(err, &illegal):
		httpx.JSONError(w, http.StatusConflict, "illegal_transition", map[string]string{
			"entity": illegal.Entity, "from": illegal.From, "to": illegal.To,
		})
	case errors.Is(err, token.ErrInvalidOrExpired):
		httpx.JSONError(w, http.StatusUnauthorized, token.ErrInvalidOrExpired.Error(), nil)
	case errors.Is(err, otp.ErrNotFound):
		httpx.JSONError(w, http.StatusUnauthorized, otp.ErrNotFound.Error(), nil)
	case errors.Is(err, otp.ErrExpired):
		httpx.JSONError(w, http.StatusUnauthorized, otp.ErrExpired.Error(), nil)
	case errors.Is(err, otp.ErrMismatch):
		httpx.JSONError(w, http.StatusUnauthorized, otp.ErrMismatch.Error(), nil)
	case errors.Is(err, policy.ErrPermissionDenied):
		httpx.JSONError(w, http.StatusForbidden, policy.ErrPermissionDenied.Error(), nil)
	case errors.Is(err, services.ErrRequestNotFound):
		httpx.JSONError(w, http.StatusNotFound, services.ErrRequestNotFound.Error(), nil)
	case errors.Is(err, services.ErrDocumentNotFound):
		httpx.JSONError(w, http.StatusNotFound, services.ErrDocumentNotFound.Error(), nil)
	case errors.Is(err, services.ErrSignatoryNotFound):
		httpx.JSONError(w, http.StatusNotFound, services.ErrSignatoryNotFound.Error(), nil)
	case errors.Is(err, services.ErrMissingSignersOrDocuments):
		httpx.JSONError(w, http.StatusBadRequest, services.ErrMissingSignersOrDocuments.Error(), nil)
	case errors.Is(err, services.ErrRequestClosed):
		httpx.JSONError(w, http.StatusGone, services.ErrRequestClosed.Error(), nil)
	case errors.Is(err, services.ErrAlreadySigned):
		httpx.JSONError(w, http.StatusConflict, services.ErrAlreadySigned.Error(), nil)
	case errors.Is(err, services.ErrOutOfTurn):
		httpx.JSONError(w, http.StatusConflict, services.ErrOutOfTurn.Error(), nil)
	case errors.Is(err, services.ErrRequestFrozen):
		httpx.JSONError(w, http.StatusConflict, services.ErrRequestFrozen.Error(), nil)
	case errors.Is(err, services.ErrDocumentLocked):
		httpx.JSONError(w, http.StatusConflict, services.ErrDocumentLocked.Error(), nil)
	case errors.Is(err, services.ErrNotDownloadable):
		httpx.JSONError(w, http.StatusConflict, services.ErrNotDownloadable.Error(), nil)
	case errors.Is(err, notify.ErrDeliveryFailed):
		httpx.JSONError(w, http.StatusBadGateway, notify.ErrDeliveryFailed.Error(), nil)
	case errors.Is(err, pdf.ErrPageOutOfRange):
		httpx.JSONError(w, http.StatusBadRequest, pdf.ErrPageOutOfRange.Error(), nil)
	case errors.Is(err, pdf.ErrStamping):
		httpx.JSONError(w, http.StatusInternalServerError, pdf.ErrStamping.Error(), nil)
	default:
		httpx.JSONError(w, http.StatusInternalServerError, "internal_error", nil)
	}
}
