// Package notify is the contract with the email collaborator. The
// workflow only sees the Sender interface and treats any non-success
// delivery as a hard failure of the operation that triggered it.
package notify

import (
	"errors"
	"fmt"
)

// ErrDeliveryFailed wraps every non-success delivery outcome.
var ErrDeliveryFailed = errors.New("notification_delivery_failed")

type DeliveryResult struct {
	Success    bool
	StatusCode int
}

type Sender interface {
	Send(to, subject, htmlBody string) (DeliveryResult, error)
}

// SignatureRequestEmail is the message carrying a signer's secure link.
func SignatureRequestEmail(link, message string) (subject, html string) {
	subject = "Signature request"
	html = fmt.Sprintf(`<p>You have a new signature request.</p>
<p>Message: %s</p>
<p>Please <a href=%q>click here</a> to sign the document.</p>`, message, link)
	return subject, html
}

// OTPEmail carries the one-time code.
func OTPEmail(code string) (subject, html string) {
	return "Your OTP Code", fmt.Sprintf("<p>Your OTP code is: %s</p>", code)
}

var statusMessages = map[string]string{
	"draft":            "The request is still in draft mode and hasn't been sent.",
	"sent":             "The documents have been sent out for signatures.",
	"viewed":           "A signer has viewed the documents.",
	"partially_signed": "Some required parties have signed; others are still pending.",
	"completed":        "All required parties have signed, and the process is now completed.",
	"expired":          "The signature request has expired without being completed.",
	"canceled":         "The signature request has been canceled.",
}

// StatusEmail tells the sender (or, at completion, everyone) where the
// request stands.
func StatusEmail(requestName string, requestID uint, status string) (subject, html string) {
	detail, ok := statusMessages[status]
	if !ok {
		detail = "There has been an update to your signature request."
	}
	subject = fmt.Sprintf("Signature request update for '%s' (#%d)", requestName, requestID)
	html = fmt.Sprintf(`<p>Hello,</p>
<p>This is a notification regarding the signature request <strong>'%s'</strong>.</p>
<p><strong>Status:</strong> %s</p>
<p><strong>Details:</strong> %s</p>`, requestName, status, detail)
	return subject, html
}
