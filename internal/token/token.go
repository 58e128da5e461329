// Package token issues and validates the secure link tokens that grant a
// signer access to their documents without a login session. Tokens are
// self-contained signed credentials; there is no revocation list, so
// callers must additionally check the live request status before honoring
// one.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidOrExpired is the single failure surfaced by Validate. A
// malformed token, a bad signature, missing claims and a past expiry all
// collapse into it so callers cannot tell the failure modes apart.
var ErrInvalidOrExpired = errors.New("invalid_or_expired_token")

// Claims binds one access grant: this signer, this request, these
// documents, under this OTP requirement.
type Claims struct {
	SignatureRequestID uint   `json:"signature_request_id"`
	SignerEmail        string `json:"sub"`
	SignatoryID        uint   `json:"signatory_id"`
	DocumentIDs        []uint `json:"document_ids"`
	RequireOTP         bool   `json:"require_otp"`
	jwt.RegisteredClaims
}

type Codec struct {
	secret []byte
	now    func() time.Time
}

func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret), now: time.Now}
}

// NewCodecAt is NewCodec with an injected clock, for tests.
func NewCodecAt(secret string, now func() time.Time) *Codec {
	return &Codec{secret: []byte(secret), now: now}
}

// Issue signs a token expiring at the given instant.
func (c *Codec) Issue(requestID uint, signerEmail string, signatoryID uint, documentIDs []uint, requireOTP bool, expiry time.Time) (string, error) {
	claims := Claims{
		SignatureRequestID: requestID,
		SignerEmail:        signerEmail,
		SignatoryID:        signatoryID,
		DocumentIDs:        documentIDs,
		RequireOTP:         requireOTP,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(c.now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Validate fails closed: any parse, signature, shape or expiry problem
// yields ErrInvalidOrExpired.
func (c *Codec) Validate(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidOrExpired
		}
		return c.secret, nil
	}, jwt.WithTimeFunc(c.now))
	if err != nil || !tok.Valid {
		return nil, ErrInvalidOrExpired
	}
	if claims.SignatureRequestID == 0 || claims.SignatoryID == 0 || claims.SignerEmail == "" || len(claims.DocumentIDs) == 0 {
		return nil, ErrInvalidOrExpired
	}
	if claims.ExpiresAt == nil {
		return nil, ErrInvalidOrExpired
	}
	return claims, nil
}
