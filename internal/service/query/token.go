package query

import (
	"encoding/base64"
	"strings"

	"duck-coordinator/internal/domain"
)

const tokenPrefix = "t"

// EncodeToken wraps an engine cursor into an opaque URI-safe token.
func EncodeToken(c domain.Cursor) string {
	return tokenPrefix + base64.RawURLEncoding.EncodeToString([]byte(c))
}

// DecodeToken reverses EncodeToken. Malformed tokens are validation errors.
func DecodeToken(token string) (domain.Cursor, error) {
	payload, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return "", domain.ErrValidation("malformed token %q", token)
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", domain.ErrValidation("malformed token %q", token)
	}
	return domain.Cursor(raw), nil
}

// InitialToken addresses the first batch of a query.
func InitialToken() string { return EncodeToken("") }
