// Package urlrewrite makes statement URIs traversable through a proxy that
// only forwards requests under a fixed prefix.
//
// A rewritten URI is the prefix followed by the base64url encoding of the
// original URI. Decoding reverses that and rejects anything that does not
// carry the expected prefix.
package urlrewrite

import (
	"encoding/base64"
	"net/url"
	"strings"

	"duck-coordinator/internal/domain"
)

// HeaderPrefixURL is the request header that asks for rewritten URIs.
const HeaderPrefixURL = "X-Prefix-Url"

var encoding = base64.URLEncoding

// ValidatePrefix checks that prefix is an absolute http(s) URL.
func ValidatePrefix(prefix string) error {
	u, err := url.Parse(prefix)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return domain.ErrValidation("invalid prefix url %q", prefix)
	}
	return nil
}

// Encode returns prefix + base64url(uri).
func Encode(uri, prefix string) string {
	return prefix + encoding.EncodeToString([]byte(uri))
}

// Decode strips prefix from rewritten and decodes the remainder. A missing
// prefix or malformed payload is a *domain.ValidationError.
func Decode(rewritten, prefix string) (string, error) {
	payload, ok := strings.CutPrefix(rewritten, prefix)
	if !ok {
		return "", domain.ErrValidation("uri does not start with prefix %q", prefix)
	}
	raw, err := encoding.DecodeString(payload)
	if err != nil {
		return "", domain.ErrValidation("malformed rewritten uri: %v", err)
	}
	return string(raw), nil
}

// Rewriter applies one prefix to every URI of a response. The zero value and
// a nil *Rewriter leave URIs unchanged.
type Rewriter struct {
	prefix string
}

// New validates prefix and returns a Rewriter for it. An empty prefix yields
// a pass-through Rewriter.
func New(prefix string) (*Rewriter, error) {
	if prefix == "" {
		return &Rewriter{}, nil
	}
	if err := ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	return &Rewriter{prefix: prefix}, nil
}

// Enabled reports whether URIs are rewritten.
func (r *Rewriter) Enabled() bool { return r != nil && r.prefix != "" }

// Prefix returns the configured prefix.
func (r *Rewriter) Prefix() string {
	if r == nil {
		return ""
	}
	return r.prefix
}

// Rewrite encodes uri, or returns it unchanged when disabled. Empty URIs
// stay empty so absent links remain absent.
func (r *Rewriter) Rewrite(uri string) string {
	if !r.Enabled() || uri == "" {
		return uri
	}
	return Encode(uri, r.prefix)
}

// Restore reverses Rewrite.
func (r *Rewriter) Restore(uri string) (string, error) {
	if !r.Enabled() {
		return uri, nil
	}
	return Decode(uri, r.prefix)
}
