package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"duck-coordinator/internal/domain"
	"duck-coordinator/internal/urlrewrite"
)

const proxyPath = "/v1/proxy"

// proxyPrefixFor returns the prefix under which r reached the proxy
// endpoint.
func (h *APIHandler) proxyPrefixFor(r *http.Request) string {
	if h.proxyPrefix != "" {
		return h.proxyPrefix
	}
	return baseURL(r) + proxyPath + "?uri="
}

// Proxy handles GET and DELETE /v1/proxy?uri=<payload>. It decodes a
// rewritten URI and replays the request against it, asking for rewritten
// URIs in the response so the client stays behind the proxy.
func (h *APIHandler) Proxy(w http.ResponseWriter, r *http.Request) {
	payload := r.URL.Query().Get("uri")
	if payload == "" {
		writeError(w, r, h.logger, domain.ErrValidation("uri parameter is required"))
		return
	}
	prefix := h.proxyPrefixFor(r)
	target, err := urlrewrite.Decode(prefix+payload, prefix)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	u, err := url.Parse(target)
	if err != nil {
		writeError(w, r, h.logger, domain.ErrValidation("malformed uri %q", target))
		return
	}
	if !strings.HasPrefix(u.Path, "/v1/") || strings.HasPrefix(u.Path, proxyPath) {
		writeError(w, r, h.logger, domain.ErrValidation("uri %q does not address a statement or query", target))
		return
	}

	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext())
	inner := r.Clone(ctx)
	inner.URL = &url.URL{Path: u.Path, RawPath: u.RawPath, RawQuery: u.RawQuery}
	inner.RequestURI = u.RequestURI()
	inner.Header.Set(urlrewrite.HeaderPrefixURL, prefix)
	h.dispatch.ServeHTTP(w, inner)
}
