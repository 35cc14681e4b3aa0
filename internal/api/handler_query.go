package api

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"duck-coordinator/internal/domain"
)

// ListQueries handles GET /v1/query?state=&limit=. Self URIs honor the
// prefix header like statement responses do.
func (h *APIHandler) ListQueries(w http.ResponseWriter, r *http.Request) {
	rw, err := rewriterFor(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	filter, err := parseQueryFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	infos, err := h.queries.List(filter)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	base := baseURL(r)
	out := make([]QueryInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, queryInfoFromDomain(info, rw.Rewrite(infoURI(base, info.ID))))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetQuery handles GET /v1/query/{queryId}.
func (h *APIHandler) GetQuery(w http.ResponseWriter, r *http.Request) {
	rw, err := rewriterFor(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	id := chi.URLParam(r, "queryId")
	info, err := h.queries.Info(id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, queryInfoFromDomain(info, rw.Rewrite(infoURI(baseURL(r), id))))
}

// KillQuery handles DELETE /v1/query/{queryId}. Same semantics as the
// statement cancel URI, without the slug.
func (h *APIHandler) KillQuery(w http.ResponseWriter, r *http.Request) {
	if _, err := h.queries.Cancel(chi.URLParam(r, "queryId")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseQueryFilter reads the optional state and limit parameters. A
// negative limit is rejected, not clamped.
func parseQueryFilter(q url.Values) (domain.QueryFilter, error) {
	var f domain.QueryFilter
	if raw := q.Get("state"); raw != "" {
		state, err := domain.ParseQueryState(raw)
		if err != nil {
			return f, err
		}
		f.State = &state
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return f, domain.ErrValidation("invalid limit %q", raw)
		}
		f.Limit = &n
	}
	return f, f.Validate()
}
