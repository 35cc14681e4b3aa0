package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"duck-coordinator/internal/domain"
	"duck-coordinator/internal/service/query"
	"duck-coordinator/internal/urlrewrite"
)

// SubmitStatement handles POST /v1/statement. The body is the SQL text.
func (h *APIHandler) SubmitStatement(w http.ResponseWriter, r *http.Request) {
	rw, err := rewriterFor(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxStatementBytes))
	if err != nil {
		writeError(w, r, h.logger, domain.ErrValidation("read statement: %v", err))
		return
	}

	res, err := h.queries.Submit(r.Context(), string(body))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, renderResults(r, rw, res))
}

// PollStatement handles GET /v1/statement/{queryId}/{slug}/{token}.
func (h *APIHandler) PollStatement(w http.ResponseWriter, r *http.Request) {
	rw, err := rewriterFor(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	res, err := h.queries.Poll(r.Context(),
		chi.URLParam(r, "queryId"), chi.URLParam(r, "slug"), chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, renderResults(r, rw, res))
}

// CancelStatement handles DELETE /v1/statement/{queryId}/{slug}. It is
// idempotent and answers 204.
func (h *APIHandler) CancelStatement(w http.ResponseWriter, r *http.Request) {
	if _, err := h.queries.CancelStatement(chi.URLParam(r, "queryId"), chi.URLParam(r, "slug")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statementURI(base string, info domain.QueryInfo) string {
	return base + "/v1/statement/" + info.ID + "/" + info.Slug
}

func infoURI(base, id string) string {
	return base + "/v1/query/" + id
}

// renderResults builds the response body. Every URI goes through rw so a
// response is either fully rewritten or not at all.
func renderResults(r *http.Request, rw *urlrewrite.Rewriter, res *query.Results) QueryResults {
	base := baseURL(r)
	info := res.Info
	out := QueryResults{
		ID:      info.ID,
		InfoURI: rw.Rewrite(infoURI(base, info.ID)),
		Columns: res.Columns,
		Data:    res.Rows,
		Stats:   statsFromDomain(info),
		Error:   info.Error,
	}
	if res.HasNext() {
		out.NextURI = rw.Rewrite(statementURI(base, info) + "/" + res.NextToken)
	}
	if !info.State.IsTerminal() {
		out.CancelURI = rw.Rewrite(statementURI(base, info))
	}
	return out
}
