package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"duck-coordinator/internal/urlrewrite"
)

// Column describes one result column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// QueryError describes why a query failed.
type QueryError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s: %s", e.Kind, e.Message)
}

// QueryStats reports lifecycle progress of a statement.
type QueryStats struct {
	State         string     `json:"state"`
	Queued        bool       `json:"queued"`
	RowsDelivered int64      `json:"rowsDelivered"`
	SubmittedAt   time.Time  `json:"submittedAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
}

// QueryResults is one page of the statement protocol.
type QueryResults struct {
	ID        string          `json:"id"`
	InfoURI   string          `json:"infoUri"`
	NextURI   string          `json:"nextUri,omitempty"`
	CancelURI string          `json:"cancelUri,omitempty"`
	Columns   []Column        `json:"columns,omitempty"`
	Data      [][]interface{} `json:"data,omitempty"`
	Stats     QueryStats      `json:"stats"`
	Error     *QueryError     `json:"error,omitempty"`
}

// Done reports whether no further page exists.
func (r *QueryResults) Done() bool { return r.NextURI == "" }

// QueryInfo is the listing representation of a query.
type QueryInfo struct {
	ID             string      `json:"id"`
	Query          string      `json:"query"`
	State          string      `json:"state"`
	SubmittedAt    time.Time   `json:"submittedAt"`
	LastAccessedAt time.Time   `json:"lastAccessedAt"`
	StartedAt      *time.Time  `json:"startedAt,omitempty"`
	EndedAt        *time.Time  `json:"endedAt,omitempty"`
	RowsDelivered  int64       `json:"rowsDelivered"`
	Error          *QueryError `json:"error,omitempty"`
	Self           string      `json:"self"`
}

// ListOptions filters ListQueries. Zero values mean no filter.
type ListOptions struct {
	State string
	Limit *int
}

// Submit posts a statement. Admission rejections are retried up to
// MaxRetries times, honoring Retry-After.
func (c *Client) Submit(ctx context.Context, sql string) (*QueryResults, error) {
	header := http.Header{}
	if c.PrefixURL != "" {
		header.Set(urlrewrite.HeaderPrefixURL, c.PrefixURL)
	}
	header.Set("Content-Type", "text/plain; charset=utf-8")

	for attempt := 0; ; attempt++ {
		resp, err := c.do(ctx, http.MethodPost, c.BaseURL+"/v1/statement", bodyReader(sql), header)
		if err != nil {
			return nil, err
		}
		var res QueryResults
		err = decodeJSON(resp, &res)
		if err == nil {
			return &res, nil
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.HTTPStatus != http.StatusTooManyRequests || attempt >= c.MaxRetries {
			return nil, err
		}
		if err := sleepCtx(ctx, retryDelay(err, attempt)); err != nil {
			return nil, err
		}
	}
}

// Next fetches the page behind res.NextURI. It returns nil when res is the
// last page.
func (c *Client) Next(ctx context.Context, res *QueryResults) (*QueryResults, error) {
	if res.Done() {
		return nil, nil
	}
	u, err := c.resolve(res.NextURI)
	if err != nil {
		return nil, fmt.Errorf("resolve next uri: %w", err)
	}
	resp, err := c.do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, err
	}
	var next QueryResults
	if err := decodeJSON(resp, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// Run submits sql and follows nextUri until the last page, calling fn for
// every page including the first. If ctx ends first the statement is
// canceled on a best-effort basis. A FAILED query is returned as
// *QueryError alongside its final page.
func (c *Client) Run(ctx context.Context, sql string, fn func(*QueryResults) error) (*QueryResults, error) {
	res, err := c.Submit(ctx, sql)
	if err != nil {
		return nil, err
	}
	for {
		if fn != nil {
			if err := fn(res); err != nil {
				c.cancelDetached(res)
				return res, err
			}
		}
		if res.Done() {
			break
		}
		if len(res.Data) == 0 && res.Stats.State != "FINISHED" {
			if err := sleepCtx(ctx, c.PollInterval); err != nil {
				c.cancelDetached(res)
				return res, err
			}
		}
		next, err := c.Next(ctx, res)
		if err != nil {
			if ctx.Err() != nil {
				c.cancelDetached(res)
			}
			return res, err
		}
		res = next
	}
	if res.Error != nil {
		return res, res.Error
	}
	return res, nil
}

func (c *Client) cancelDetached(res *QueryResults) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.Cancel(ctx, res)
}

// Cancel cancels the statement behind res. It is a no-op once res carries
// no cancel URI.
func (c *Client) Cancel(ctx context.Context, res *QueryResults) error {
	if res == nil || res.CancelURI == "" {
		return nil
	}
	u, err := c.resolve(res.CancelURI)
	if err != nil {
		return fmt.Errorf("resolve cancel uri: %w", err)
	}
	resp, err := c.do(ctx, http.MethodDelete, u, nil, nil)
	if err != nil {
		return err
	}
	return expectNoContent(resp)
}

// ListQueries returns the gateway's query listing.
func (c *Client) ListQueries(ctx context.Context, opts ListOptions) ([]QueryInfo, error) {
	q := url.Values{}
	if opts.State != "" {
		q.Set("state", opts.State)
	}
	if opts.Limit != nil {
		q.Set("limit", strconv.Itoa(*opts.Limit))
	}
	resp, err := c.Do(ctx, http.MethodGet, "/query", q, nil)
	if err != nil {
		return nil, err
	}
	var out []QueryInfo
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetQuery returns one query by id.
func (c *Client) GetQuery(ctx context.Context, id string) (*QueryInfo, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/query/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, err
	}
	var out QueryInfo
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// KillQuery cancels a query by id without its slug.
func (c *Client) KillQuery(ctx context.Context, id string) error {
	resp, err := c.Do(ctx, http.MethodDelete, "/query/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return err
	}
	return expectNoContent(resp)
}
