package api

import (
	"time"

	"duck-coordinator/internal/domain"
)

// QueryResults is the body returned by submission and every poll.
type QueryResults struct {
	ID        string `json:"id"`
	InfoURI   string `json:"infoUri"`
	NextURI   string `json:"nextUri,omitempty"`
	CancelURI string `json:"cancelUri,omitempty"`

	Columns []domain.Column   `json:"columns,omitempty"`
	Data    []domain.Row      `json:"data,omitempty"`
	Stats   QueryStats        `json:"stats"`
	Error   *domain.ErrorInfo `json:"error,omitempty"`
}

// QueryStats reports lifecycle progress.
type QueryStats struct {
	State         domain.QueryState `json:"state"`
	Queued        bool              `json:"queued"`
	RowsDelivered int64             `json:"rowsDelivered"`
	SubmittedAt   time.Time         `json:"submittedAt"`
	StartedAt     *time.Time        `json:"startedAt,omitempty"`
	EndedAt       *time.Time        `json:"endedAt,omitempty"`
}

// QueryInfo is the listing and info representation of a query. The slug is
// never exposed here.
type QueryInfo struct {
	ID             string            `json:"id"`
	Query          string            `json:"query"`
	State          domain.QueryState `json:"state"`
	SubmittedAt    time.Time         `json:"submittedAt"`
	LastAccessedAt time.Time         `json:"lastAccessedAt"`
	StartedAt      *time.Time        `json:"startedAt,omitempty"`
	EndedAt        *time.Time        `json:"endedAt,omitempty"`
	RowsDelivered  int64             `json:"rowsDelivered"`
	Error          *domain.ErrorInfo `json:"error,omitempty"`
	Self           string            `json:"self"`
}

func statsFromDomain(info domain.QueryInfo) QueryStats {
	return QueryStats{
		State:         info.State,
		Queued:        info.State == domain.QueryStateQueued,
		RowsDelivered: info.RowsDelivered,
		SubmittedAt:   info.SubmittedAt,
		StartedAt:     info.StartedAt,
		EndedAt:       info.EndedAt,
	}
}

func queryInfoFromDomain(info domain.QueryInfo, self string) QueryInfo {
	return QueryInfo{
		ID:             info.ID,
		Query:          info.Query,
		State:          info.State,
		SubmittedAt:    info.SubmittedAt,
		LastAccessedAt: info.LastAccessedAt,
		StartedAt:      info.StartedAt,
		EndedAt:        info.EndedAt,
		RowsDelivered:  info.RowsDelivered,
		Error:          info.Error,
		Self:           self,
	}
}
