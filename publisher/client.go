package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/greenfieldops/organizer_mirror/config"
	"github.com/greenfieldops/organizer_mirror/syncerr"
)

// Row is one destination record: the row's fields keyed by destination
// column name. Rows are matched on the Email column, so publishing is
// idempotent per person.
type Row struct {
	Fields map[string]any `json:"fields"`
}

// RowSender writes a batch of rows to one destination table and returns the
// destination record ids, index-aligned with the input.
type RowSender interface {
	UpsertRows(ctx context.Context, table string, rows []Row) ([]string, error)
}

// Client talks to the destination platform's REST API. One request per
// batch, rows-per-call capped by the caller, rate limited client-side.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter <-chan time.Time
}

func NewClient(cfg *config.Settings) *Client {
	interval := time.Minute / time.Duration(cfg.DestRatePerMin)
	return &Client{
		baseURL: strings.TrimRight(cfg.DestBaseURL, "/"),
		apiKey:  cfg.DestAPIKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: time.Tick(interval),
	}
}

type upsertRequest struct {
	PerformUpsert upsertSpec `json:"performUpsert"`
	Records       []Row      `json:"records"`
}

type upsertSpec struct {
	FieldsToMergeOn []string `json:"fieldsToMergeOn"`
}

type upsertResponse struct {
	Records []struct {
		ID string `json:"id"`
	} `json:"records"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		// Row is the offending record's index for per-row rejections;
		// absent when the whole request failed.
		Row *int `json:"row"`
	} `json:"error"`
}

// RowRejected wraps a validation failure the destination pinned to a single
// row of the batch. The rest of the batch is publishable.
type RowRejected struct {
	Index  int
	Detail string
}

func (e *RowRejected) Error() string {
	return fmt.Sprintf("destination rejected row %d: %s", e.Index, e.Detail)
}

func (c *Client) UpsertRows(ctx context.Context, table string, rows []Row) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.limiter:
	}

	body, err := json.Marshal(upsertRequest{
		PerformUpsert: upsertSpec{FieldsToMergeOn: []string{"Email"}},
		Records:       rows,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+"/"+table, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &syncerr.Transient{Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &syncerr.RateLimited{RetryAfter: retryAfter(resp)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &syncerr.Auth{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	case resp.StatusCode == http.StatusUnprocessableEntity:
		var ae apiError
		if json.Unmarshal(raw, &ae) == nil && ae.Error.Row != nil {
			return nil, &RowRejected{Index: *ae.Error.Row, Detail: ae.Error.Message}
		}
		return nil, &syncerr.Validation{Detail: strings.TrimSpace(string(raw))}
	case resp.StatusCode >= 500:
		return nil, &syncerr.Transient{Err: fmt.Errorf("destination api error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &syncerr.Validation{Detail: fmt.Sprintf("destination api error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	}

	var out upsertResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &syncerr.Transient{Err: fmt.Errorf("malformed destination response: %w", err)}
	}
	if len(out.Records) != len(rows) {
		return nil, &syncerr.Transient{Err: fmt.Errorf("destination returned %d ids for %d rows", len(out.Records), len(rows))}
	}
	ids := make([]string, len(out.Records))
	for i, r := range out.Records {
		ids[i] = r.ID
	}
	return ids, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
