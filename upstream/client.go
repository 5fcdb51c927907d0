// Package upstream reads the activist-CRM's paginated entity feeds.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/greenfieldops/organizer_mirror/config"
	"github.com/greenfieldops/organizer_mirror/models"
	"github.com/greenfieldops/organizer_mirror/syncerr"
)

var feedPaths = map[models.EntityKind]string{
	models.KindPerson:          "people",
	models.KindDonation:        "donations",
	models.KindSubmission:      "submissions",
	models.KindFundraisingPage: "fundraising_pages",
}

type Client struct {
	baseURL  string
	apiKey   string
	pageSize int
	http     *http.Client
	limiter  <-chan time.Time
}

func NewClient(cfg *config.Settings) *Client {
	interval := time.Minute / time.Duration(cfg.UpstreamRatePerMin)
	return &Client{
		baseURL:  strings.TrimRight(cfg.UpstreamBaseURL, "/"),
		apiKey:   cfg.UpstreamAPIKey,
		pageSize: cfg.UpstreamPageSize,
		http:     &http.Client{Timeout: time.Duration(cfg.UpstreamTimeoutSecs) * time.Second},
		limiter:  time.Tick(interval),
	}
}

type listResponse struct {
	Data       []json.RawMessage `json:"data"`
	NextCursor string            `json:"next_cursor"`
	HasMore    *bool             `json:"has_more"`
}

// Fetch reads the current full state of one record. NotFound is surfaced,
// not retried: the record may have been merged or deleted upstream.
func (c *Client) Fetch(ctx context.Context, kind models.EntityKind, id string) (models.SyncRecord, error) {
	path, ok := feedPaths[kind]
	if !ok {
		return nil, &syncerr.Validation{Field: "entity_kind", Detail: "unknown kind " + string(kind)}
	}

	body, err := c.get(ctx, fmt.Sprintf("%s/%s/%s", c.baseURL, path, url.PathEscape(id)), kind, id)
	if err != nil {
		return nil, err
	}
	return decodeRecord(kind, body)
}

// ListPage reads one page of a feed. The cursor is an opaque resumable
// token; pass the empty string for the first page. A zero since means no
// lower bound. Returns the records, the next cursor ("" when exhausted).
func (c *Client) ListPage(ctx context.Context, kind models.EntityKind, cursor string, since time.Time) ([]models.SyncRecord, string, error) {
	path, ok := feedPaths[kind]
	if !ok {
		return nil, "", &syncerr.Validation{Field: "entity_kind", Detail: "unknown kind " + string(kind)}
	}

	params := url.Values{}
	params.Set("limit", strconv.Itoa(c.pageSize))
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if !since.IsZero() {
		params.Set("updated_since", since.UTC().Format(time.RFC3339))
	}

	body, err := c.get(ctx, c.baseURL+"/"+path+"?"+params.Encode(), kind, "")
	if err != nil {
		return nil, "", err
	}

	var parsed listResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, "", &syncerr.Transient{Err: err}
	}

	records := make([]models.SyncRecord, 0, len(parsed.Data))
	for _, raw := range parsed.Data {
		rec, derr := decodeRecord(kind, raw)
		if derr != nil {
			// One malformed record must not sink the page.
			config.LogError(config.GetLogger(), "upstream", "ListPage", string(kind), string(raw), derr)
			continue
		}
		records = append(records, rec)
	}

	next := parsed.NextCursor
	if parsed.HasMore != nil && !*parsed.HasMore {
		next = ""
	}
	return records, next, nil
}

func (c *Client) get(ctx context.Context, endpoint string, kind models.EntityKind, id string) ([]byte, error) {
	select {
	case <-c.limiter:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("OSDI-API-Token", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &syncerr.Transient{Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &syncerr.NotFound{Kind: string(kind), ID: id}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &syncerr.RateLimited{RetryAfter: retryAfter(resp)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &syncerr.Auth{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	case resp.StatusCode >= 500:
		return nil, &syncerr.Transient{Err: fmt.Errorf("upstream api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &syncerr.Validation{Detail: fmt.Sprintf("upstream api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}
	return body, nil
}

func retryAfter(resp *http.Response) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
