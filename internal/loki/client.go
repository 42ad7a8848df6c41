// Package loki fetches log lines from a Loki datasource through Grafana's
// datasource query API and projects structured fields out of each line.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/capigate/capigate/internal/config"
)

// Entry is one fetched log line with its extracted fields.
type Entry struct {
	Raw       string         `json:"raw"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields"`
}

// FetchResult carries the entries plus a human-readable error. The adapter
// never fails hard: a timeout or upstream error yields zero entries and an
// error string the run summary can surface.
type FetchResult struct {
	Entries []Entry
	Err     string
}

// Query describes one fetch: what to ask Loki and how to project the lines.
type Query struct {
	Expr       string
	MaxLines   int
	Lookback   string // e.g. "15m"; sent as from=now-15m
	Extraction config.ExtractionConfig
}

// Client talks to one Grafana instance.
type Client struct {
	grafanaURL    string
	token         string
	datasourceUID string
	httpClient    *http.Client
	log           *slog.Logger
}

// NewClient builds a client for the given source. timeout bounds the whole
// query round trip.
func NewClient(source config.LogSourceConfig, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		grafanaURL:    strings.TrimSuffix(source.GrafanaURL, "/"),
		token:         source.Token,
		datasourceUID: source.DatasourceUID,
		httpClient:    &http.Client{Timeout: timeout},
		log:           log,
	}
}

// dsQueryRequest is the /api/ds/query payload: one query frame, refId "A".
type dsQueryRequest struct {
	From    string        `json:"from"`
	To      string        `json:"to"`
	Queries []dsQueryItem `json:"queries"`
}

type dsQueryItem struct {
	RefID      string       `json:"refId"`
	Datasource dsDatasource `json:"datasource"`
	Expr       string       `json:"expr"`
	QueryType  string       `json:"queryType"`
	MaxLines   int          `json:"maxLines,omitempty"`
}

type dsDatasource struct {
	Type string `json:"type"`
	UID  string `json:"uid"`
}

// dsQueryResponse covers the slice of the Grafana response we read: the "A"
// result's first frame, whose data.values is (timestamps, labels, lines).
type dsQueryResponse struct {
	Results map[string]struct {
		Frames []struct {
			Data struct {
				Values []json.RawMessage `json:"values"`
			} `json:"data"`
		} `json:"frames"`
	} `json:"results"`
}

// Fetch runs the query and projects each line through the extraction rules.
func (c *Client) Fetch(ctx context.Context, q Query) FetchResult {
	payload := dsQueryRequest{
		From: "now-" + q.Lookback,
		To:   "now",
		Queries: []dsQueryItem{{
			RefID:      "A",
			Datasource: dsDatasource{Type: "loki", UID: c.datasourceUID},
			Expr:       q.Expr,
			QueryType:  "range",
			MaxLines:   q.MaxLines,
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return FetchResult{Err: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.grafanaURL+"/api/ds/query", bytes.NewReader(body))
	if err != nil {
		return FetchResult{Err: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return FetchResult{Err: "Request timeout"}
		}
		return FetchResult{Err: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return FetchResult{Err: fmt.Sprintf("grafana returned status %d", resp.StatusCode)}
	}

	var parsed dsQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return FetchResult{Err: "failed to decode grafana response: " + err.Error()}
	}

	result, ok := parsed.Results["A"]
	if !ok || len(result.Frames) == 0 {
		return FetchResult{}
	}
	values := result.Frames[0].Data.Values
	if len(values) < 3 {
		return FetchResult{}
	}

	var timestamps []int64
	var lines []string
	if err := json.Unmarshal(values[0], &timestamps); err != nil {
		return FetchResult{Err: "unexpected timestamps column: " + err.Error()}
	}
	// values[1] holds stream labels; the detection pipeline only reads the
	// line content.
	if err := json.Unmarshal(values[2], &lines); err != nil {
		return FetchResult{Err: "unexpected lines column: " + err.Error()}
	}

	entries := make([]Entry, 0, len(lines))
	for i, line := range lines {
		entry := Entry{Raw: line}
		if i < len(timestamps) {
			entry.Timestamp = time.Unix(0, timestamps[i]).UTC()
		}
		if q.Extraction.Format == "json" {
			fields, ok := extractFields(line, q.Extraction.Fields)
			if !ok {
				// Non-JSON lines in a JSON stream are noise, not an error.
				continue
			}
			entry.Fields = fields
		}
		entries = append(entries, entry)
	}

	c.log.Debug("fetched log lines", "expr", q.Expr, "lines", len(lines), "entries", len(entries))
	return FetchResult{Entries: entries}
}

// extractFields parses the line as JSON and projects each configured dotted
// path. Returns ok=false when the line itself does not parse.
func extractFields(line string, fields map[string]string) (map[string]any, bool) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(line), &doc); err != nil {
		return nil, false
	}
	out := make(map[string]any, len(fields))
	for name, path := range fields {
		if v, ok := lookupPath(doc, path); ok {
			out[name] = v
		}
	}
	return out, true
}

// lookupPath walks a dotted path through nested objects. A missing key or a
// non-object intermediate short-circuits to not-found.
func lookupPath(doc map[string]any, path string) (any, bool) {
	var current any = doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok || current == nil {
			return nil, false
		}
	}
	return current, true
}
