package ads

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"hls-stitcher/internal/cue"
)

const maxResponseBytes = 1 << 20

// Client asks a remote decision server for ads over HTTP. The request is a
// JSON POST describing the break and viewer; the server answers with
// {"segments":[{"uri":...,"duration":...}],"ttl_seconds":N}. 204 means no ad.
type Client struct {
	url        string
	http       *http.Client
	defaultTTL time.Duration
}

// NewClient returns a Client posting to url. defaultTTL applies when the
// server does not send ttl_seconds.
func NewClient(url string, hc *http.Client, defaultTTL time.Duration) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{url: url, http: hc, defaultTTL: defaultTTL}
}

type decideRequest struct {
	BreakID   string  `json:"break_id"`
	Duration  float64 `json:"duration"`
	SessionID string  `json:"session_id"`
	Channel   string  `json:"channel"`
	Viewer    string  `json:"viewer"`
}

type decideResponse struct {
	Segments   []Segment `json:"segments"`
	TTLSeconds float64   `json:"ttl_seconds"`
}

// Decide implements Decider.
func (c *Client) Decide(ctx context.Context, b cue.Break, v Viewer) (Decision, error) {
	body, err := json.Marshal(decideRequest{
		BreakID:   b.ID,
		Duration:  b.Planned,
		SessionID: v.SessionID,
		Channel:   v.Channel,
		Viewer:    v.Viewer,
	})
	if err != nil {
		return Decision{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Decision{}, &DecisionError{Kind: KindUpstream, BreakID: b.ID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Decision{}, classify(b.ID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return Decision{}, &DecisionError{Kind: KindEmpty, BreakID: b.ID}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return Decision{}, &DecisionError{Kind: KindUpstream, BreakID: b.ID, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var out decideResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return Decision{}, classify(b.ID, fmt.Errorf("decode response: %w", err))
	}
	ttl := c.defaultTTL
	if out.TTLSeconds > 0 {
		ttl = time.Duration(out.TTLSeconds * float64(time.Second))
	}
	return Decision{Segments: out.Segments, DecidedAt: time.Now(), TTL: ttl}, nil
}
