// Package client talks to the brief canvas HTTP API.
package client

import (
	"bytes"
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

	"github.com/rs/zerolog"

	"briefcanvas/api/internal/canvas"
	"briefcanvas/api/internal/docstore"
	"briefcanvas/api/internal/editlock"
	"briefcanvas/api/internal/rbac"
	"briefcanvas/api/internal/snapshot"
)

// APIError is a non-2xx response. It unwraps to the matching canvas
// sentinel so callers can use errors.Is on either side of the wire.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "LOCK_REQUIRED":
		return canvas.ErrLockRequired
	case "LOCK_MISMATCH":
		return canvas.ErrLockMismatch
	case "LOCK_EXPIRED":
		return canvas.ErrLockExpired
	case "LOCK_HELD":
		return canvas.ErrLockHeld
	case "VALIDATION_FAILED":
		return canvas.ErrValidationFailed
	case "SNAPSHOT_NOT_FOUND":
		return canvas.ErrSnapshotNotFound
	case "BRIEF_NOT_FOUND":
		return canvas.ErrBriefNotFound
	case "FORBIDDEN":
		return canvas.ErrForbidden
	}
	return nil
}

// RemainingSeconds is set on LOCK_HELD responses.
func (e *APIError) RemainingSeconds() int {
	v, _ := e.Details["remainingSeconds"].(float64)
	return int(v)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }
func WithLogger(log zerolog.Logger) Option { return func(c *Client) { c.log = log } }

// New returns a client for the API at baseURL, authenticating with the
// given bearer token.
func New(baseURL, bearer string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   bearer,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Code    string         `json:"code"`
			Error   string         `json:"error"`
			Details map[string]any `json:"details"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
			apiErr.Code, apiErr.Message, apiErr.Details = payload.Code, payload.Error, payload.Details
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func briefPath(briefID string, rest ...string) string {
	return "/api/briefs/" + url.PathEscape(briefID) + strings.Join(rest, "")
}

func (c *Client) CreateBrief(ctx context.Context, title string) (docstore.Canvas, error) {
	var out docstore.Canvas
	err := c.do(ctx, http.MethodPost, "/api/briefs", map[string]any{"title": title}, &out)
	return out, err
}

func (c *Client) GetCanvas(ctx context.Context, briefID string) (docstore.Canvas, error) {
	var out docstore.Canvas
	err := c.do(ctx, http.MethodGet, briefPath(briefID, "/canvas"), nil, &out)
	return out, err
}

func (c *Client) ApplyBatch(ctx context.Context, briefID, lockToken string, ops []canvas.Op) (docstore.Canvas, error) {
	var out docstore.Canvas
	err := c.do(ctx, http.MethodPatch, briefPath(briefID, "/canvas"), map[string]any{"ops": ops, "lockToken": lockToken}, &out)
	return out, err
}

func (c *Client) ArchiveBrief(ctx context.Context, briefID, lockToken string) error {
	return c.do(ctx, http.MethodDelete, briefPath(briefID), map[string]any{"lockToken": lockToken}, nil)
}

func (c *Client) AcquireLock(ctx context.Context, briefID string) (editlock.Grant, error) {
	var out editlock.Grant
	err := c.do(ctx, http.MethodPost, briefPath(briefID, "/lock"), nil, &out)
	return out, err
}

func (c *Client) LockStatus(ctx context.Context, briefID string) (canvas.LockStatus, error) {
	var out canvas.LockStatus
	err := c.do(ctx, http.MethodGet, briefPath(briefID, "/lock"), nil, &out)
	return out, err
}

func (c *Client) Heartbeat(ctx context.Context, briefID, lockToken string) (time.Time, error) {
	var out struct {
		ExpiresAt time.Time `json:"expiresAt"`
	}
	err := c.do(ctx, http.MethodPost, briefPath(briefID, "/lock/heartbeat"), map[string]any{"lockToken": lockToken}, &out)
	return out.ExpiresAt, err
}

func (c *Client) ReleaseLock(ctx context.Context, briefID, lockToken string) error {
	return c.do(ctx, http.MethodDelete, briefPath(briefID, "/lock"), map[string]any{"lockToken": lockToken}, nil)
}

func (c *Client) CreateSnapshot(ctx context.Context, briefID string) (canvas.SnapshotInfo, error) {
	var out canvas.SnapshotInfo
	err := c.do(ctx, http.MethodPost, briefPath(briefID, "/snapshots"), nil, &out)
	return out, err
}

func (c *Client) ListSnapshots(ctx context.Context, briefID string, page, pageSize int) (snapshot.Listing, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))
	var out snapshot.Listing
	err := c.do(ctx, http.MethodGet, briefPath(briefID, "/snapshots?", q.Encode()), nil, &out)
	return out, err
}

func (c *Client) RestoreSnapshot(ctx context.Context, briefID, snapshotID, lockToken string) (docstore.Canvas, error) {
	var out docstore.Canvas
	err := c.do(ctx, http.MethodPost, briefPath(briefID, "/snapshots/", url.PathEscape(snapshotID), "/restore"), map[string]any{"lockToken": lockToken}, &out)
	return out, err
}

func (c *Client) Publish(ctx context.Context, briefID string) (canvas.SnapshotInfo, error) {
	var out struct {
		Snapshot canvas.SnapshotInfo `json:"snapshot"`
	}
	err := c.do(ctx, http.MethodPost, briefPath(briefID, "/publish"), nil, &out)
	return out.Snapshot, err
}

// ShareBrief gives userID a viewer or editor role. Only the owner may share.
func (c *Client) ShareBrief(ctx context.Context, briefID, userID string, role rbac.Role) (canvas.Member, error) {
	var out canvas.Member
	err := c.do(ctx, http.MethodPut, briefPath(briefID, "/members/", url.PathEscape(userID)), map[string]any{"role": role}, &out)
	return out, err
}

func (c *Client) UnshareBrief(ctx context.Context, briefID, userID string) error {
	return c.do(ctx, http.MethodDelete, briefPath(briefID, "/members/", url.PathEscape(userID)), nil, nil)
}

func (c *Client) ListMembers(ctx context.Context, briefID string) ([]canvas.Member, error) {
	var out struct {
		Items []canvas.Member `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, briefPath(briefID, "/members"), nil, &out)
	return out.Items, err
}

// KeepAlive renews the lock every interval until ctx ends or the lock is
// lost. Transient failures are logged and retried on the next tick; a lost
// lock (expired or taken over) is returned.
func (c *Client) KeepAlive(ctx context.Context, briefID, lockToken string, interval time.Duration) error {
	if interval <= 0 {
		interval = editlock.DefaultTTL / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			expiresAt, err := c.Heartbeat(ctx, briefID, lockToken)
			switch {
			case err == nil:
				c.log.Debug().Str("brief_id", briefID).Time("expires_at", expiresAt).Msg("lock renewed")
			case errors.Is(err, canvas.ErrLockExpired), errors.Is(err, canvas.ErrLockMismatch), errors.Is(err, canvas.ErrBriefNotFound):
				return err
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				c.log.Warn().Err(err).Str("brief_id", briefID).Msg("heartbeat failed, retrying")
			}
		}
	}
}
