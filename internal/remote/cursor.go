package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// longpollSlack is added to the HTTP client deadline on top of the requested
// longpoll timeout so the server can answer "no changes" itself instead of
// the client tearing down the connection first.
const longpollSlack = 30 * time.Second

// cursorResponse mirrors the store's cursor endpoint JSON.
type cursorResponse struct {
	Cursor string `json:"cursor"`
}

// longpollRequest is the body of a longpoll call.
type longpollRequest struct {
	Cursor  string `json:"cursor"`
	Timeout int    `json:"timeout_s"`
}

// longpollResponse mirrors the store's longpoll endpoint JSON.
type longpollResponse struct {
	Changes bool `json:"changes"`
}

// LatestCursor returns an opaque token representing the current state of the
// remote folder tree. Changes made after this call advance past the cursor
// and wake a subsequent Longpoll.
func (c *Client) LatestCursor(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/changes/cursor", nil)
	if err != nil {
		return "", fmt.Errorf("remote: fetching cursor: %w", err)
	}
	defer resp.Body.Close()

	var cr cursorResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("remote: decoding cursor response: %w", err)
	}

	if cr.Cursor == "" {
		return "", fmt.Errorf("remote: store returned empty cursor")
	}

	return cr.Cursor, nil
}

// Longpoll blocks until something changes after cursor or the timeout
// elapses, reporting whether changes were detected. An invalidated cursor
// surfaces as ErrBadCursor (HTTP 410); callers discard the cursor and fetch
// a fresh one.
//
// The call runs on a context with its own deadline so a stalled server
// cannot hold the loop past the agreed window.
func (c *Client) Longpoll(ctx context.Context, cursor string, timeout time.Duration) (bool, error) {
	body, err := json.Marshal(longpollRequest{
		Cursor:  cursor,
		Timeout: int(timeout.Seconds()),
	})
	if err != nil {
		return false, fmt.Errorf("remote: encoding longpoll request: %w", err)
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout+longpollSlack)
	defer cancel()

	resp, err := c.do(pollCtx, http.MethodPost, "/changes/longpoll", func() io.Reader {
		return bytes.NewReader(body)
	})
	if err != nil {
		return false, fmt.Errorf("remote: longpoll: %w", err)
	}
	defer resp.Body.Close()

	var lr longpollResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return false, fmt.Errorf("remote: decoding longpoll response: %w", err)
	}

	c.logger.Debug("longpoll returned", slog.Bool("changes", lr.Changes))

	return lr.Changes, nil
}
