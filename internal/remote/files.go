package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// filesPrefix is the API route for path-addressed file content. An entity at
// store path "/tasks/abc.json" is served at "<base>/files/tasks/abc.json".
const filesPrefix = "/files"

// Upload writes the full content to the given store path with overwrite
// semantics. The store exposes no partial writes: a concurrent reader sees
// either the old document or the new one.
func (c *Client) Upload(ctx context.Context, path string, content []byte) error {
	resp, err := c.do(ctx, http.MethodPut, filesPrefix+path, func() io.Reader {
		return bytes.NewReader(content)
	})
	if err != nil {
		return fmt.Errorf("remote: uploading %s: %w", path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("uploaded file",
		slog.String("path", path),
		slog.Int("bytes", len(content)),
	)

	return nil
}

// Download reads the full content at the given store path. A missing path is
// a well-defined outcome: Download returns (nil, nil), not an error.
func (c *Client) Download(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, filesPrefix+path, nil)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("remote: downloading %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote: reading %s: %w", path, err)
	}

	return data, nil
}

// Delete removes the given store path. Deleting a path that does not exist
// is treated as success.
func (c *Client) Delete(ctx context.Context, path string) error {
	resp, err := c.do(ctx, http.MethodDelete, filesPrefix+path, nil)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}

		return fmt.Errorf("remote: deleting %s: %w", path, err)
	}
	resp.Body.Close()

	c.logger.Debug("deleted file", slog.String("path", path))

	return nil
}
