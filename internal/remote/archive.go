package remote

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// ArchiveEntry is one document extracted from a folder archive. Path is the
// store path of the entry ("/tasks/abc.json"), reconstructed from the
// archive's "<folder>/<id>.json" entry names.
type ArchiveEntry struct {
	Path    string
	Content []byte
}

// archiveEntryLimit caps the decompressed size of a single archive entry.
// Entity documents are small; anything larger is a malformed or hostile
// archive and the entry is skipped.
const archiveEntryLimit = 16 << 20 // 16 MiB

// DownloadArchive fetches a folder's immediate contents as one compressed
// archive and returns the extracted documents. Returns (nil, nil) when the
// folder does not exist. Entries that are not regular "<id>.json" documents
// or that fail to decompress are logged and skipped.
func (c *Client) DownloadArchive(ctx context.Context, folder string) ([]ArchiveEntry, error) {
	q := url.Values{"folder": {folder}}

	resp, err := c.do(ctx, http.MethodGet, "/archive?"+q.Encode(), nil)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("remote: downloading archive for %s: %w", folder, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote: reading archive for %s: %w", folder, err)
	}

	entries, err := extractArchive(data, folder, c.logger)
	if err != nil {
		return nil, fmt.Errorf("remote: extracting archive for %s: %w", folder, err)
	}

	c.logger.Debug("downloaded folder archive",
		slog.String("folder", folder),
		slog.Int("entries", len(entries)),
		slog.Int("bytes", len(data)),
	)

	return entries, nil
}

// extractArchive unpacks a zip archive of "<folder>/<id>.json" entries.
func extractArchive(data []byte, folder string, logger *slog.Logger) ([]ArchiveEntry, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening zip: %w", err)
	}

	prefix := strings.TrimPrefix(folder, "/")

	entries := make([]ArchiveEntry, 0, len(zr.File))

	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.HasSuffix(f.Name, ".json") {
			continue
		}

		name := strings.TrimPrefix(f.Name, prefix+"/")
		if strings.Contains(name, "/") {
			// Nested path: archives carry immediate children only, anything
			// deeper is unexpected.
			logger.Warn("skipping nested archive entry", slog.String("entry", f.Name))
			continue
		}

		content, err := readZipEntry(f)
		if err != nil {
			logger.Warn("skipping unreadable archive entry",
				slog.String("entry", f.Name),
				slog.String("error", err.Error()),
			)

			continue
		}

		entries = append(entries, ArchiveEntry{
			Path:    "/" + prefix + "/" + name,
			Content: content,
		})
	}

	return entries, nil
}

// readZipEntry decompresses one bounded archive entry.
func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	content, err := io.ReadAll(io.LimitReader(rc, archiveEntryLimit+1))
	if err != nil {
		return nil, err
	}

	if len(content) > archiveEntryLimit {
		return nil, fmt.Errorf("entry exceeds %d byte limit", archiveEntryLimit)
	}

	return content, nil
}
