package sync

import (
	"context"
	"encoding/json"
	"log/slog"
	gosync "sync"

	"golang.org/x/sync/errgroup"
)

// Transfer pool bounds. Downloads are cheap for the store and bounded by
// local bandwidth; uploads are bounded harder to avoid saturating the
// uplink.
const (
	defaultDownloadWorkers = 10
	defaultUploadWorkers   = 4
)

// Archive-mode thresholds: fetch whole folders as archives when the changed
// set is large in absolute terms or as a fraction of the remote entity set.
const (
	archiveAbsoluteThreshold = 100
	archiveRatioThreshold    = 0.30
)

// fetcher retrieves entity content for a set of keys, choosing between
// per-file downloads and per-folder archive downloads. One fetcher lives for
// one reconciliation pass; its archive cache lets the "pull newer" and
// "force download" paths share a single archive fetch per folder.
type fetcher struct {
	remote          RemoteStore
	downloadWorkers int
	logger          *slog.Logger

	// archiveCache maps folder ("/tasks") to the documents its archive
	// contained, keyed by entity key. A nil map records a folder whose
	// archive was absent or failed, so it is not refetched this pass.
	archiveCache map[string]map[Key]json.RawMessage
}

// newFetcher creates a fetcher for one reconciliation pass.
func newFetcher(remote RemoteStore, downloadWorkers int, logger *slog.Logger) *fetcher {
	if downloadWorkers <= 0 {
		downloadWorkers = defaultDownloadWorkers
	}

	return &fetcher{
		remote:          remote,
		downloadWorkers: downloadWorkers,
		logger:          logger,
		archiveCache:    make(map[string]map[Key]json.RawMessage),
	}
}

// useArchive decides the transfer mode for a fetch of len(keys) entities out
// of totalRemote known to the remote index.
func useArchive(keys, totalRemote int) bool {
	if keys >= archiveAbsoluteThreshold {
		return true
	}

	return totalRemote > 0 && float64(keys)/float64(totalRemote) >= archiveRatioThreshold
}

// Fetch returns the content for every key it could retrieve. Keys that are
// missing remotely or fail to download are logged and absent from the
// result; the caller leaves them divergent for the next pass.
func (f *fetcher) Fetch(ctx context.Context, keys []Key, totalRemote int) (map[Key]json.RawMessage, error) {
	if len(keys) == 0 {
		return map[Key]json.RawMessage{}, nil
	}

	results := make(map[Key]json.RawMessage, len(keys))

	remaining := keys
	if useArchive(len(keys), totalRemote) {
		remaining = f.fetchFromArchives(ctx, keys, results)
	}

	if err := f.fetchIndividual(ctx, remaining, results); err != nil {
		return nil, err
	}

	return results, nil
}

// fetchFromArchives downloads one archive per entity-kind folder (in
// parallel), indexes the contents, and fills results from the cache.
// Returns the keys the archives did not cover — archive fetch failures fall
// back to individual mode for the affected keys rather than failing the
// whole pass.
func (f *fetcher) fetchFromArchives(ctx context.Context, keys []Key, results map[Key]json.RawMessage) []Key {
	// Group keys by folder.
	byFolder := make(map[string][]Key)
	for _, k := range keys {
		byFolder["/"+k.Kind()] = append(byFolder["/"+k.Kind()], k)
	}

	// Fetch uncached folders in parallel.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.downloadWorkers)

	var mu gosync.Mutex

	for folder := range byFolder {
		folder := folder

		if _, cached := f.archiveCache[folder]; cached {
			continue
		}

		g.Go(func() error {
			docs := f.downloadOneArchive(gctx, folder)

			mu.Lock()
			f.archiveCache[folder] = docs
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait()

	var remaining []Key

	for folder, folderKeys := range byFolder {
		docs := f.archiveCache[folder]

		for _, k := range folderKeys {
			if content, ok := docs[k]; ok {
				results[k] = content
			} else {
				remaining = append(remaining, k)
			}
		}
	}

	if len(remaining) > 0 {
		f.logger.Info("archive mode left keys for individual fetch",
			slog.Int("keys", len(remaining)),
		)
	}

	return remaining
}

// downloadOneArchive fetches and indexes a single folder archive. Returns
// nil on absence or failure; the caller falls back to individual fetches.
func (f *fetcher) downloadOneArchive(ctx context.Context, folder string) map[Key]json.RawMessage {
	entries, err := f.remote.DownloadArchive(ctx, folder)
	if err != nil {
		f.logger.Warn("archive fetch failed, falling back to individual downloads",
			slog.String("folder", folder),
			slog.String("error", err.Error()),
		)

		return nil
	}

	if entries == nil {
		f.logger.Debug("archive folder absent", slog.String("folder", folder))
		return nil
	}

	docs := make(map[Key]json.RawMessage, len(entries))

	for _, e := range entries {
		key, ok := keyFromPath(e.Path)
		if !ok {
			f.logger.Warn("skipping archive entry with unrecognized path",
				slog.String("path", e.Path),
			)

			continue
		}

		docs[key] = e.Content
	}

	f.logger.Info("indexed folder archive",
		slog.String("folder", folder),
		slog.Int("documents", len(docs)),
	)

	return docs
}

// fetchIndividual downloads each key's file with bounded parallelism.
// Missing files and per-file failures are logged and skipped.
func (f *fetcher) fetchIndividual(ctx context.Context, keys []Key, results map[Key]json.RawMessage) error {
	if len(keys) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.downloadWorkers)

	var mu gosync.Mutex

	for _, key := range keys {
		key := key

		g.Go(func() error {
			content, err := f.remote.Download(gctx, key.Path())
			if err != nil {
				f.logger.Warn("entity download failed, key stays divergent",
					slog.String("key", string(key)),
					slog.String("error", err.Error()),
				)

				return nil
			}

			if content == nil {
				f.logger.Warn("entity referenced by remote index is missing",
					slog.String("key", string(key)),
				)

				return nil
			}

			mu.Lock()
			results[key] = content
			mu.Unlock()

			return nil
		})
	}

	return g.Wait()
}

// keyFromPath converts a store path "/tasks/abc.json" back to the key
// "tasks/abc".
func keyFromPath(path string) (Key, bool) {
	const suffix = ".json"

	if len(path) == 0 || path[0] != '/' {
		return "", false
	}

	trimmed := path[1:]
	if len(trimmed) <= len(suffix) || trimmed[len(trimmed)-len(suffix):] != suffix {
		return "", false
	}

	key := Key(trimmed[:len(trimmed)-len(suffix)])
	if err := validateKey(key); err != nil {
		return "", false
	}

	return key, true
}
