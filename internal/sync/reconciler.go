package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Remote store paths for the index documents.
const (
	// indexPath is the single remote index document.
	indexPath = "/index.json"
	// legacyPath is the pre-index single-document snapshot written by old
	// clients. Its presence without /index.json triggers one-time migration.
	legacyPath = "/taskvault.json"
)

// legacyDoc is the old whole-snapshot wire format: one modification time for
// the entire document plus every entity's content keyed by entity key.
type legacyDoc struct {
	Modified time.Time                  `json:"modified"`
	Entities map[string]json.RawMessage `json:"entities"`
}

// Reconciler performs the bidirectional diff-and-merge between the local
// snapshot/index and the remote store. It is driven by the Engine, which
// serializes every pass on the operation chain; methods here assume they
// never run concurrently with each other or with a batch flush.
//
// Conflict resolution is whole-entity, timestamp-based, last-writer-wins.
// Equal timestamps mean the sides are already consistent: no action.
type Reconciler struct {
	remote          RemoteStore
	store           Store
	downloadWorkers int
	uploadWorkers   int
	logger          *slog.Logger

	// now is the clock used to stamp force-upload rebuilds. Tests pin it.
	now func() time.Time
}

// newReconciler creates a Reconciler.
func newReconciler(remote RemoteStore, store Store, downloadWorkers, uploadWorkers int, logger *slog.Logger) *Reconciler {
	if downloadWorkers <= 0 {
		downloadWorkers = defaultDownloadWorkers
	}

	if uploadWorkers <= 0 {
		uploadWorkers = defaultUploadWorkers
	}

	return &Reconciler{
		remote:          remote,
		store:           store,
		downloadWorkers: downloadWorkers,
		uploadWorkers:   uploadWorkers,
		logger:          logger,
		now:             time.Now,
	}
}

// downloadIndex fetches and decodes the remote index document. Returns
// (nil, nil) when no index exists yet.
func downloadIndex(ctx context.Context, remote RemoteStore) (*Index, error) {
	data, err := remote.Download(ctx, indexPath)
	if err != nil {
		return nil, fmt.Errorf("sync: downloading remote index: %w", err)
	}

	if data == nil {
		return nil, nil //nolint:nilnil // sentinel for "no remote index"
	}

	idx := NewIndex()
	if err := json.Unmarshal(data, idx); err != nil {
		// A malformed index cannot be reconciled against; the pass is
		// abandoned without touching local state rather than treating the
		// store as empty and re-bootstrapping over live data.
		return nil, fmt.Errorf("sync: remote index is malformed: %w", err)
	}

	return idx, nil
}

// uploadIndex encodes and writes the remote index document.
func uploadIndex(ctx context.Context, remote RemoteStore, idx *Index) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("sync: encoding remote index: %w", err)
	}

	if err := remote.Upload(ctx, indexPath, data); err != nil {
		return fmt.Errorf("sync: uploading remote index: %w", err)
	}

	return nil
}

// FullSync runs one complete bidirectional reconciliation pass over the
// given snapshot and local index, mutating both in place:
//
//  1. Download the remote index; bootstrap (or legacy-migrate) if absent.
//  2. Apply newer remote deletions to the local side.
//  3. Pull remote entities that are newer locally unknown or stale.
//  4. Push local entities the remote lacks or holds stale.
//  5. Propagate newer local deletions to the remote.
//  6. Upload the merged remote index; persist the local index and snapshot.
//
// Per-entity transfer failures are logged and skipped; index round-trip
// failures abort the pass with local state untouched beyond already-applied
// entity updates (which are themselves consistent).
func (r *Reconciler) FullSync(ctx context.Context, snap *Snapshot, localIdx *Index) error {
	remoteIdx, err := downloadIndex(ctx, r.remote)
	if err != nil {
		return err
	}

	if remoteIdx == nil {
		return r.bootstrap(ctx, snap, localIdx)
	}

	f := newFetcher(r.remote, r.downloadWorkers, r.logger)

	pulled, err := r.applyRemote(ctx, f, snap, localIdx, remoteIdx)
	if err != nil {
		return err
	}

	pushed, deleted, err := r.pushLocal(ctx, snap, localIdx, remoteIdx)
	if err != nil {
		return err
	}

	if err := uploadIndex(ctx, r.remote, remoteIdx); err != nil {
		return err
	}

	if err := r.persistLocal(ctx, snap, localIdx); err != nil {
		return err
	}

	r.logger.Info("full sync complete",
		slog.Int("pulled", pulled),
		slog.Int("pushed", pushed),
		slog.Int("deletions_propagated", deleted),
		slog.Int("local_entities", len(localIdx.Entities)),
		slog.Int("local_tombstones", len(localIdx.Deletions)),
	)

	return nil
}

// IncrementalPull applies remote deletions and newer remote upserts to the
// local side without any upload work. Used by the change-notification loop.
// Returns whether anything changed locally. An absent remote index is a
// no-op: bootstrap is FullSync's job.
func (r *Reconciler) IncrementalPull(ctx context.Context, snap *Snapshot, localIdx *Index) (bool, error) {
	remoteIdx, err := downloadIndex(ctx, r.remote)
	if err != nil {
		return false, err
	}

	if remoteIdx == nil {
		return false, nil
	}

	f := newFetcher(r.remote, r.downloadWorkers, r.logger)

	changed, err := r.applyRemote(ctx, f, snap, localIdx, remoteIdx)
	if err != nil {
		return false, err
	}

	if changed == 0 {
		return false, nil
	}

	if err := r.persistLocal(ctx, snap, localIdx); err != nil {
		return false, err
	}

	return true, nil
}

// bootstrap handles the first-ever sync against a store with no index:
// upload every local entity plus a fresh remote index. If a legacy
// single-document snapshot exists, whichever of {legacy remote, local} has
// the later whole-snapshot modification time becomes the bootstrap source.
func (r *Reconciler) bootstrap(ctx context.Context, snap *Snapshot, localIdx *Index) error {
	if err := r.migrateLegacy(ctx, snap, localIdx); err != nil {
		return err
	}

	r.logger.Info("bootstrapping remote store",
		slog.Int("entities", len(snap.Entities)),
	)

	remoteIdx := NewIndex()

	uploaded := r.uploadEntities(ctx, snap, localIdx, remoteIdx, snapshotKeys(snap))

	if err := uploadIndex(ctx, r.remote, remoteIdx); err != nil {
		return err
	}

	if err := r.persistLocal(ctx, snap, localIdx); err != nil {
		return err
	}

	r.logger.Info("bootstrap complete", slog.Int("uploaded", uploaded))

	return nil
}

// migrateLegacy checks for the legacy single-document snapshot and, when it
// is newer than the local snapshot, replaces the local contents with it
// before bootstrap. Every migrated entity is stamped with the legacy
// document's modification time — per-entity times were not recorded in the
// old format.
func (r *Reconciler) migrateLegacy(ctx context.Context, snap *Snapshot, localIdx *Index) error {
	data, err := r.remote.Download(ctx, legacyPath)
	if err != nil {
		return fmt.Errorf("sync: checking legacy snapshot: %w", err)
	}

	if data == nil {
		return nil
	}

	var legacy legacyDoc
	if err := json.Unmarshal(data, &legacy); err != nil {
		r.logger.Warn("legacy snapshot is malformed, bootstrapping from local state",
			slog.String("error", err.Error()),
		)

		return nil
	}

	if !legacy.Modified.After(snap.Modified) {
		r.logger.Info("legacy snapshot is older than local state, ignoring",
			slog.Time("legacy_modified", legacy.Modified),
			slog.Time("local_modified", snap.Modified),
		)

		return nil
	}

	r.logger.Info("migrating legacy snapshot",
		slog.Int("entities", len(legacy.Entities)),
		slog.Time("legacy_modified", legacy.Modified),
	)

	snap.Entities = make(map[Key]json.RawMessage, len(legacy.Entities))
	snap.Modified = legacy.Modified
	localIdx.Entities = make(map[Key]time.Time, len(legacy.Entities))
	localIdx.Deletions = make(map[Key]time.Time)

	for k, content := range legacy.Entities {
		key := Key(k)
		if err := validateKey(key); err != nil {
			r.logger.Warn("skipping legacy entity with malformed key",
				slog.String("key", k),
			)

			continue
		}

		snap.Entities[key] = content
		localIdx.RecordUpsert(key, legacy.Modified)
	}

	return nil
}

// applyRemote performs the pull half of a pass: remote deletions first, then
// remote upserts, each applied only when strictly newer than the local side.
// Returns the number of local changes applied.
func (r *Reconciler) applyRemote(
	ctx context.Context, f *fetcher, snap *Snapshot, localIdx *Index, remoteIdx *Index,
) (int, error) {
	changed := 0

	// Remote deletions win when newer. Checked before entities: when a
	// malformed remote index carries both records for one key, the
	// tombstone is considered first, matching the deployed behavior.
	for key, dts := range remoteIdx.Deletions {
		if lts, ok := localIdx.Entities[key]; ok && !dts.After(lts) {
			continue
		}

		if ldts, ok := localIdx.Deletions[key]; ok && !dts.After(ldts) {
			continue
		}

		delete(snap.Entities, key)
		localIdx.RecordDeletion(key, dts)
		changed++
	}

	// Remote upserts win when newer. Collect, then fetch via the bulk
	// selector.
	var toFetch []Key

	remoteTimes := make(map[Key]time.Time)

	for key, rts := range remoteIdx.Entities {
		if dts, ok := remoteIdx.Deletions[key]; ok && !rts.After(dts) {
			// Tombstone overrides the upsert record for the same key.
			continue
		}

		if lts, ok := localIdx.Entities[key]; ok && !rts.After(lts) {
			continue
		}

		if ldts, ok := localIdx.Deletions[key]; ok && !rts.After(ldts) {
			continue
		}

		toFetch = append(toFetch, key)
		remoteTimes[key] = rts
	}

	if len(toFetch) == 0 {
		return changed, nil
	}

	contents, err := f.Fetch(ctx, toFetch, len(remoteIdx.Entities))
	if err != nil {
		return changed, fmt.Errorf("sync: fetching remote entities: %w", err)
	}

	for key, content := range contents {
		snap.Entities[key] = content
		localIdx.RecordUpsert(key, remoteTimes[key])
		changed++
	}

	return changed, nil
}

// pushLocal performs the push half of a pass: upload local entities that are
// newer than (or unknown to) the remote, then propagate newer local
// tombstones. The remote index is updated in memory; the caller uploads it.
func (r *Reconciler) pushLocal(
	ctx context.Context, snap *Snapshot, localIdx *Index, remoteIdx *Index,
) (pushed, deleted int, err error) {
	// Local upserts win when newer.
	var toPush []Key

	for key, lts := range localIdx.Entities {
		if rts, ok := remoteIdx.Entities[key]; ok && !lts.After(rts) {
			continue
		}

		if dts, ok := remoteIdx.Deletions[key]; ok && !lts.After(dts) {
			// Shadowed by a newer remote tombstone; applyRemote already
			// removed the local entity when that tombstone was applied.
			continue
		}

		toPush = append(toPush, key)
	}

	pushed = r.uploadEntities(ctx, snap, localIdx, remoteIdx, toPush)

	// Local deletions propagate when newer than the remote entity record.
	for key, dts := range localIdx.Deletions {
		if rts, ok := remoteIdx.Entities[key]; ok {
			if !dts.After(rts) {
				continue
			}
		} else if rdts, ok := remoteIdx.Deletions[key]; ok && !dts.After(rdts) {
			continue
		}

		// Attempt-and-ignore: the tombstone in the index is what other
		// devices obey; a leftover file unreferenced by the index is
		// invisible to them.
		if delErr := r.remote.Delete(ctx, key.Path()); delErr != nil {
			r.logger.Warn("remote delete failed, recording tombstone anyway",
				slog.String("key", string(key)),
				slog.String("error", delErr.Error()),
			)
		}

		remoteIdx.RecordDeletion(key, dts)
		deleted++
	}

	return pushed, deleted, nil
}

// snapshotKeys lists every entity key in the snapshot. Bootstrap and force
// upload pass this to uploadEntities; the regular push path passes only the
// keys its comparisons selected.
func snapshotKeys(snap *Snapshot) []Key {
	keys := make([]Key, 0, len(snap.Entities))
	for key := range snap.Entities {
		keys = append(keys, key)
	}

	return keys
}

// uploadEntities uploads the given keys with bounded parallelism, recording
// each success in both indices. Per-entity failures are logged and skipped so
// the key stays divergent.
func (r *Reconciler) uploadEntities(
	ctx context.Context, snap *Snapshot, localIdx *Index, remoteIdx *Index, keys []Key,
) int {
	if len(keys) == 0 {
		return 0
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.uploadWorkers)

	var mu gosync.Mutex

	uploaded := 0

	for _, key := range keys {
		key := key

		content, ok := snap.Entities[key]
		if !ok {
			r.logger.Warn("index references entity missing from snapshot",
				slog.String("key", string(key)),
			)

			continue
		}

		g.Go(func() error {
			if err := r.remote.Upload(gctx, key.Path(), content); err != nil {
				r.logger.Warn("entity upload failed, key stays divergent",
					slog.String("key", string(key)),
					slog.String("error", err.Error()),
				)

				return nil
			}

			mu.Lock()
			ts, ok := localIdx.Entities[key]
			if !ok {
				ts = r.now()
				localIdx.RecordUpsert(key, ts)
			}

			remoteIdx.RecordUpsert(key, ts)
			uploaded++
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait()

	return uploaded
}

// ForceUploadAll ignores all comparison logic: it serializes the entire
// local snapshot to individual entity files and rebuilds the remote index
// from scratch with the upload time as every entity's timestamp. All local
// tombstones are cleared — after a force upload the store mirrors this
// device exactly.
func (r *Reconciler) ForceUploadAll(ctx context.Context, snap *Snapshot, localIdx *Index) error {
	now := r.now()

	r.logger.Info("force upload starting", slog.Int("entities", len(snap.Entities)))

	localIdx.Entities = make(map[Key]time.Time, len(snap.Entities))
	localIdx.Deletions = make(map[Key]time.Time)

	for key := range snap.Entities {
		localIdx.Entities[key] = now
	}

	remoteIdx := NewIndex()

	uploaded := r.uploadEntities(ctx, snap, localIdx, remoteIdx, snapshotKeys(snap))

	if err := uploadIndex(ctx, r.remote, remoteIdx); err != nil {
		return err
	}

	// Keys whose upload failed stay out of the remote index but keep their
	// local index entry, stamped with the force-upload time: the next sync
	// pass sees them as newer than the remote and pushes them again.

	if err := r.persistLocal(ctx, snap, localIdx); err != nil {
		return err
	}

	r.logger.Info("force upload complete", slog.Int("uploaded", uploaded))

	return nil
}

// ForceDownloadAll discards the local snapshot, fetches every non-tombstoned
// entity the remote index references, and replaces the local index with the
// remote's view. Entities that fail to download are left out of both the
// snapshot and the rebuilt local index so a later sync retries them.
func (r *Reconciler) ForceDownloadAll(ctx context.Context, snap *Snapshot, localIdx *Index) error {
	remoteIdx, err := downloadIndex(ctx, r.remote)
	if err != nil {
		return err
	}

	if remoteIdx == nil {
		return fmt.Errorf("sync: force download: remote store has no index")
	}

	keys := make([]Key, 0, len(remoteIdx.Entities))

	for key, rts := range remoteIdx.Entities {
		if dts, ok := remoteIdx.Deletions[key]; ok && !rts.After(dts) {
			continue
		}

		keys = append(keys, key)
	}

	r.logger.Info("force download starting", slog.Int("entities", len(keys)))

	f := newFetcher(r.remote, r.downloadWorkers, r.logger)

	contents, err := f.Fetch(ctx, keys, len(remoteIdx.Entities))
	if err != nil {
		return fmt.Errorf("sync: force download: %w", err)
	}

	snap.Entities = make(map[Key]json.RawMessage, len(contents))
	snap.Modified = r.now()
	localIdx.Entities = make(map[Key]time.Time, len(contents))
	localIdx.Deletions = make(map[Key]time.Time)

	for key, content := range contents {
		snap.Entities[key] = content
		localIdx.Entities[key] = remoteIdx.Entities[key]
	}

	for key, dts := range remoteIdx.Deletions {
		localIdx.RecordDeletion(key, dts)
	}

	if err := r.persistLocal(ctx, snap, localIdx); err != nil {
		return err
	}

	r.logger.Info("force download complete", slog.Int("downloaded", len(contents)))

	return nil
}

// persistLocal saves the snapshot and local index through the store.
func (r *Reconciler) persistLocal(ctx context.Context, snap *Snapshot, localIdx *Index) error {
	if err := r.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("sync: persisting snapshot: %w", err)
	}

	if err := r.store.SaveIndex(ctx, localIdx); err != nil {
		return fmt.Errorf("sync: persisting local index: %w", err)
	}

	return nil
}
