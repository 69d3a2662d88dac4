package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReconciler(fr *fakeRemote, ms *memStore) *Reconciler {
	return newReconciler(fr, ms, 4, 2, discardLogger())
}

func storeIndex(t *testing.T, fr *fakeRemote, idx *Index) {
	t.Helper()

	data, err := json.Marshal(idx)
	require.NoError(t, err)
	fr.setObject(indexPath, data)
}

func TestFullSync_BootstrapUploadsLocalState(t *testing.T) {
	t.Parallel()

	fr := newFakeRemote()
	ms := newMemStore()
	r := testReconciler(fr, ms)

	snap := NewSnapshot()
	localIdx := NewIndex()

	key := NewKey("tasks", "a")
	snap.Entities[key] = json.RawMessage(`{"title":"hello"}`)
	localIdx.RecordUpsert(key, time.Unix(100, 0))

	require.NoError(t, r.FullSync(context.Background(), snap, localIdx))

	assert.JSONEq(t, `{"title":"hello"}`, string(fr.object("/tasks/a.json")))

	remoteIdx, err := fr.remoteIndex()
	require.NoError(t, err)
	assert.True(t, remoteIdx.Entities[key].Equal(time.Unix(100, 0)))

	// Local state was persisted.
	assert.Positive(t, ms.snapSaves)
	assert.Positive(t, ms.idxSaves)
}

func TestFullSync_PullsNewerRemoteEntity(t *testing.T) {
	t.Parallel()

	fr := newFakeRemote()
	ms := newMemStore()
	r := testReconciler(fr, ms)

	key := NewKey("tasks", "a")

	snap := NewSnapshot()
	snap.Entities[key] = json.RawMessage(`{"v":"old"}`)
	localIdx := NewIndex()
	localIdx.RecordUpsert(key, time.Unix(50, 0))

	remoteIdx := NewIndex()
	remoteIdx.RecordUpsert(key, time.Unix(100, 0))
	storeIndex(t, fr, remoteIdx)
	fr.setObject("/tasks/a.json", []byte(`{"v":"new"}`))

	require.NoError(t, r.FullSync(context.Background(), snap, localIdx))

	assert.JSONEq(t, `{"v":"new"}`, string(snap.Entities[key]))
	assert.True(t, localIdx.Entities[key].Equal(time.Unix(100, 0)))
}

func TestFullSync_PushesNewerLocalEntity(t *testing.T) {
	t.Parallel()

	fr := newFakeRemote()
	ms := newMemStore()
	r := testReconciler(fr, ms)

	key := NewKey("tasks", "a")

	snap := NewSnapshot()
	snap.Entities[key] = json.RawMessage(`{"v":"local"}`)
	localIdx := NewIndex()
	localIdx.RecordUpsert(key, time.Unix(100, 0))

	remoteIdx := NewIndex()
	remoteIdx.RecordUpsert(key, time.Unix(50, 0))
	storeIndex(t, fr, remoteIdx)
	fr.setObject("/tasks/a.json", []byte(`{"v":"remote"}`))

	require.NoError(t, r.FullSync(context.Background(), snap, localIdx))

	assert.JSONEq(t, `{"v":"local"}`, string(fr.object("/tasks/a.json")))

	merged, err := fr.remoteIndex()
	require.NoError(t, err)
	assert.True(t, merged.Entities[key].Equal(time.Unix(100, 0)))
}

func TestFullSync_EqualTimestampsTransferNothing(t *testing.T) {
	t.Parallel()

	fr := newFakeRemote()
	ms := newMemStore()
	r := testReconciler(fr, ms)

	key := NewKey("tasks", "a")
	ts := time.Unix(100, 0)

	snap := NewSnapshot()
	snap.Entities[key] = json.RawMessage(`{"v":1}`)
	localIdx := NewIndex()
	localIdx.RecordUpsert(key, ts)

	remoteIdx := NewIndex()
	remoteIdx.RecordUpsert(key, ts)
	storeIndex(t, fr, remoteIdx)
	fr.setObject("/tasks/a.json", []byte(`{"v":1}`))

	require.NoError(t, r.FullSync(context.Background(), snap, localIdx))

	// Only the index documents moved: one download, one upload.
	assert.NotContains(t, fr.downloads, "/tasks/a.json")
	assert.NotContains(t, fr.uploads, "/tasks/a.json")
}

func TestFullSync_FailedPullDoesNotPushStaleLocal(t *testing.T) {
	t.Parallel()

	fr := newFakeRemote()
	ms := newMemStore()
	r := testReconciler(fr, ms)

	key := NewKey("tasks", "t1")

	snap := NewSnapshot()
	snap.Entities[key] = json.RawMessage(`{"v":"stale"}`)
	localIdx := NewIndex()
	localIdx.RecordUpsert(key, time.Unix(0, 0))

	newer := time.Unix(3600, 0)
	remoteIdx := NewIndex()
	remoteIdx.RecordUpsert(key, newer)
	storeIndex(t, fr, remoteIdx)
	fr.setObject("/tasks/t1.json", []byte(`{"v":"newer"}`))
	fr.downloadErr["/tasks/t1.json"] = assert.AnError

	require.NoError(t, r.FullSync(context.Background(), snap, localIdx))

	// The newer remote version is untouched and keeps its index timestamp;
	// the stale local copy must not win just because the pull failed.
	assert.JSONEq(t, `{"v":"newer"}`, string(fr.object("/tasks/t1.json")))
	assert.NotContains(t, fr.uploads, "/tasks/t1.json")

	merged, err := fr.remoteIndex()
	require.NoError(t, err)
	assert.True(t, merged.Entities[key].Equal(newer))

	// Local side stays divergent so the next pass retries the pull.
	assert.JSONEq(t, `{"v":"stale"}`, string(snap.Entities[key]))
	assert.True(t, localIdx.Entities[key].Equal(time.Unix(0, 0)))
}

func TestFullSync_NewerRemoteDeletionRemovesLocalEntity(t *testing.T) {
	t.Parallel()

	fr := newFakeRemote()
	ms := newMemStore()
	r := testReconciler(fr, ms)

	key := NewKey("tasks", "a")

	snap := NewSnapshot()
	snap.Entities[key] = json.RawMessage(`{"v":1}`)
	localIdx := NewIndex()
	localIdx.RecordUpsert(key, time.Unix(50, 0))

	remoteIdx := NewIndex()
	remoteIdx.RecordDeletion(key, time.Unix(100, 0))
	storeIndex(t, fr, remoteIdx)

	require.NoError(t, r.FullSync(context.Background(), snap, localIdx))

	assert.NotContains(t, snap.Entities, key)
	assert.NotContains(t, localIdx.Entities, key)
	assert.True(t, localIdx.Deletions[key].Equal(time.Unix(100, 0)))
}

func TestFullSync_LocalEditSurvivesOlderRemoteTombstone(t *testing.T) {
	t.Parallel()

	fr := newFakeRemote()
	ms := newMemStore()
	r := testReconciler(fr, ms)

	key := NewKey("tasks", "a")

	// Device B deleted at T=50; this device edited at T=100.
	snap := NewSnapshot()
	snap.Entities[key] = json.RawMessage(`{"v":"edited"}`)
	localIdx := NewIndex()
	localIdx.RecordUpsert(key, time.Unix(100, 0))

	remoteIdx := NewIndex()
	remoteIdx.RecordDeletion(key, time.Unix(50, 0))
	storeIndex(t, fr, remoteIdx)

	require.NoError(t, r.FullSync(context.Background(), snap, localIdx))

	// The edit wins: entity re-uploaded, tombstone replaced.
	assert.JSONEq(t, `{"v":"edited"}`, string(fr.object("/tasks/a.json")))
	assert.Contains(t, snap.Entities, key)

	merged, err := fr.remoteIndex()
	require.NoError(t, err)
	assert.NotContains(t, merged.Deletions, key)
	assert.True(t, merged.Entities[key].Equal(time.Unix(100, 0)))
}

func TestFullSync_NewerRemoteTombstoneBeatsLocalEdit(t *testing.T) {
	t.Parallel()

	fr := newFakeRemote()
	ms := newMemStore()
	r := testReconciler(fr, ms)

	key := NewKey("tasks", "a")

	// This device edited at T=50; device B deleted at T=100.
	snap := NewSnapshot()
	snap.Entities[key] = json.RawMessage(`{"v":"edited"}`)
	localIdx := NewIndex()
	localIdx.RecordUpsert(key, time.Unix(50, 0))

	remoteIdx := NewIndex()
	remoteIdx.RecordDeletion(key, time.Unix(100, 0))
	storeIndex(t, fr, remoteIdx)

	require.NoError(t, r.FullSync(context.Background(), snap, localIdx))

	assert.NotContains(t, snap.Entities, key)

	merged, err := fr.remoteIndex()
	require.NoError(t, err)
	assert.Contains(t, merged.Deletions, key)
	assert.NotContains(t, merged.Entities, key)
}

func TestFullSync_PropagatesNewerLocalDeletion(t *testing.T) {
	t.Parallel()

	fr := newFakeRemote()
	ms := newMemStore()
	r := testReconciler(fr, ms)

	key := NewKey("tasks", "a")

	snap := NewSnapshot()
	localIdx := NewIndex()
	localIdx.RecordDeletion(key, time.Unix(100, 0))

	remoteIdx := NewIndex()
	remoteIdx.RecordUpsert(key, time.Unix(50, 0))
	storeIndex(t, fr, remoteIdx)
	fr.setObject("/tasks/a.json", []byte(`{"v":1}`))

	require.NoError(t, r.FullSync(context.Background(), snap, localIdx))

	assert.Nil(t, fr.object("/tasks/a.json"))

	merged, err := fr.remoteIndex()
	require.NoError(t, err)
	assert.True(t, merged.Deletions[key].Equal(time.Unix(100, 0)))
	assert.NotContains(t, merged.Entities, key)
}

func TestFullSync_DeleteFailureStillRecordsTombstone(t *testing.T) {
	t.Parallel()

	fr := newFakeRemote()
	fr.deleteErr["/tasks/a.json"] = assert.AnError

	ms := newMemStore()
	r := testReconciler(fr, ms)

	key := NewKey("tasks", "a")

	snap := NewSnapshot()
	localIdx := NewIndex()
	localIdx.RecordDeletion(key, time.Unix(100, 0))

	remoteIdx := NewIndex()
	remoteIdx.RecordUpsert(key, time.Unix(50, 0))
	storeIndex(t, fr, remoteIdx)
	fr.setObject("/tasks/a.json", []byte(`{"v":1}`))

	require.NoError(t, r.FullSync(context.Background(), snap, localIdx))

	// The file is orphaned but the tombstone makes it invisible.
	merged, err := fr.remoteIndex()
	require.NoError(t, err)
	assert.Contains(t, merged.Deletions, key)
}

func TestFullSync_MalformedRemoteIndexAbortsPass(t *testing.T) {
	t.Parallel()

	fr := newFakeRemote()
	fr.setObject(indexPath, []byte(`{"entities":{"tasks/a":"garbage"}}`))

	ms := newMemStore()
	r := testReconciler(fr, ms)

	key := NewKey("tasks", "local")

	snap := NewSnapshot()
	snap.Entities[key] = json.RawMessage(`{"v":1}`)
	localIdx := NewIndex()
	localIdx.RecordUpsert(key, time.Unix(100, 0))

	err := r.FullSync(context.Background(), snap, localIdx)
	require.Error(t, err)

	// Nothing was uploaded and local state is untouched.
	assert.Zero(t, fr.uploadCount())
	assert.Contains(t, snap.Entities, key)
	assert.Zero(t, ms.snapSaves)
}

func TestFullSync_SecondPassIsIdempotent(t *testing.T) {
	t.Parallel()

	fr := newFakeRemote()
	ms := newMemStore()
	r := testReconciler(fr, ms)

	key := NewKey("tasks", "a")

	snap := NewSnapshot()
	snap.Entities[key] = json.RawMessage(`{"v":1}`)
	localIdx := NewIndex()
	localIdx.RecordUpsert(key, time.Unix(100, 0))

	require.NoError(t, r.FullSync(context.Background(), snap, localIdx))

	uploadsAfterFirst := fr.uploadCount()

	require.NoError(t, r.FullSync(context.Background(), snap, localIdx))

	// Second pass re-uploads only the index document.
	assert.Equal(t, uploadsAfterFirst+1, fr.uploadCount())
	assert.NotContains(t, fr.uploads[uploadsAfterFirst:], "/tasks/a.json")
}

func TestFullSync_RemoteTombstoneOverridesCoexistingUpsertRecord(t *testing.T) {
	t.Parallel()

	fr := newFakeRemote()
	ms := newMemStore()
	r := testReconciler(fr, ms)

	key := NewKey("tasks", "a")

	// A buggy writer left both records; the tombstone is not older, so it
	// wins and the entity is not pulled.
	doc := `{"entities":{"tasks/a":"2026-01-01T00:00:00Z"},"deletions":{"tasks/a":"2026-01-02T00:00:00Z"}}`
	fr.setObject(indexPath, []byte(doc))
	fr.setObject("/tasks/a.json", []byte(`{"v":1}`))

	snap := NewSnapshot()
	localIdx := NewIndex()

	require.NoError(t, r.FullSync(context.Background(), snap, localIdx))

	assert.NotContains(t, snap.Entities, key)
	assert.Contains(t, localIdx.Deletions, key)
}

func TestIncrementalPull_AppliesRemoteChangesWithoutUploading(t *testing.T) {
	t.Parallel()

	fr := newFakeRemote()
	ms := newMemStore()
	r := testReconciler(fr, ms)

	key := NewKey("tasks", "a")
	localKey := NewKey("tasks", "local-only")

	snap := NewSnapshot()
	snap.Entities[localKey] = json.RawMessage(`{"v":"mine"}`)
	localIdx := NewIndex()
	localIdx.RecordUpsert(localKey, time.Unix(200, 0))

	remoteIdx := NewIndex()
	remoteIdx.RecordUpsert(key, time.Unix(100, 0))
	storeIndex(t, fr, remoteIdx)
	fr.setObject("/tasks/a.json", []byte(`{"v":"theirs"}`))

	changed, err := r.IncrementalPull(context.Background(), snap, localIdx)
	require.NoError(t, err)
	assert.True(t, changed)

	assert.Contains(t, snap.Entities, key)
	// Pull-only: the local-only entity was not pushed.
	assert.Zero(t, fr.uploadCount())
}

func TestIncrementalPull_NoRemoteIndexIsNoOp(t *testing.T) {
	t.Parallel()

	fr := newFakeRemote()
	ms := newMemStore()
	r := testReconciler(fr, ms)

	snap := NewSnapshot()
	localIdx := NewIndex()

	changed, err := r.IncrementalPull(context.Background(), snap, localIdx)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Zero(t, ms.snapSaves)
}

func TestIncrementalPull_NothingNewerReportsUnchanged(t *testing.T) {
	t.Parallel()

	fr := newFakeRemote()
	ms := newMemStore()
	r := testReconciler(fr, ms)

	key := NewKey("tasks", "a")
	ts := time.Unix(100, 0)

	snap := NewSnapshot()
	snap.Entities[key] = json.RawMessage(`{"v":1}`)
	localIdx := NewIndex()
	localIdx.RecordUpsert(key, ts)

	remoteIdx := NewIndex()
	remoteIdx.RecordUpsert(key, ts)
	storeIndex(t, fr, remoteIdx)

	changed, err := r.IncrementalPull(context.Background(), snap, localIdx)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMigrateLegacy_NewerLegacySnapshotReplacesLocal(t *testing.T) {
	t.Parallel()

	fr := newFakeRemote()
	ms := newMemStore()
	r := testReconciler(fr, ms)

	legacyModified := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	legacy := legacyDoc{
		Modified: legacyModified,
		Entities: map[string]json.RawMessage{
			"tasks/a": json.RawMessage(`{"v":"legacy"}`),
			"lists/b": json.RawMessage(`{"name":"inbox"}`),
		},
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	fr.setObject(legacyPath, data)

	snap := NewSnapshot()
	snap.Modified = legacyModified.Add(-time.Hour)
	snap.Entities[NewKey("tasks", "stale")] = json.RawMessage(`{"v":"stale"}`)
	localIdx := NewIndex()
	localIdx.RecordUpsert(NewKey("tasks", "stale"), snap.Modified)

	require.NoError(t, r.FullSync(context.Background(), snap, localIdx))

	// Local state replaced by the legacy contents, stamped uniformly.
	assert.NotContains(t, snap.Entities, NewKey("tasks", "stale"))
	assert.Contains(t, snap.Entities, NewKey("tasks", "a"))
	assert.True(t, localIdx.Entities[NewKey("tasks", "a")].Equal(legacyModified))

	// Bootstrap then uploaded everything plus a fresh index.
	assert.JSONEq(t, `{"v":"legacy"}`, string(fr.object("/tasks/a.json")))
	assert.JSONEq(t, `{"name":"inbox"}`, string(fr.object("/lists/b.json")))

	_, err = fr.remoteIndex()
	require.NoError(t, err)
}

func TestMigrateLegacy_OlderLegacySnapshotIgnored(t *testing.T) {
	t.Parallel()

	fr := newFakeRemote()
	ms := newMemStore()
	r := testReconciler(fr, ms)

	legacy := legacyDoc{
		Modified: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Entities: map[string]json.RawMessage{"tasks/old": json.RawMessage(`{}`)},
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	fr.setObject(legacyPath, data)

	snap := NewSnapshot()
	snap.Modified = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	snap.Entities[NewKey("tasks", "current")] = json.RawMessage(`{"v":1}`)
	localIdx := NewIndex()
	localIdx.RecordUpsert(NewKey("tasks", "current"), snap.Modified)

	require.NoError(t, r.FullSync(context.Background(), snap, localIdx))

	assert.NotContains(t, snap.Entities, NewKey("tasks", "old"))
	assert.Contains(t, snap.Entities, NewKey("tasks", "current"))
}

func TestForceUploadAll_MirrorsLocalStateExactly(t *testing.T) {
	t.Parallel()

	fr := newFakeRemote()
	ms := newMemStore()
	r := testReconciler(fr, ms)

	pinned := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return pinned }

	// Remote holds data this device never saw; force upload overwrites it.
	staleIdx := NewIndex()
	staleIdx.RecordUpsert(NewKey("tasks", "remote-only"), time.Unix(999, 0))
	storeIndex(t, fr, staleIdx)

	key := NewKey("tasks", "a")

	snap := NewSnapshot()
	snap.Entities[key] = json.RawMessage(`{"v":1}`)
	localIdx := NewIndex()
	localIdx.RecordUpsert(key, time.Unix(100, 0))
	localIdx.RecordDeletion(NewKey("tasks", "gone"), time.Unix(50, 0))

	require.NoError(t, r.ForceUploadAll(context.Background(), snap, localIdx))

	merged, err := fr.remoteIndex()
	require.NoError(t, err)

	assert.NotContains(t, merged.Entities, NewKey("tasks", "remote-only"))
	assert.True(t, merged.Entities[key].Equal(pinned))
	assert.Empty(t, merged.Deletions)

	// Local tombstones cleared too.
	assert.Empty(t, localIdx.Deletions)
	assert.True(t, localIdx.Entities[key].Equal(pinned))
}

func TestForceUploadAll_FailedUploadRetriedOnNextSync(t *testing.T) {
	t.Parallel()

	fr := newFakeRemote()
	fr.uploadErr["/tasks/bad.json"] = assert.AnError

	ms := newMemStore()
	r := testReconciler(fr, ms)

	badKey := NewKey("tasks", "bad")
	goodKey := NewKey("tasks", "good")

	snap := NewSnapshot()
	snap.Entities[badKey] = json.RawMessage(`{}`)
	snap.Entities[goodKey] = json.RawMessage(`{}`)
	localIdx := NewIndex()

	require.NoError(t, r.ForceUploadAll(context.Background(), snap, localIdx))

	merged, err := fr.remoteIndex()
	require.NoError(t, err)

	// The failed key stays out of the remote index but keeps its local
	// entry, so it is still known to need pushing.
	assert.NotContains(t, merged.Entities, badKey)
	assert.Contains(t, merged.Entities, goodKey)
	assert.Contains(t, localIdx.Entities, badKey)

	// Once the store recovers, the next full sync pushes it.
	delete(fr.uploadErr, "/tasks/bad.json")

	require.NoError(t, r.FullSync(context.Background(), snap, localIdx))

	assert.NotNil(t, fr.object("/tasks/bad.json"))

	merged, err = fr.remoteIndex()
	require.NoError(t, err)
	assert.Contains(t, merged.Entities, badKey)
}

func TestForceDownloadAll_ReplacesLocalState(t *testing.T) {
	t.Parallel()

	fr := newFakeRemote()
	ms := newMemStore()
	r := testReconciler(fr, ms)

	remoteKey := NewKey("tasks", "remote")
	deletedKey := NewKey("tasks", "deleted")

	remoteIdx := NewIndex()
	remoteIdx.RecordUpsert(remoteKey, time.Unix(100, 0))
	remoteIdx.RecordDeletion(deletedKey, time.Unix(90, 0))
	storeIndex(t, fr, remoteIdx)
	fr.setObject("/tasks/remote.json", []byte(`{"v":"remote"}`))

	snap := NewSnapshot()
	snap.Entities[NewKey("tasks", "local-only")] = json.RawMessage(`{"v":"mine"}`)
	localIdx := NewIndex()
	localIdx.RecordUpsert(NewKey("tasks", "local-only"), time.Unix(999, 0))

	require.NoError(t, r.ForceDownloadAll(context.Background(), snap, localIdx))

	assert.NotContains(t, snap.Entities, NewKey("tasks", "local-only"))
	assert.JSONEq(t, `{"v":"remote"}`, string(snap.Entities[remoteKey]))
	assert.True(t, localIdx.Entities[remoteKey].Equal(time.Unix(100, 0)))
	assert.Contains(t, localIdx.Deletions, deletedKey)

	// Nothing was uploaded.
	assert.Zero(t, fr.uploadCount())
}

func TestForceDownloadAll_NoRemoteIndexIsAnError(t *testing.T) {
	t.Parallel()

	fr := newFakeRemote()
	ms := newMemStore()
	r := testReconciler(fr, ms)

	snap := NewSnapshot()
	snap.Entities[NewKey("tasks", "a")] = json.RawMessage(`{}`)
	localIdx := NewIndex()

	err := r.ForceDownloadAll(context.Background(), snap, localIdx)
	require.Error(t, err)

	// Local state untouched.
	assert.Contains(t, snap.Entities, NewKey("tasks", "a"))
}
