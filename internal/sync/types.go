// Package sync implements the taskvault synchronization engine: the versioned
// sync index, the debounced change queue, the bidirectional reconciler, the
// bulk transfer selector, and the remote change-notification loop. All
// reconciliation-class work is serialized through a single operation chain so
// no two passes ever interleave.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/juholehto/taskvault/internal/remote"
)

// Key is a composite entity identifier of the form "<kind>/<id>". Keys are
// the unit of conflict resolution; there are no cross-key transactions.
type Key string

// NewKey builds a key from a kind (the remote folder name) and an entity ID.
func NewKey(kind, id string) Key {
	return Key(kind + "/" + id)
}

// Split returns the kind and ID halves of the key. A key with no separator
// returns its whole value as the ID with an empty kind; such keys never occur
// in well-formed indices but must not panic when met in remote data.
func (k Key) Split() (kind, id string) {
	s := string(k)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i], s[i+1:]
	}

	return "", s
}

// Kind returns the entity kind half of the key.
func (k Key) Kind() string {
	kind, _ := k.Split()
	return kind
}

// Path returns the remote object path for this key: "/<kind>/<id>.json".
func (k Key) Path() string {
	kind, id := k.Split()
	return "/" + kind + "/" + id + ".json"
}

// Snapshot is the full local entity set: key to opaque JSON content. The
// engine never inspects content fields; Modified is the whole-snapshot
// modification time used only for legacy migration.
type Snapshot struct {
	Entities map[Key]json.RawMessage
	Modified time.Time
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{Entities: make(map[Key]json.RawMessage)}
}

// Clone returns a deep copy. Reconciliation operates on copies so the
// snapshot held by the application layer is never aliased mid-pass.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		Entities: make(map[Key]json.RawMessage, len(s.Entities)),
		Modified: s.Modified,
	}
	for k, v := range s.Entities {
		out.Entities[k] = append(json.RawMessage(nil), v...)
	}

	return out
}

// RemoteStore is the remote object-store contract the engine depends on.
// Satisfied by *remote.Client. Paths are absolute ("/tasks/<id>.json");
// not-found is a first-class result, not an error.
type RemoteStore interface {
	// Upload writes full content to path with overwrite semantics.
	Upload(ctx context.Context, path string, content []byte) error
	// Download reads full content from path. Returns (nil, nil) when the
	// path does not exist.
	Download(ctx context.Context, path string) ([]byte, error)
	// Delete removes path. Deleting a missing path is success.
	Delete(ctx context.Context, path string) error
	// DownloadArchive returns the immediate children of a folder as
	// archive entries, or (nil, nil) when the folder does not exist.
	DownloadArchive(ctx context.Context, folder string) ([]remote.ArchiveEntry, error)
	// LatestCursor returns an opaque token for the current folder-tree state.
	LatestCursor(ctx context.Context) (string, error)
	// Longpoll blocks up to timeout and reports whether anything changed
	// since cursor. Cursor invalidation surfaces as remote.ErrBadCursor.
	Longpoll(ctx context.Context, cursor string, timeout time.Duration) (bool, error)
}

// Store is the local persistence boundary: snapshot and local index.
// Satisfied by *store.SQLiteStore. The storage medium is interchangeable.
type Store interface {
	LoadSnapshot(ctx context.Context) (*Snapshot, error)
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	LoadIndex(ctx context.Context) (*Index, error)
	SaveIndex(ctx context.Context, idx *Index) error
}

// SessionCheck reports whether a remote session is active. The engine treats
// "not signed in" as a precondition and short-circuits network work to a
// no-op rather than failing.
type SessionCheck func() bool

// validateKey rejects keys that would escape the per-kind folder layout.
func validateKey(k Key) error {
	kind, id := k.Split()
	if kind == "" || id == "" || strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("sync: malformed entity key %q", k)
	}

	return nil
}
