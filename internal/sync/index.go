package sync

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Index maps entity keys to last-modified timestamps plus a tombstone map of
// deleted keys to deletion timestamps. A key is present in at most one of the
// two maps; RecordUpsert and RecordDeletion maintain the invariant.
//
// Two instances exist per device: the local index, persisted on-device and
// updated synchronously on every local mutation, and the remote index, a
// single document at /index.json fetched and rewritten once per batch flush
// or reconciliation pass.
type Index struct {
	Entities  map[Key]time.Time
	Deletions map[Key]time.Time
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		Entities:  make(map[Key]time.Time),
		Deletions: make(map[Key]time.Time),
	}
}

// RecordUpsert marks key as existing at ts, clearing any tombstone.
func (ix *Index) RecordUpsert(key Key, ts time.Time) {
	delete(ix.Deletions, key)
	ix.Entities[key] = ts
}

// RecordDeletion marks key as deleted at ts, clearing any entity entry.
func (ix *Index) RecordDeletion(key Key, ts time.Time) {
	delete(ix.Entities, key)
	ix.Deletions[key] = ts
}

// Clone returns an independent copy of the index.
func (ix *Index) Clone() *Index {
	out := &Index{
		Entities:  make(map[Key]time.Time, len(ix.Entities)),
		Deletions: make(map[Key]time.Time, len(ix.Deletions)),
	}
	maps.Copy(out.Entities, ix.Entities)
	maps.Copy(out.Deletions, ix.Deletions)

	return out
}

// Equal reports whether two indices hold identical entries. Timestamps are
// compared with time.Time.Equal so differing wall-clock representations of
// the same instant still match.
func (ix *Index) Equal(other *Index) bool {
	if len(ix.Entities) != len(other.Entities) || len(ix.Deletions) != len(other.Deletions) {
		return false
	}

	for k, ts := range ix.Entities {
		o, ok := other.Entities[k]
		if !ok || !ts.Equal(o) {
			return false
		}
	}

	for k, ts := range ix.Deletions {
		o, ok := other.Deletions[k]
		if !ok || !ts.Equal(o) {
			return false
		}
	}

	return true
}

// indexDoc is the wire form of Index: two maps of string key to ISO-8601
// timestamp string. The shape is shared with existing deployments and must
// not change.
type indexDoc struct {
	Entities  map[string]string `json:"entities,omitempty"`
	Deletions map[string]string `json:"deletions,omitempty"`
}

// MarshalJSON encodes the index with RFC 3339 nanosecond timestamps.
func (ix *Index) MarshalJSON() ([]byte, error) {
	doc := indexDoc{
		Entities:  make(map[string]string, len(ix.Entities)),
		Deletions: make(map[string]string, len(ix.Deletions)),
	}

	for k, ts := range ix.Entities {
		doc.Entities[string(k)] = ts.UTC().Format(time.RFC3339Nano)
	}

	for k, ts := range ix.Deletions {
		doc.Deletions[string(k)] = ts.UTC().Format(time.RFC3339Nano)
	}

	return json.Marshal(doc)
}

// UnmarshalJSON decodes the wire form. Absent maps decode to empty maps,
// never an error; a malformed timestamp fails the whole document so a
// corrupt index is skipped rather than half-applied.
func (ix *Index) UnmarshalJSON(data []byte) error {
	var doc indexDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("sync: decoding index: %w", err)
	}

	ix.Entities = make(map[Key]time.Time, len(doc.Entities))
	ix.Deletions = make(map[Key]time.Time, len(doc.Deletions))

	for k, s := range doc.Entities {
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("sync: decoding index entity %q: %w", k, err)
		}

		ix.Entities[Key(k)] = ts
	}

	for k, s := range doc.Deletions {
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("sync: decoding index tombstone %q: %w", k, err)
		}

		ix.Deletions[Key(k)] = ts
	}

	return nil
}
