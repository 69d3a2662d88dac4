package sync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/juholehto/taskvault/internal/remote"
)

// fakeRemote is an in-memory RemoteStore. Objects live in a flat path map;
// archives are served from the object map by folder prefix unless an explicit
// error is configured. All mutators are safe for concurrent use because the
// transfer pools hit the fake from multiple goroutines.
type fakeRemote struct {
	mu      gosync.Mutex
	objects map[string][]byte

	uploadErr   map[string]error
	downloadErr map[string]error
	deleteErr   map[string]error
	archiveErr  map[string]error

	uploads      []string
	downloads    []string
	deletes      []string
	archiveCalls []string

	cursor     string
	cursorErr  error
	cursorGets int

	longpoll func(cursor string) (bool, error)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		objects:     make(map[string][]byte),
		uploadErr:   make(map[string]error),
		downloadErr: make(map[string]error),
		deleteErr:   make(map[string]error),
		archiveErr:  make(map[string]error),
		cursor:      "cursor-1",
	}
}

func (f *fakeRemote) Upload(_ context.Context, path string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.uploads = append(f.uploads, path)

	if err := f.uploadErr[path]; err != nil {
		return err
	}

	f.objects[path] = append([]byte(nil), content...)

	return nil
}

func (f *fakeRemote) Download(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.downloads = append(f.downloads, path)

	if err := f.downloadErr[path]; err != nil {
		return nil, err
	}

	content, ok := f.objects[path]
	if !ok {
		return nil, nil
	}

	return append([]byte(nil), content...), nil
}

func (f *fakeRemote) Delete(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deletes = append(f.deletes, path)

	if err := f.deleteErr[path]; err != nil {
		return err
	}

	delete(f.objects, path)

	return nil
}

func (f *fakeRemote) DownloadArchive(_ context.Context, folder string) ([]remote.ArchiveEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.archiveCalls = append(f.archiveCalls, folder)

	if err := f.archiveErr[folder]; err != nil {
		return nil, err
	}

	var entries []remote.ArchiveEntry

	prefix := folder + "/"
	for path, content := range f.objects {
		if len(path) > len(prefix) && path[:len(prefix)] == prefix {
			entries = append(entries, remote.ArchiveEntry{
				Path:    path,
				Content: append([]byte(nil), content...),
			})
		}
	}

	if entries == nil {
		return nil, nil
	}

	return entries, nil
}

func (f *fakeRemote) LatestCursor(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cursorGets++

	if f.cursorErr != nil {
		return "", f.cursorErr
	}

	return f.cursor, nil
}

func (f *fakeRemote) Longpoll(_ context.Context, cursor string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	fn := f.longpoll
	f.mu.Unlock()

	if fn == nil {
		return false, nil
	}

	return fn(cursor)
}

func (f *fakeRemote) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.uploads)
}

func (f *fakeRemote) downloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.downloads)
}

func (f *fakeRemote) object(path string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.objects[path]
}

func (f *fakeRemote) setObject(path string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.objects[path] = content
}

// remoteIndex decodes the index document currently stored in the fake.
func (f *fakeRemote) remoteIndex() (*Index, error) {
	data := f.object(indexPath)
	if data == nil {
		return nil, errors.New("no index stored")
	}

	idx := NewIndex()
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, err
	}

	return idx, nil
}

// memStore is an in-memory Store.
type memStore struct {
	mu   gosync.Mutex
	snap *Snapshot
	idx  *Index

	snapSaves int
	idxSaves  int
}

func newMemStore() *memStore {
	return &memStore{snap: NewSnapshot(), idx: NewIndex()}
}

func (m *memStore) LoadSnapshot(_ context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.snap.Clone(), nil
}

func (m *memStore) SaveSnapshot(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snap = snap.Clone()
	m.snapSaves++

	return nil
}

func (m *memStore) LoadIndex(_ context.Context) (*Index, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.idx.Clone(), nil
}

func (m *memStore) SaveIndex(_ context.Context, idx *Index) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.idx = idx.Clone()
	m.idxSaves++

	return nil
}

// discardLogger drops all records; tests assert on behavior, not log output.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
