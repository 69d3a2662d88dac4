// Package task defines the taskvault entity model: tasks, lists, folders,
// tags, and smart lists. Entities are value types passed by copy between
// layers; the sync engine only ever sees their serialized form, so nothing
// here participates in sync correctness beyond stable JSON encoding.
package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Kind identifies one of the closed set of entity kinds. The kind doubles as
// the remote folder name, so the values are wire format and must not change.
type Kind string

const (
	KindTask      Kind = "tasks"
	KindList      Kind = "lists"
	KindFolder    Kind = "folders"
	KindTag       Kind = "tags"
	KindSmartList Kind = "smartlists"
)

// Kinds lists every entity kind in a fixed order. Validity checks derive
// from it; adding a kind here extends the closed set.
var Kinds = []Kind{KindTask, KindList, KindFolder, KindTag, KindSmartList}

// Valid reports whether k is a member of the closed kind set.
func (k Kind) Valid() bool {
	for _, kind := range Kinds {
		if k == kind {
			return true
		}
	}

	return false
}

// NewID returns a fresh globally-unique entity ID.
func NewID() string {
	return uuid.NewString()
}

// TagID normalizes a user-visible tag name into a tag entity ID. Tags are
// keyed by name, and the same name typed on two devices must map to the same
// key, so the name is NFC-normalized before use.
func TagID(name string) string {
	return norm.NFC.String(name)
}

// Task is a single to-do item. Successor and Predecessor order the task
// within its list; sync treats them as opaque content and never repairs them.
type Task struct {
	ID          string     `json:"id"`
	ListID      string     `json:"listId,omitempty"`
	Title       string     `json:"title"`
	Note        string     `json:"note,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Done        bool       `json:"done,omitempty"`
	DueAt       *time.Time `json:"dueAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Successor   string     `json:"successor,omitempty"`
	Predecessor string     `json:"predecessor,omitempty"`
	Modified    time.Time  `json:"modified"`
}

// List is a named collection of tasks, optionally nested under a folder.
type List struct {
	ID       string    `json:"id"`
	FolderID string    `json:"folderId,omitempty"`
	Name     string    `json:"name"`
	Color    string    `json:"color,omitempty"`
	Modified time.Time `json:"modified"`
}

// Folder groups lists in the sidebar hierarchy.
type Folder struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Modified time.Time `json:"modified"`
}

// Tag is a label shared across tasks. Its ID is the NFC-normalized name.
type Tag struct {
	ID       string    `json:"id"`
	Color    string    `json:"color,omitempty"`
	Modified time.Time `json:"modified"`
}

// SmartList is a saved query over tasks (e.g. "due:today tag:work").
// The query grammar is evaluated locally; sync stores it as opaque content.
type SmartList struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Query    string    `json:"query"`
	Modified time.Time `json:"modified"`
}

// Marshal encodes an entity to its canonical JSON form.
func Marshal(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("task: encoding entity: %w", err)
	}

	return data, nil
}

// DecodeTask decodes a task document. Malformed content is an error the
// caller logs and skips; it never aborts a sync pass.
func DecodeTask(data []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("task: decoding task: %w", err)
	}

	return t, nil
}

// DecodeList decodes a list document.
func DecodeList(data []byte) (List, error) {
	var l List
	if err := json.Unmarshal(data, &l); err != nil {
		return List{}, fmt.Errorf("task: decoding list: %w", err)
	}

	return l, nil
}
