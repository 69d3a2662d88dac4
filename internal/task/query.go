package task

import (
	"strings"
	"time"
)

// Query is a parsed smart-list filter. The grammar is a space-separated list
// of terms: "done", "pending", "tag:<name>", "list:<id>", "due:today",
// "due:overdue", or a bare word matched against the title (case-insensitive).
// Unknown prefixed terms are ignored so older clients tolerate newer queries.
type Query struct {
	terms []term
}

type term struct {
	kind  string // "done", "pending", "tag", "list", "due", "text"
	value string
}

// ParseQuery parses a smart-list query string. Parsing never fails; an empty
// or unrecognized query matches everything.
func ParseQuery(q string) Query {
	var parsed Query

	for _, field := range strings.Fields(q) {
		switch {
		case field == "done":
			parsed.terms = append(parsed.terms, term{kind: "done"})
		case field == "pending":
			parsed.terms = append(parsed.terms, term{kind: "pending"})
		case strings.HasPrefix(field, "tag:"):
			parsed.terms = append(parsed.terms, term{kind: "tag", value: TagID(strings.TrimPrefix(field, "tag:"))})
		case strings.HasPrefix(field, "list:"):
			parsed.terms = append(parsed.terms, term{kind: "list", value: strings.TrimPrefix(field, "list:")})
		case strings.HasPrefix(field, "due:"):
			parsed.terms = append(parsed.terms, term{kind: "due", value: strings.TrimPrefix(field, "due:")})
		case strings.Contains(field, ":"):
			// Unknown prefix: ignore.
		default:
			parsed.terms = append(parsed.terms, term{kind: "text", value: strings.ToLower(field)})
		}
	}

	return parsed
}

// Match reports whether t satisfies every term of the query at time now.
func (q Query) Match(t Task, now time.Time) bool {
	for _, tm := range q.terms {
		if !matchTerm(tm, t, now) {
			return false
		}
	}

	return true
}

func matchTerm(tm term, t Task, now time.Time) bool {
	switch tm.kind {
	case "done":
		return t.Done
	case "pending":
		return !t.Done
	case "tag":
		for _, tag := range t.Tags {
			if TagID(tag) == tm.value {
				return true
			}
		}

		return false
	case "list":
		return t.ListID == tm.value
	case "due":
		if t.DueAt == nil {
			return false
		}

		switch tm.value {
		case "today":
			y1, m1, d1 := t.DueAt.Local().Date()
			y2, m2, d2 := now.Local().Date()

			return y1 == y2 && m1 == m2 && d1 == d2
		case "overdue":
			return !t.Done && t.DueAt.Before(now)
		default:
			return false
		}
	case "text":
		return strings.Contains(strings.ToLower(t.Title), tm.value)
	default:
		return true
	}
}
