package quantize

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ServerStatus is a raw status string as reported by the listing endpoints.
type ServerStatus string

const (
	ServerStatusPending    ServerStatus = "pending"
	ServerStatusProcessing ServerStatus = "processing"
	ServerStatusStarted    ServerStatus = "started"
	ServerStatusCompleted  ServerStatus = "completed"
	ServerStatusError      ServerStatus = "error"
	ServerStatusCancelled  ServerStatus = "cancelled"
	ServerStatusUnknown    ServerStatus = "unknown"
)

// ParseServerStatus normalizes a status string; anything unrecognized maps to
// ServerStatusUnknown.
func ParseServerStatus(s string) ServerStatus {
	switch st := ServerStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case ServerStatusPending, ServerStatusProcessing, ServerStatusStarted,
		ServerStatusCompleted, ServerStatusError, ServerStatusCancelled:
		return st
	default:
		return ServerStatusUnknown
	}
}

// IsActive reports whether the job is still running on the service.
func (s ServerStatus) IsActive() bool {
	return s == ServerStatusPending || s == ServerStatusProcessing || s == ServerStatusStarted
}

// TaskStatus maps the raw status onto the client lifecycle. The second
// return is false for unknown statuses.
func (s ServerStatus) TaskStatus() (TaskStatus, bool) {
	switch s {
	case ServerStatusPending:
		return TaskStatusPending, true
	case ServerStatusProcessing, ServerStatusStarted:
		return TaskStatusProcessing, true
	case ServerStatusCompleted:
		return TaskStatusCompleted, true
	case ServerStatusError:
		return TaskStatusError, true
	case ServerStatusCancelled:
		return TaskStatusCancelled, true
	default:
		return "", false
	}
}

// ListItem is a read-only snapshot of a job from a listing endpoint. Items
// are replaced wholesale on every poll and never patched.
type ListItem struct {
	ID        string       `json:"task_id" yaml:"task_id"`
	Status    ServerStatus `json:"status" yaml:"status"`
	Width     *int         `json:"width,omitempty" yaml:"width,omitempty"`
	Height    *int         `json:"height,omitempty" yaml:"height,omitempty"`
	Quality   *int         `json:"quality,omitempty" yaml:"quality,omitempty"`
	CreatedAt time.Time    `json:"created_at" yaml:"created_at"`
	Error     string       `json:"error,omitempty" yaml:"error,omitempty"`
	Filename  string       `json:"filename,omitempty" yaml:"filename,omitempty"`
}

// IsActive reports whether the listed job is still running.
func (i ListItem) IsActive() bool { return i.Status.IsActive() }

const serverTimeLayout = "2006-01-02 15:04:05"

// ParseCreatedAt accepts both timestamp shapes the service emits: unix
// seconds as a decimal string, and "YYYY-MM-DD HH:MM:SS" in UTC. An empty
// string yields the zero time.
func ParseCreatedAt(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		whole := int64(secs)
		frac := int64((secs - float64(whole)) * float64(time.Second))
		return time.Unix(whole, frac).UTC(), nil
	}
	ts, err := time.ParseInLocation(serverTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized created_at %q: %w", s, err)
	}
	return ts, nil
}

// FilterOut returns a copy of items without the entry for id. The input slice
// is left untouched.
func FilterOut(items []ListItem, id string) []ListItem {
	out := make([]ListItem, 0, len(items))
	for _, it := range items {
		if it.ID != id {
			out = append(out, it)
		}
	}
	return out
}

// ListKind names a polled collection.
type ListKind string

const (
	ListHistory ListKind = "history"
	ListActive  ListKind = "active"
)

// ListSnapshot is a wholesale replacement of one polled collection.
type ListSnapshot struct {
	Kind        ListKind   `json:"kind" yaml:"kind"`
	Items       []ListItem `json:"items" yaml:"items"`
	RefreshedAt time.Time  `json:"refreshed_at" yaml:"refreshed_at"`
}
