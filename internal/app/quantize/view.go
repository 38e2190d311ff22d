package quantize

import "github.com/starikovyaroslav/quantify/internal/domain/quantize"

// Entry pairs a listed job with the live task of the same id for display.
// The two records stay separate; the live projection wins for status and
// progress when both exist.
type Entry struct {
	ID       string             `json:"id" yaml:"id"`
	Status   string             `json:"status" yaml:"status"`
	Progress *int               `json:"progress,omitempty" yaml:"progress,omitempty"`
	Item     *quantize.ListItem `json:"item,omitempty" yaml:"item,omitempty"`
	Live     *quantize.TaskView `json:"live,omitempty" yaml:"live,omitempty"`
}

// MergeEntries builds the display list. Live tasks with no listed
// counterpart come first, most recent submission first, followed by the
// active list and then the history in server order. An id listed in both
// collections keeps its active item.
func MergeEntries(active, history []quantize.ListItem, live []quantize.TaskView) []Entry {
	liveByID := make(map[string]*quantize.TaskView, len(live))
	for i := range live {
		liveByID[live[i].ID] = &live[i]
	}

	listed := make(map[string]struct{}, len(active)+len(history))
	var items []quantize.ListItem
	for _, coll := range [][]quantize.ListItem{active, history} {
		for _, it := range coll {
			if _, ok := listed[it.ID]; ok {
				continue
			}
			listed[it.ID] = struct{}{}
			items = append(items, it)
		}
	}

	entries := make([]Entry, 0, len(items)+len(live))
	for i := len(live) - 1; i >= 0; i-- {
		if _, ok := listed[live[i].ID]; ok {
			continue
		}
		entries = append(entries, liveEntry(nil, &live[i]))
	}

	for i := range items {
		item := items[i]
		if v, ok := liveByID[item.ID]; ok {
			entries = append(entries, liveEntry(&item, v))
			continue
		}
		entries = append(entries, Entry{ID: item.ID, Status: string(item.Status), Item: &item})
	}
	return entries
}

func liveEntry(item *quantize.ListItem, v *quantize.TaskView) Entry {
	progress := v.Progress
	return Entry{
		ID:       v.ID,
		Status:   string(v.Status),
		Progress: &progress,
		Item:     item,
		Live:     v,
	}
}

// Entries merges the Poller's collections with the Orchestrator's live
// tasks.
func Entries(o *Orchestrator, p *Poller) []Entry {
	return MergeEntries(p.Active(), p.History(), o.Tasks())
}
