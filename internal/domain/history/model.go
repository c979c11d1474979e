package history

import (
	"time"

	"github.com/google/uuid"

	"github.com/mhlink/kpi/internal/domain/aggregator"
)

// Snapshot is the stored summary of one aggregation pass. Response bodies
// are not kept.
type Snapshot struct {
	ID         uuid.UUID   `json:"id"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt time.Time   `json:"finishedAt"`
	Total      int         `json:"total"`
	Failed     int         `json:"failed"`
	Trigger    string      `json:"trigger"`
	Sites      []SiteEntry `json:"sites"`
}

// SiteEntry is one site's line in a snapshot.
type SiteEntry struct {
	Name    string `json:"name"`
	BaseURL string `json:"baseUrl"`
	Count   int    `json:"count"`
	Error   string `json:"error,omitempty"`
}

// FromPass builds the snapshot of p. trigger records what started the pass.
func FromPass(p *aggregator.Pass, trigger string) *Snapshot {
	s := &Snapshot{
		ID:         p.ID,
		StartedAt:  p.StartedAt.UTC(),
		FinishedAt: p.FinishedAt.UTC(),
		Total:      p.Total,
		Failed:     p.Failed,
		Trigger:    trigger,
		Sites:      make([]SiteEntry, 0, len(p.Results)),
	}
	for _, r := range p.Results {
		s.Sites = append(s.Sites, SiteEntry{Name: r.SiteName, BaseURL: r.BaseURL, Count: r.Count, Error: r.Error})
	}
	return s
}
