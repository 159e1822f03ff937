package fulfillment

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// SnapshotFilter narrows the queue view. Empty Status means all
// statuses, grouped by operational urgency. Search matches the patient
// name or the exact queue number.
type SnapshotFilter struct {
	Status Status
	Search string
}

// QueueItem is one row of the queue view, carrying the counts the list
// display needs without loading full prescriptions.
type QueueItem struct {
	ID                int64     `json:"id"`
	VisitRef          string    `json:"visit_ref"`
	PatientName       string    `json:"patient_name"`
	QueueNumber       int       `json:"queue_number"`
	Status            Status    `json:"status"`
	AssignedOperator  string    `json:"assigned_operator,omitempty"`
	EnqueuedAt        time.Time `json:"enqueued_at"`
	PrescriptionCount int       `json:"prescription_count"`
	ItemCount         int       `json:"item_count"`
}

// QueueGroup is one status bucket of the ungrouped view.
type QueueGroup struct {
	Status  Status      `json:"status"`
	Entries []QueueItem `json:"entries"`
}

// Snapshot is the externally consumed queue view. Groups is populated
// when no status filter applies, Entries otherwise.
type Snapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Total       int          `json:"total"`
	Groups      []QueueGroup `json:"groups,omitempty"`
	Entries     []QueueItem  `json:"entries,omitempty"`
}

// SnapshotPort abstracts the snapshot query for the builder.
type SnapshotPort interface {
	Snapshot(ctx context.Context, filter SnapshotFilter) ([]QueueItem, error)
}

// groupOrder reflects operational urgency, not chronology: a pharmacist
// finishes what is in hand, hands out what is ready, then pulls new work.
var groupOrder = []Status{StatusPreparing, StatusReady, StatusWaiting, StatusDispensed}

var searchFolder = cases.Lower(language.Indonesian)

// QueueBuilder produces the queue snapshot consumed by polling
// terminals. Pure read path: safe to call repeatedly and concurrently;
// results may lag writes by at most the cache TTL plus one poll.
type QueueBuilder struct {
	repo  SnapshotPort
	cache *SnapshotCache
	group singleflight.Group
}

// NewQueueBuilder constructs the builder.
func NewQueueBuilder(repo SnapshotPort, cache *SnapshotCache) *QueueBuilder {
	return &QueueBuilder{repo: repo, cache: cache}
}

// Snapshot returns the current queue view. Concurrent polls for the same
// filter collapse into a single build.
func (b *QueueBuilder) Snapshot(ctx context.Context, filter SnapshotFilter) (Snapshot, error) {
	filter.Search = searchFolder.String(strings.TrimSpace(filter.Search))

	key, err := b.cache.BuildKey(ctx, "farmasi", "queue", string(filter.Status), filter.Search)
	if err != nil {
		return Snapshot{}, err
	}

	resultCh := b.group.DoChan(key, func() (interface{}, error) {
		var snap Snapshot
		err := b.cache.FetchJSON(ctx, key, &snap, func(ctx context.Context) (interface{}, error) {
			return b.build(ctx, filter)
		})
		return snap, err
	})
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case res := <-resultCh:
		if res.Err != nil {
			return Snapshot{}, res.Err
		}
		return res.Val.(Snapshot), nil
	}
}

func (b *QueueBuilder) build(ctx context.Context, filter SnapshotFilter) (Snapshot, error) {
	items, err := b.repo.Snapshot(ctx, filter)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{GeneratedAt: time.Now().UTC(), Total: len(items)}
	if filter.Status != "" {
		snap.Entries = items
		return snap, nil
	}
	// Rows arrive ordered by urgency then queue number; bucket them
	// keeping that order, so each group stays sorted.
	byStatus := make(map[Status][]QueueItem, len(groupOrder))
	for _, item := range items {
		byStatus[item.Status] = append(byStatus[item.Status], item)
	}
	for _, status := range groupOrder {
		entries := byStatus[status]
		if entries == nil {
			entries = []QueueItem{}
		}
		snap.Groups = append(snap.Groups, QueueGroup{Status: status, Entries: entries})
	}
	return snap, nil
}
