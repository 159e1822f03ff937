package fulfillment

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSnapshotPort serves rows the way the repository does: filtered,
// ordered by urgency then queue number.
type fakeSnapshotPort struct {
	rows  []QueueItem
	calls int64
}

func (p *fakeSnapshotPort) Snapshot(ctx context.Context, filter SnapshotFilter) ([]QueueItem, error) {
	atomic.AddInt64(&p.calls, 1)
	var out []QueueItem
	for _, row := range p.rows {
		if filter.Status != "" && row.Status != filter.Status {
			continue
		}
		if filter.Search != "" {
			name := searchFolder.String(row.PatientName)
			if !strings.Contains(name, filter.Search) && strconv.Itoa(row.QueueNumber) != filter.Search {
				continue
			}
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Status.QueuePriority() != out[j].Status.QueuePriority() {
			return out[i].Status.QueuePriority() < out[j].Status.QueuePriority()
		}
		return out[i].QueueNumber < out[j].QueueNumber
	})
	return out, nil
}

func queueRows() []QueueItem {
	return []QueueItem{
		{ID: 1, QueueNumber: 1, PatientName: "Budi Santoso", Status: StatusDispensed},
		{ID: 2, QueueNumber: 2, PatientName: "Siti Aminah", Status: StatusWaiting},
		{ID: 3, QueueNumber: 3, PatientName: "Agus Wijaya", Status: StatusPreparing, AssignedOperator: "Apt. Dewi"},
		{ID: 4, QueueNumber: 4, PatientName: "Rina Marlina", Status: StatusWaiting},
		{ID: 5, QueueNumber: 5, PatientName: "Joko Susilo", Status: StatusPreparing, AssignedOperator: "Apt. Rudi"},
	}
}

func TestSnapshotGroupsByUrgency(t *testing.T) {
	port := &fakeSnapshotPort{rows: queueRows()}
	builder := NewQueueBuilder(port, NewSnapshotCache(nil, 0))

	snap, err := builder.Snapshot(context.Background(), SnapshotFilter{})
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Total)
	require.Len(t, snap.Groups, 4)

	assert.Equal(t, StatusPreparing, snap.Groups[0].Status)
	assert.Equal(t, StatusReady, snap.Groups[1].Status)
	assert.Equal(t, StatusWaiting, snap.Groups[2].Status)
	assert.Equal(t, StatusDispensed, snap.Groups[3].Status)

	// Within a group, first come first served by queue number.
	require.Len(t, snap.Groups[0].Entries, 2)
	assert.Equal(t, 3, snap.Groups[0].Entries[0].QueueNumber)
	assert.Equal(t, 5, snap.Groups[0].Entries[1].QueueNumber)

	// An empty status still yields a group, never a missing key.
	assert.NotNil(t, snap.Groups[1].Entries)
	assert.Empty(t, snap.Groups[1].Entries)
}

func TestSnapshotStatusFilterIsFlat(t *testing.T) {
	port := &fakeSnapshotPort{rows: queueRows()}
	builder := NewQueueBuilder(port, NewSnapshotCache(nil, 0))

	snap, err := builder.Snapshot(context.Background(), SnapshotFilter{Status: StatusWaiting})
	require.NoError(t, err)
	assert.Empty(t, snap.Groups)
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, 2, snap.Entries[0].QueueNumber)
	assert.Equal(t, 4, snap.Entries[1].QueueNumber)
}

func TestSnapshotSearchFoldsCase(t *testing.T) {
	port := &fakeSnapshotPort{rows: queueRows()}
	builder := NewQueueBuilder(port, NewSnapshotCache(nil, 0))

	snap, err := builder.Snapshot(context.Background(), SnapshotFilter{Search: "  BUDI "})
	require.NoError(t, err)
	total := 0
	for _, g := range snap.Groups {
		total += len(g.Entries)
	}
	require.Equal(t, 1, total)

	byNumber, err := builder.Snapshot(context.Background(), SnapshotFilter{Search: "4"})
	require.NoError(t, err)
	assert.Equal(t, 1, byNumber.Total)
}

func TestSnapshotCachedUntilBump(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewSnapshotCache(client, time.Minute)
	port := &fakeSnapshotPort{rows: queueRows()}
	builder := NewQueueBuilder(port, cache)
	ctx := context.Background()

	first, err := builder.Snapshot(ctx, SnapshotFilter{})
	require.NoError(t, err)
	require.Equal(t, 5, first.Total)
	assert.EqualValues(t, 1, atomic.LoadInt64(&port.calls))

	// Second poll on the same version is served from cache.
	_, err = builder.Snapshot(ctx, SnapshotFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt64(&port.calls))

	// A committed transition bumps the version; the stale key is
	// abandoned rather than deleted.
	port.rows = append(port.rows, QueueItem{ID: 6, QueueNumber: 6, PatientName: "Lina Hartati", Status: StatusWaiting})
	require.NoError(t, cache.Bump(ctx))

	refreshed, err := builder.Snapshot(ctx, SnapshotFilter{})
	require.NoError(t, err)
	assert.Equal(t, 6, refreshed.Total)
	assert.EqualValues(t, 2, atomic.LoadInt64(&port.calls))
}
