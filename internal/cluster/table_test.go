package cluster

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venomlabs/venom-mesh/internal/logger"
)

type mockLogger struct {
	logger.Logger
}

func (m *mockLogger) Info(format string, v ...interface{})  {}
func (m *mockLogger) Debug(format string, v ...interface{}) {}
func (m *mockLogger) Error(format string, v ...interface{}) {}
func (m *mockLogger) Warn(format string, v ...interface{})  {}
func (m *mockLogger) Fatal(format string, v ...interface{}) {}

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func addr(host string) Address {
	return Address{Host: host, GRPCPort: 50051, RESTPort: 8000}
}

func TestUpsertIsIdempotent(t *testing.T) {
	table := NewTable(&mockLogger{})

	const distinct = 5
	now := t0
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("node-%d", i%distinct)
		now = now.Add(100 * time.Millisecond)
		rec := table.Upsert(id, addr("10.0.0.1"), now)
		assert.Equal(t, id, rec.NodeID)
		assert.Equal(t, now, rec.LastSeen)
	}

	assert.Equal(t, distinct, table.Len())
}

func TestUpsertNewPeer(t *testing.T) {
	table := NewTable(&mockLogger{})

	rec := table.Upsert("a", addr("10.0.0.1"), t0, "gpu", "fractal")

	assert.True(t, rec.Healthy)
	assert.Equal(t, Healthy, rec.State)
	assert.Equal(t, 0.0, rec.LoadEMA)
	assert.Equal(t, []string{"gpu", "fractal"}, rec.Capabilities)
	assert.Equal(t, "10.0.0.1:50051", rec.Address.TaskAddr())
	assert.Equal(t, "10.0.0.1:8000", rec.Address.StatusAddr())
}

func TestUpsertLastSeenNeverMovesBack(t *testing.T) {
	table := NewTable(&mockLogger{})

	table.Upsert("a", addr("10.0.0.1"), t0.Add(10*time.Second))
	rec := table.Upsert("a", addr("10.0.0.1"), t0)

	assert.Equal(t, t0.Add(10*time.Second), rec.LastSeen)
}

func TestUpsertAddressChangeLastWriterWins(t *testing.T) {
	table := NewTable(&mockLogger{})

	table.Upsert("a", addr("10.0.0.1"), t0)
	moved := Address{Host: "10.0.0.9", GRPCPort: 6000, RESTPort: 6001}
	rec := table.Upsert("a", moved, t0.Add(time.Second))

	assert.Equal(t, moved, rec.Address)
	assert.Equal(t, 1, table.Len())
}

func TestMarkHealthyByRecency(t *testing.T) {
	timeout := 10 * time.Second
	tests := []struct {
		name    string
		silence time.Duration
		healthy bool
		state   State
	}{
		{"9s ago is healthy", 9 * time.Second, true, Healthy},
		{"exactly timeout is healthy", 10 * time.Second, true, Healthy},
		{"11s ago is unhealthy", 11 * time.Second, false, Stale},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := NewTable(&mockLogger{})
			table.Upsert("a", addr("10.0.0.1"), t0)

			n := table.MarkHealthyByRecency(t0.Add(tt.silence), timeout)

			rec, ok := table.Get("a")
			require.True(t, ok)
			assert.Equal(t, tt.healthy, rec.Healthy)
			assert.Equal(t, tt.state, rec.State)
			if tt.healthy {
				assert.Equal(t, 1, n)
			} else {
				assert.Equal(t, 0, n)
			}
		})
	}
}

func TestStalePeerRecoversWithoutStateLoss(t *testing.T) {
	table := NewTable(&mockLogger{})
	table.Upsert("a", addr("10.0.0.1"), t0)
	table.UpdateLoad("a", func(float64) float64 { return 0.7 })

	table.MarkHealthyByRecency(t0.Add(30*time.Second), 10*time.Second)
	rec, _ := table.Get("a")
	require.Equal(t, Stale, rec.State)

	rec = table.Upsert("a", addr("10.0.0.1"), t0.Add(31*time.Second))
	assert.Equal(t, Healthy, rec.State)
	assert.True(t, rec.Healthy)
	assert.Equal(t, 0.7, rec.LoadEMA)
}

func TestEvict(t *testing.T) {
	table := NewTable(&mockLogger{})
	table.Upsert("old", addr("10.0.0.1"), t0)
	table.Upsert("fresh", addr("10.0.0.2"), t0.Add(95*time.Second))

	now := t0.Add(101 * time.Second)
	table.MarkHealthyByRecency(now, 10*time.Second)
	evicted := table.Evict(now, 100*time.Second)

	require.Len(t, evicted, 1)
	assert.Equal(t, "old", evicted[0].NodeID)
	assert.Equal(t, Evicted, evicted[0].State)

	_, ok := table.Get("old")
	assert.False(t, ok)
	_, ok = table.Get("fresh")
	assert.True(t, ok)
}

func TestStalePeerKeptUntilGrace(t *testing.T) {
	table := NewTable(&mockLogger{})
	table.Upsert("a", addr("10.0.0.1"), t0)

	now := t0.Add(50 * time.Second)
	table.MarkHealthyByRecency(now, 10*time.Second)
	assert.Empty(t, table.Evict(now, 100*time.Second))
	assert.Equal(t, 1, table.Len())
}

func TestSnapshotIsImmutable(t *testing.T) {
	table := NewTable(&mockLogger{})
	table.Upsert("a", addr("10.0.0.1"), t0, "gpu")

	snap := table.Snapshot()
	rec := snap["a"]
	rec.Capabilities[0] = "mutated"
	rec.LoadEMA = 42
	snap["a"] = rec
	delete(snap, "a")

	live, ok := table.Get("a")
	require.True(t, ok)
	assert.Equal(t, []string{"gpu"}, live.Capabilities)
	assert.Equal(t, 0.0, live.LoadEMA)
}

func TestProbeFailureOverridesRecency(t *testing.T) {
	table := NewTable(&mockLogger{})
	table.Upsert("a", addr("10.0.0.1"), t0)

	require.True(t, table.MarkProbeFailed("a"))
	table.MarkHealthyByRecency(t0.Add(time.Second), 10*time.Second)
	rec, _ := table.Get("a")
	assert.False(t, rec.Healthy)
	assert.Equal(t, Healthy, rec.State)

	// an announcement alone does not clear a failed probe
	rec = table.Upsert("a", addr("10.0.0.1"), t0.Add(2*time.Second))
	assert.False(t, rec.Healthy)

	require.True(t, table.Touch("a", t0.Add(3*time.Second)))
	rec, _ = table.Get("a")
	assert.True(t, rec.Healthy)
	assert.Equal(t, 0, rec.ProbeFailures)
	assert.Equal(t, t0.Add(3*time.Second), rec.LastSeen)

	assert.False(t, table.Touch("missing", t0))
	assert.False(t, table.MarkProbeFailed("missing"))
}

func TestUpdateLoad(t *testing.T) {
	table := NewTable(&mockLogger{})
	table.Upsert("a", addr("10.0.0.1"), t0)

	v, ok := table.UpdateLoad("a", func(old float64) float64 { return old + 1.5 })
	assert.True(t, ok)
	assert.Equal(t, 1.5, v)

	_, ok = table.UpdateLoad("missing", func(old float64) float64 { return 1 })
	assert.False(t, ok)
}

func TestSync(t *testing.T) {
	table := NewTable(&mockLogger{})
	table.Upsert("keep", addr("10.0.0.1"), t0)
	table.Upsert("gone", addr("10.0.0.2"), t0)
	table.UpdateLoad("keep", func(float64) float64 { return 0.3 })

	records := map[string]PeerRecord{
		"keep": {NodeID: "keep", Address: addr("10.0.0.5"), LastSeen: t0.Add(5 * time.Second), Healthy: true},
		"new":  {NodeID: "new", Address: addr("10.0.0.6"), LastSeen: t0.Add(4 * time.Second), Healthy: true},
	}

	added, removed := table.Sync(records, t0.Add(6*time.Second))
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)

	keep, ok := table.Get("keep")
	require.True(t, ok)
	assert.Equal(t, 0.3, keep.LoadEMA)
	assert.Equal(t, "10.0.0.5", keep.Address.Host)
	assert.Equal(t, t0.Add(5*time.Second), keep.LastSeen)

	fresh, ok := table.Get("new")
	require.True(t, ok)
	assert.Equal(t, 0.0, fresh.LoadEMA)

	_, ok = table.Get("gone")
	assert.False(t, ok)
}

func TestTableEvents(t *testing.T) {
	table := NewTable(&mockLogger{})

	var mu sync.Mutex
	seen := map[EventType]int{}
	var wg sync.WaitGroup
	wg.Add(4)
	table.Subscribe(func(e Event) {
		mu.Lock()
		seen[e.Type]++
		mu.Unlock()
		wg.Done()
	})

	// join, stale, recovered, evicted
	table.Upsert("a", addr("10.0.0.1"), t0)
	table.MarkHealthyByRecency(t0.Add(20*time.Second), 10*time.Second)
	table.Upsert("a", addr("10.0.0.1"), t0.Add(21*time.Second))
	table.Evict(t0.Add(500*time.Second), 100*time.Second)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen[PeerJoined])
	assert.Equal(t, 1, seen[PeerStale])
	assert.Equal(t, 1, seen[PeerRecovered])
	assert.Equal(t, 1, seen[PeerEvicted])
}

func TestConcurrentAccess(t *testing.T) {
	table := NewTable(&mockLogger{})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("node-%d", i%10)
				table.Upsert(id, addr("10.0.0.1"), t0.Add(time.Duration(i)*time.Millisecond))
				table.MarkHealthyByRecency(t0.Add(time.Second), 10*time.Second)
				_ = table.Snapshot()
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 10, table.Len())
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "unknown", Unknown.String())
	assert.Equal(t, "healthy", Healthy.String())
	assert.Equal(t, "stale", Stale.String())
	assert.Equal(t, "evicted", Evicted.String())
	assert.Equal(t, "join", PeerJoined.String())
	assert.Equal(t, "evicted", PeerEvicted.String())
}
