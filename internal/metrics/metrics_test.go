package metrics

import (
	"testing"
	"time"
)

func TestRecordErrorCounts(t *testing.T) {
	a := NewAggregator()

	a.RecordError("network", "high")
	a.RecordError("network", "high")
	a.RecordError("database", "critical")

	snap := a.Snapshot()
	if snap.Errors["network/high"] != 2 {
		t.Errorf("network/high = %d, want 2", snap.Errors["network/high"])
	}
	if snap.Errors["database/critical"] != 1 {
		t.Errorf("database/critical = %d, want 1", snap.Errors["database/critical"])
	}
}

func TestRecordRecoveryTallies(t *testing.T) {
	a := NewAggregator()

	a.RecordRecovery("network-retry", 3, true)
	a.RecordRecovery("network-retry", 4, false)

	snap := a.Snapshot()
	stats := snap.Strategies["network-retry"]
	if stats.Attempts != 7 {
		t.Errorf("attempts = %d, want 7", stats.Attempts)
	}
	if stats.Successes != 1 || stats.Failures != 1 {
		t.Errorf("successes/failures = %d/%d, want 1/1", stats.Successes, stats.Failures)
	}
}

func TestErrorRateWindowPrunes(t *testing.T) {
	a := NewAggregator()
	current := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return current }

	a.RecordError("network", "high")
	a.RecordError("network", "high")

	current = current.Add(30 * time.Minute)
	a.RecordError("network", "high")

	snap := a.Snapshot()
	if snap.ErrorRates["network/high"] != 3 {
		t.Errorf("rate = %d, want all 3 inside the window", snap.ErrorRates["network/high"])
	}

	// Two of the three fall out of the one-hour window.
	current = current.Add(45 * time.Minute)
	snap = a.Snapshot()
	if snap.ErrorRates["network/high"] != 1 {
		t.Errorf("rate = %d, want 1 after pruning", snap.ErrorRates["network/high"])
	}
	// The monotonic counter is untouched by pruning.
	if snap.Errors["network/high"] != 3 {
		t.Errorf("count = %d, want 3", snap.Errors["network/high"])
	}
}

func TestRecordBroadcastAndConnections(t *testing.T) {
	a := NewAggregator()

	a.RecordBroadcast("chat-message")
	a.RecordBroadcast("chat-message")
	a.RecordBroadcast("game-move")
	a.SetConnectionCount(7)

	snap := a.Snapshot()
	if snap.Broadcasts["chat-message"] != 2 || snap.Broadcasts["game-move"] != 1 {
		t.Errorf("broadcasts = %v, want chat-message=2 game-move=1", snap.Broadcasts)
	}
	if snap.Connections != 7 {
		t.Errorf("connections = %d, want 7", snap.Connections)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	a := NewAggregator()
	a.RecordRecovery("database-reconnect", 2, true)

	snap := a.Snapshot()
	snap.Strategies["database-reconnect"] = StrategyStats{Attempts: 999}
	snap.Errors["made/up"] = 42

	fresh := a.Snapshot()
	if fresh.Strategies["database-reconnect"].Attempts != 2 {
		t.Error("mutating a snapshot leaked into the aggregator")
	}
	if _, ok := fresh.Errors["made/up"]; ok {
		t.Error("mutating a snapshot's error map leaked into the aggregator")
	}
}
