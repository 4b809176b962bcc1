package rpc

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/testutil/testlog"
)

func TestPendingAtMostOnceResolution(t *testing.T) {
	testlog.Start(t)
	table := NewPendingTable()
	now := time.Now()
	wait := table.Register("req-1", now, now.Add(time.Second))

	if !table.Resolve("req-1", json.RawMessage(`1`)) {
		t.Fatalf("first settlement should win")
	}
	if table.Resolve("req-1", json.RawMessage(`2`)) {
		t.Fatalf("second resolve must be a no-op")
	}
	if table.Reject("req-1", errors.New("late")) {
		t.Fatalf("reject after resolve must be a no-op")
	}
	if table.Cancel("req-1") {
		t.Fatalf("cancel after resolve must be a no-op")
	}

	out := <-wait
	if out.Err != nil || string(out.Result) != `1` {
		t.Fatalf("unexpected outcome %+v", out)
	}
	select {
	case extra := <-wait:
		t.Fatalf("second outcome delivered: %+v", extra)
	default:
	}
	if table.Len() != 0 {
		t.Fatalf("table should be empty, len=%d", table.Len())
	}
}

func TestPendingCancelBeforeSettle(t *testing.T) {
	testlog.Start(t)
	table := NewPendingTable()
	now := time.Now()
	wait := table.Register("req-2", now, now.Add(time.Second))
	if !table.Cancel("req-2") {
		t.Fatalf("cancel of live entry should succeed")
	}
	if table.Resolve("req-2", json.RawMessage(`1`)) {
		t.Fatalf("resolve after cancel must be a no-op")
	}
	select {
	case out := <-wait:
		t.Fatalf("cancelled call settled: %+v", out)
	default:
	}
}

func TestPendingFailAll(t *testing.T) {
	testlog.Start(t)
	table := NewPendingTable()
	now := time.Now()
	waits := make([]<-chan Outcome, 0, 3)
	for _, id := range []string{"a", "b", "c"} {
		waits = append(waits, table.Register(id, now, now.Add(time.Second)))
	}
	cause := errors.New("gone")
	table.FailAll(cause)
	for i, wait := range waits {
		out := <-wait
		if !errors.Is(out.Err, cause) {
			t.Fatalf("call %d outcome %+v", i, out)
		}
	}
	if table.Len() != 0 {
		t.Fatalf("table should be empty after FailAll")
	}
	// FailAll on an empty table is harmless.
	table.FailAll(cause)
}
