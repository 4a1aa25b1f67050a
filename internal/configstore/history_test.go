package configstore

import (
	"testing"

	"github.com/batata-io/batata/internal/store"
)

func TestHistoryAppendedOnEveryMutation(t *testing.T) {
	s := newTestStore(t)
	key := store.ConfigKey{DataID: "d1", Group: "g", Namespace: "ns"}

	_ = s.Publish(key, "", "", "v1", "text", "", "", nil, "alice", "1.2.3.4")
	_ = s.Publish(key, "", "", "v2", "text", "", "", nil, "alice", "1.2.3.4")
	_ = s.Delete(key, "", "alice", "1.2.3.4")

	entries, err := s.History(key, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}

	// History() returns most-recent-first.
	ops := []store.OpType{entries[0].OpType, entries[1].OpType, entries[2].OpType}
	if ops[0] != store.OpDelete || ops[1] != store.OpUpdate || ops[2] != store.OpInsert {
		t.Fatalf("unexpected op sequence: %v", ops)
	}
}
