package outbox

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestOutbox(t *testing.T) *Outbox {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outbox.db")
	o, err := Open(path)
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestAppendAssignsMonotonicSequence(t *testing.T) {
	o := openTestOutbox(t)
	first, err := o.Append("v-1", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := o.Append("v-2", []byte(`{"a":2}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if second <= first {
		t.Fatalf("sequence not monotonic: %d then %d", first, second)
	}
	if _, err := o.Append("v-1", []byte(`{}`)); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("duplicate id: %v", err)
	}
}

func TestPendingCursor(t *testing.T) {
	o := openTestOutbox(t)
	seqs := make([]uint64, 0, 3)
	for _, id := range []string{"v-1", "v-2", "v-3"} {
		seq, err := o.Append(id, []byte(`{}`))
		if err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
		seqs = append(seqs, seq)
	}

	all, err := o.Pending(0, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(all) != 3 || all[0].ID != "v-1" || all[2].ID != "v-3" {
		t.Fatalf("unexpected pending set: %+v", all)
	}

	tail, err := o.Pending(seqs[0], 0)
	if err != nil {
		t.Fatalf("pending after cursor: %v", err)
	}
	if len(tail) != 2 || tail[0].ID != "v-2" {
		t.Fatalf("cursor did not skip acknowledged prefix: %+v", tail)
	}

	limited, err := o.Pending(0, 1)
	if err != nil {
		t.Fatalf("pending limited: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "v-1" {
		t.Fatalf("limit ignored: %+v", limited)
	}
}

func TestAckRemovesEntry(t *testing.T) {
	o := openTestOutbox(t)
	if _, err := o.Append("v-1", []byte(`{}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := o.Append("v-2", []byte(`{}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := o.Ack("v-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := o.Ack("v-1"); err != nil {
		t.Fatalf("repeated ack must be a no-op: %v", err)
	}
	remaining, err := o.Pending(0, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "v-2" {
		t.Fatalf("ack removed wrong entry: %+v", remaining)
	}
	depth, err := o.Depth()
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("depth = %d, want 1", depth)
	}
}

func TestSequencesSurviveAck(t *testing.T) {
	o := openTestOutbox(t)
	if _, err := o.Append("v-1", []byte(`{}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := o.Ack("v-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	seq, err := o.Append("v-2", []byte(`{}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if seq < 2 {
		t.Fatalf("sequence reused after ack: %d", seq)
	}
}
