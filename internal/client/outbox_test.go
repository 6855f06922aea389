package client

import (
	"testing"
)

func exerciseOutbox(t *testing.T, o Outbox) {
	t.Helper()
	for _, tmp := range []string{"a", "b", "c"} {
		if _, err := o.Enqueue(PendingSend{TempID: tmp, ReceiverID: "bob", Content: "msg " + tmp}); err != nil {
			t.Fatal(err)
		}
	}
	dup, err := o.Enqueue(PendingSend{TempID: "b", Content: "again"})
	if err != nil {
		t.Fatal(err)
	}
	if dup.Content != "msg b" {
		t.Fatalf("duplicate temp id should return the queued entry, got %+v", dup)
	}

	pending, err := o.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}
	for i, want := range []string{"a", "b", "c"} {
		if pending[i].TempID != want {
			t.Fatalf("pending[%d] = %s, want %s", i, pending[i].TempID, want)
		}
	}

	if err := o.Remove(pending[1].Seq); err != nil {
		t.Fatal(err)
	}
	pending, _ = o.Pending()
	if len(pending) != 2 || pending[0].TempID != "a" || pending[1].TempID != "c" {
		t.Fatalf("after remove: %+v", pending)
	}
}

func TestMemoryOutbox(t *testing.T) {
	exerciseOutbox(t, NewMemoryOutbox())
}

func TestPebbleOutbox(t *testing.T) {
	o, err := OpenPebbleOutbox(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close()
	exerciseOutbox(t, o)
}

func TestPebbleOutbox_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	o, err := OpenPebbleOutbox(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, tmp := range []string{"a", "b"} {
		if _, err := o.Enqueue(PendingSend{TempID: tmp, ReceiverID: "bob"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := o.Close(); err != nil {
		t.Fatal(err)
	}

	o, err = OpenPebbleOutbox(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close()

	next, err := o.Enqueue(PendingSend{TempID: "c", ReceiverID: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	pending, _ := o.Pending()
	if len(pending) != 3 || pending[2].TempID != "c" || next.Seq <= pending[1].Seq {
		t.Fatalf("reopened outbox lost order: %+v", pending)
	}
}
