package core

import "testing"

func TestAllocationsTreeContainsAndCount(t *testing.T) {
	tree := AllocationsTree{{Start: 0, End: 2}, {Start: 5, End: 6}}
	if !tree.Contains(1) || tree.Contains(3) || !tree.Contains(5) {
		t.Fatalf("unexpected containment result for %+v", tree)
	}
	if tree.Count() != 3 {
		t.Fatalf("count=%d want 3", tree.Count())
	}
}

func TestPagesMapSetGetRemove(t *testing.T) {
	var pages PagesMap
	pages = pages.Set(3, HashBytes([]byte("a")))
	pages = pages.Set(1, HashBytes([]byte("b")))
	pages = pages.Set(3, HashBytes([]byte("c")))

	if got, ok := pages.Get(3); !ok || got != HashBytes([]byte("c")) {
		t.Fatalf("expected updated value for page 3, got %s ok=%v", got, ok)
	}
	if _, ok := pages.Get(2); ok {
		t.Fatalf("page 2 should not exist")
	}
	pages = pages.Remove(1)
	if _, ok := pages.Get(1); ok {
		t.Fatalf("page 1 should have been removed")
	}
	if len(pages) != 1 {
		t.Fatalf("expected single remaining page, got %d", len(pages))
	}
}

func TestQueueFIFO(t *testing.T) {
	var q Queue
	d1 := NewHandleDispatch(HashBytes([]byte("1")), ZeroHash, ZeroHash, nil, 0, 0)
	d2 := NewHandleDispatch(HashBytes([]byte("2")), ZeroHash, ZeroHash, nil, 0, 0)
	q = q.PushBack(d1)
	q = q.PushBack(d2)

	head, rest, ok := q.PopFront()
	if !ok || head.Message.ID != d1.Message.ID {
		t.Fatalf("expected FIFO head to be d1")
	}
	if len(rest) != 1 || rest[0].Message.ID != d2.Message.ID {
		t.Fatalf("unexpected remainder: %+v", rest)
	}
}

func TestMailboxInsertAndRemove(t *testing.T) {
	var m Mailbox
	user := BytesToAddress([]byte("user1"))
	entry := MailboxEntry{MessageId: HashBytes([]byte("msg")), Value: 10, Expiration: 100}

	m = m.Insert(user, entry)
	rest, removed, ok := m.Remove(user, entry.MessageId)
	if !ok {
		t.Fatalf("expected mailbox entry to be found")
	}
	if removed.Value != 10 {
		t.Fatalf("removed entry value mismatch: %+v", removed)
	}
	if len(rest) != 0 {
		t.Fatalf("expected empty mailbox after removing sole entry, got %+v", rest)
	}
}

func TestWaitlistInsertTakeAndDrain(t *testing.T) {
	var w Waitlist
	d := NewHandleDispatch(HashBytes([]byte("waiting")), ZeroHash, ZeroHash, nil, 0, 0)
	w = w.Insert(50, d)

	rest, got, height, ok := w.Take(d.Message.ID)
	if !ok || got.Message.ID != d.Message.ID {
		t.Fatalf("expected Take to find the waiting dispatch")
	}
	if height != 50 {
		t.Fatalf("expected Take to report the bucket height 50, got %d", height)
	}
	if len(rest) != 0 {
		t.Fatalf("expected waitlist to be empty after Take")
	}

	w = w.Insert(10, d)
	rest, drained := w.Drain(20)
	if len(drained) != 1 || len(rest) != 0 {
		t.Fatalf("expected Drain(20) to take the height-10 bucket, drained=%d rest=%d", len(drained), len(rest))
	}
}

func TestStashInsertAndTake(t *testing.T) {
	var s Stash
	entry := StashEntry{StashId: HashBytes([]byte("stash1")), Height: 42}
	s = s.Insert(entry)

	rest, got, ok := s.Take(entry.StashId)
	if !ok || got.Height != 42 {
		t.Fatalf("expected stash entry with height 42, got %+v ok=%v", got, ok)
	}
	if len(rest) != 0 {
		t.Fatalf("expected empty stash after Take")
	}
}

func TestProgramStatusIsTerminal(t *testing.T) {
	if ActiveInit().IsTerminal() {
		t.Fatalf("active program must not be terminal")
	}
	if !Exited(ZeroHash).IsTerminal() {
		t.Fatalf("exited program must be terminal")
	}
	if !Terminated(ZeroHash).IsTerminal() {
		t.Fatalf("terminated program must be terminal")
	}
}
