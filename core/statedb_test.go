package core

import "testing"

func newTestDB() *StateDB {
	return NewStateDB(NewMemBlobStore())
}

func TestProgramStateRoundTrip(t *testing.T) {
	db := newTestDB()
	codeID := HashBytes([]byte("code"))
	ps := NewProgramState(codeID)

	h := db.PutProgramState(ps)
	got, err := db.GetProgramState(h)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CodeId != codeID {
		t.Fatalf("code id mismatch: got %s want %s", got.CodeId, codeID)
	}
	if got.Status.Kind != ProgramActive || got.Status.Init != InitStatusUninit {
		t.Fatalf("expected fresh program to be Active{Uninit}, got %+v", got.Status)
	}
}

func TestEmptyContainersHashIdentically(t *testing.T) {
	db := newTestDB()
	ps1 := NewProgramState(ZeroHash)
	ps2 := NewProgramState(ZeroHash)
	if db.PutProgramState(ps1) != db.PutProgramState(ps2) {
		t.Fatalf("two fresh program states with only empty containers must hash identically")
	}
}

func TestWithCanonicalQueueCOW(t *testing.T) {
	db := newTestDB()
	ps := NewProgramState(ZeroHash)

	dispatch := NewHandleDispatch(HashBytes([]byte("m1")), ZeroHash, ZeroHash, []byte("ping"), 0, 1000)
	next, err := db.WithCanonicalQueue(ps, func(q Queue) (Queue, error) {
		return q.PushBack(dispatch), nil
	})
	if err != nil {
		t.Fatalf("with canonical queue: %v", err)
	}
	if next.CanonicalQueue.Empty {
		t.Fatalf("expected non-empty canonical queue after push")
	}
	if !ps.CanonicalQueue.Empty {
		t.Fatalf("original ProgramState must not be mutated (COW)")
	}

	q, err := db.GetQueue(next.CanonicalQueue)
	if err != nil {
		t.Fatalf("get queue: %v", err)
	}
	if len(q) != 1 || q[0].Message.ID != dispatch.Message.ID {
		t.Fatalf("unexpected queue contents: %+v", q)
	}
}

func TestOverlayIsolatesWritesFromBase(t *testing.T) {
	db := newTestDB()
	actor := HashBytes([]byte("actor"))
	db.SetProgramCode(actor, HashBytes([]byte("code")))

	overlay := db.Overlay()
	overlay.SetProgramCode(HashBytes([]byte("actor2")), HashBytes([]byte("code2")))

	if _, ok := db.GetProgramCode(HashBytes([]byte("actor2"))); ok {
		t.Fatalf("base must not observe overlay secondary-index writes")
	}
	if _, ok := overlay.GetProgramCode(actor); !ok {
		t.Fatalf("overlay must see base's prior secondary-index state")
	}
}

func TestInstrumentedIndexRoundTrip(t *testing.T) {
	db := newTestDB()
	key := instrumentedCacheKey(HashBytes([]byte("code")), 1)
	codeHash := db.PutInstrumentedCode([]byte("instrumented-bytes"))
	db.SetInstrumentedIndex(key, codeHash)

	got, ok := db.GetInstrumentedIndex(key)
	if !ok || got != codeHash {
		t.Fatalf("expected instrumented index hit, got %s ok=%v", got, ok)
	}
}

func TestUpdateBalanceUnderflow(t *testing.T) {
	db := newTestDB()
	ps := NewProgramState(ZeroHash)
	ps.Balance = 10

	if _, err := db.UpdateBalance(ps, -20); err == nil {
		t.Fatalf("expected underflow error")
	}
	next, err := db.UpdateBalance(ps, -10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Balance != 0 {
		t.Fatalf("balance=%d want 0", next.Balance)
	}
}
