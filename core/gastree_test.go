package core

import "testing"

func TestGasTreeCreateAndSpend(t *testing.T) {
	gt := NewGasTree()
	id := HashBytes([]byte("msg1"))
	if err := gt.Create(id, 1000); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := gt.Create(id, 1000); err == nil {
		t.Fatalf("expected error creating a duplicate node")
	}
	if err := gt.Spend(id, 400); err != nil {
		t.Fatalf("spend: %v", err)
	}
	bal, ok := gt.BalanceOf(id)
	if !ok || bal != 600 {
		t.Fatalf("balance=%d ok=%v, want 600", bal, ok)
	}
	if err := gt.Spend(id, 700); err == nil {
		t.Fatalf("expected gas error spending beyond balance")
	}
}

func TestGasTreeSplitAndConsume(t *testing.T) {
	gt := NewGasTree()
	parent := HashBytes([]byte("parent"))
	child := HashBytes([]byte("child"))
	if err := gt.Create(parent, 1000); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	if err := gt.Split(parent, child, GasNodeSpecifiedLocal, 300); err != nil {
		t.Fatalf("split: %v", err)
	}

	parentBal, _ := gt.BalanceOf(parent)
	if parentBal != 700 {
		t.Fatalf("parent balance=%d want 700", parentBal)
	}

	if err := gt.Spend(child, 100); err != nil {
		t.Fatalf("spend child: %v", err)
	}
	unspent, err := gt.Consume(child)
	if err != nil {
		t.Fatalf("consume child: %v", err)
	}
	if unspent != 0 {
		t.Fatalf("consume of a non-root node must report 0 unspent, got %d", unspent)
	}
	parentBal, _ = gt.BalanceOf(parent)
	if parentBal != 900 {
		t.Fatalf("parent balance after child consume=%d want 900", parentBal)
	}
}

func TestGasTreeConsumeRootReturnsRemaining(t *testing.T) {
	gt := NewGasTree()
	id := HashBytes([]byte("root"))
	if err := gt.Create(id, 500); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := gt.Spend(id, 200); err != nil {
		t.Fatalf("spend: %v", err)
	}
	unspent, err := gt.Consume(id)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if unspent != 300 {
		t.Fatalf("unspent=%d want 300", unspent)
	}
	if _, ok := gt.BalanceOf(id); ok {
		t.Fatalf("expected node to be removed after consume")
	}
}

func TestGasTreeConsumeWithLiveChildrenWaits(t *testing.T) {
	gt := NewGasTree()
	parent := HashBytes([]byte("p"))
	child := HashBytes([]byte("c"))
	_ = gt.Create(parent, 1000)
	_ = gt.Split(parent, child, GasNodeCut, 100)

	unspent, err := gt.Consume(parent)
	if err != nil {
		t.Fatalf("consume with live children: %v", err)
	}
	if unspent != 0 {
		t.Fatalf("expected no unspent gas while a child is live, got %d", unspent)
	}
	if bal, ok := gt.BalanceOf(parent); !ok || bal != 900 {
		t.Fatalf("expected parent kept waiting with 900, got %d (present=%v)", bal, ok)
	}
}

func TestGasTreeLockAndUnlockAll(t *testing.T) {
	gt := NewGasTree()
	id := HashBytes([]byte("msg"))
	_ = gt.Create(id, 1000)

	if err := gt.Lock(id, 300); err != nil {
		t.Fatalf("lock: %v", err)
	}
	bal, _ := gt.BalanceOf(id)
	if bal != 700 {
		t.Fatalf("spendable after lock=%d want 700", bal)
	}
	released, err := gt.UnlockAll(id)
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if released != 300 {
		t.Fatalf("released=%d want 300", released)
	}
	bal, _ = gt.BalanceOf(id)
	if bal != 1000 {
		t.Fatalf("spendable after unlock=%d want 1000", bal)
	}
}

func TestGasTreeReserve(t *testing.T) {
	gt := NewGasTree()
	parent := HashBytes([]byte("parent"))
	reservation := HashBytes([]byte("reservation"))
	_ = gt.Create(parent, 1000)

	if err := gt.Reserve(parent, reservation, 200); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	bal, ok := gt.BalanceOf(reservation)
	if !ok || bal != 200 {
		t.Fatalf("reservation balance=%d ok=%v want 200", bal, ok)
	}
}

func TestGasTreeTotalIssuanceShrinksOnlyByBurnAndCollapse(t *testing.T) {
	gt := NewGasTree()
	a := HashBytes([]byte("a"))
	b := HashBytes([]byte("b"))
	child := HashBytes([]byte("a-child"))
	_ = gt.Create(a, 1000)
	_ = gt.Create(b, 500)

	if got := gt.TotalIssuance(); got != 1500 {
		t.Fatalf("issuance after create=%d want 1500", got)
	}
	if err := gt.Split(a, child, GasNodeSpecifiedLocal, 300); err != nil {
		t.Fatalf("split: %v", err)
	}
	if got := gt.TotalIssuance(); got != 1500 {
		t.Fatalf("a split moves gas, it must not mint: issuance=%d want 1500", got)
	}
	if err := gt.Spend(child, 100); err != nil {
		t.Fatalf("spend: %v", err)
	}
	if got := gt.TotalIssuance(); got != 1400 {
		t.Fatalf("issuance after burn=%d want 1400", got)
	}
	if _, err := gt.Consume(child); err != nil {
		t.Fatalf("consume child: %v", err)
	}
	if got := gt.TotalIssuance(); got != 1400 {
		t.Fatalf("collapsing a child returns its gas to the parent: issuance=%d want 1400", got)
	}
	if _, err := gt.Consume(b); err != nil {
		t.Fatalf("consume root: %v", err)
	}
	if got := gt.TotalIssuance(); got != 900 {
		t.Fatalf("issuance after root collapse=%d want 900", got)
	}
}
