package settle

import (
	"testing"

	"tidebook/domain/market"
)

func ownerID(b byte) market.AccountID {
	var id market.AccountID
	id[0] = b
	return id
}

func segID(b byte) market.AccountID {
	var id market.AccountID
	id[31] = b
	return id
}

func newSegment(t *testing.T, id market.AccountID, maxAccounts int) *Segment {
	t.Helper()
	s, err := CreateSegment(id, make([]byte, BufferSize(maxAccounts)), segID(0xff), market.AccountID{}, maxAccounts)
	if err != nil {
		t.Fatalf("create segment: %v", err)
	}
	return s
}

func TestCreditAndWithdraw(t *testing.T) {
	s := newSegment(t, segID(1), 64)
	alice := ownerID(1)

	if bal, err := s.Credit(alice, true, 100, 10); err != nil || bal != 100 {
		t.Fatalf("credit = %d, %v", bal, err)
	}
	if bal, err := s.Credit(alice, true, 50, 20); err != nil || bal != 150 {
		t.Fatalf("credit = %d, %v", bal, err)
	}
	if bal, err := s.Credit(alice, false, 7, 30); err != nil || bal != 7 {
		t.Fatalf("prc credit = %d, %v", bal, err)
	}
	if s.Items() != 1 {
		t.Fatalf("items = %d, want 1", s.Items())
	}

	e, err := s.Remove(alice)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if e.MktBalance != 150 || e.PrcBalance != 7 {
		t.Fatalf("entry = %+v, want 150/7", e)
	}
	if s.Items() != 0 {
		t.Fatalf("items = %d after remove", s.Items())
	}
	if _, err := s.Remove(alice); err != market.ErrAccountNotFound {
		t.Fatalf("second remove err = %v, want ErrAccountNotFound", err)
	}
}

func TestCreditOverflowsIntoNextSegment(t *testing.T) {
	// 3 node slots hold 2 owners (3 nodes for 2 leaves)
	active := newSegment(t, segID(1), 3)
	next := newSegment(t, segID(2), 64)
	p := Pair{Active: active, Next: next}
	st := &market.State{MktOrderBalance: 1000}

	if err := Credit(st, p, ownerID(1), true, 10, 0); err != nil {
		t.Fatalf("credit 1: %v", err)
	}
	if err := Credit(st, p, ownerID(2), true, 20, 0); err != nil {
		t.Fatalf("credit 2: %v", err)
	}
	if st.LogRollover {
		t.Fatal("rollover flagged before active filled")
	}

	// third owner does not fit and spills into next
	if err := Credit(st, p, ownerID(3), true, 30, 0); err != nil {
		t.Fatalf("credit 3: %v", err)
	}
	if !st.LogRollover {
		t.Fatal("rollover not flagged")
	}
	if _, ok := next.Lookup(ownerID(3)); !ok {
		t.Fatal("spilled credit missing from next segment")
	}
	if st.MktOrderBalance != 940 || st.MktLogBalance != 60 {
		t.Fatalf("balances = %d/%d, want 940/60", st.MktOrderBalance, st.MktLogBalance)
	}
}

func TestBothSegmentsFull(t *testing.T) {
	active := newSegment(t, segID(1), 1)
	next := newSegment(t, segID(2), 1)
	p := Pair{Active: active, Next: next}
	st := &market.State{MktOrderBalance: 100}

	if err := Credit(st, p, ownerID(1), true, 1, 0); err != nil {
		t.Fatalf("credit 1: %v", err)
	}
	if err := Credit(st, p, ownerID(2), true, 1, 0); err != nil {
		t.Fatalf("credit 2: %v", err)
	}
	if err := Credit(st, p, ownerID(3), true, 1, 0); err != market.ErrSettlementLogFull {
		t.Fatalf("credit 3 err = %v, want ErrSettlementLogFull", err)
	}
}

func TestRolloverLinksChain(t *testing.T) {
	mkt := segID(0xaa)
	a := newSegment(t, segID(1), 8)
	b := newSegment(t, segID(2), 8)
	st := &market.State{SettleA: a.ID, SettleB: b.ID, LogRollover: true}

	fresh, err := Rollover(st, mkt, b, segID(3), make([]byte, BufferSize(8)), 8)
	if err != nil {
		t.Fatalf("rollover: %v", err)
	}
	if st.SettleA != b.ID || st.SettleB != fresh.ID {
		t.Fatalf("window = %v/%v, want %v/%v", st.SettleA, st.SettleB, b.ID, fresh.ID)
	}
	if st.LogRollover {
		t.Fatal("rollover flag not cleared")
	}
	if b.Header().Next != fresh.ID {
		t.Fatal("old next segment not linked forward")
	}
	fh := fresh.Header()
	if fh.Prev != b.ID || !fh.Next.IsZero() || fh.Market != mkt {
		t.Fatalf("fresh header = %+v", fh)
	}
}

func TestUnlinkInteriorSegment(t *testing.T) {
	mkt := segID(0xaa)
	a, _ := CreateSegment(segID(1), make([]byte, BufferSize(8)), mkt, market.AccountID{}, 8)
	b, _ := CreateSegment(segID(2), make([]byte, BufferSize(8)), mkt, a.ID, 8)
	c, _ := CreateSegment(segID(3), make([]byte, BufferSize(8)), mkt, b.ID, 8)
	ah := a.Header()
	ah.Next = b.ID
	a.SetHeader(ah)
	bh := b.Header()
	bh.Next = c.ID
	b.SetHeader(bh)

	st := &market.State{SettleA: a.ID, SettleB: b.ID}
	if err := Unlink(st, b, a, c); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if a.Header().Next != c.ID || c.Header().Prev != a.ID {
		t.Fatal("chain not relinked")
	}
	if st.SettleB != c.ID {
		t.Fatalf("settle b = %v, want %v", st.SettleB, c.ID)
	}

	// boundary segments cannot be unlinked
	if err := Unlink(st, a, a, c); err != market.ErrInvalidAccount {
		t.Fatalf("unlink head err = %v, want ErrInvalidAccount", err)
	}
}

func TestUnlinkNonEmptySegment(t *testing.T) {
	mkt := segID(0xaa)
	a, _ := CreateSegment(segID(1), make([]byte, BufferSize(8)), mkt, market.AccountID{}, 8)
	b, _ := CreateSegment(segID(2), make([]byte, BufferSize(8)), mkt, a.ID, 8)
	c, _ := CreateSegment(segID(3), make([]byte, BufferSize(8)), mkt, b.ID, 8)
	ah := a.Header()
	ah.Next = b.ID
	a.SetHeader(ah)
	bh := b.Header()
	bh.Next = c.ID
	b.SetHeader(bh)
	if _, err := b.Credit(ownerID(9), true, 5, 0); err != nil {
		t.Fatalf("credit: %v", err)
	}

	st := &market.State{}
	if err := Unlink(st, b, a, c); err != ErrSegmentNotEmpty {
		t.Fatalf("unlink err = %v, want ErrSegmentNotEmpty", err)
	}
}

func TestReattachKeepsEntries(t *testing.T) {
	buf := make([]byte, BufferSize(16))
	s, err := CreateSegment(segID(1), buf, segID(0xaa), market.AccountID{}, 16)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Credit(ownerID(4), false, 450, 99); err != nil {
		t.Fatalf("credit: %v", err)
	}

	r, err := AttachSegment(segID(1), buf)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	e, ok := r.Lookup(ownerID(4))
	if !ok || e.PrcBalance != 450 || e.TsUpdated != 99 {
		t.Fatalf("entry = %+v, %v", e, ok)
	}
}
