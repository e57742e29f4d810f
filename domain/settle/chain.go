package settle

import "tidebook/domain/market"

// Pair is the live window of the segment chain: credits land in
// Active and overflow into Next.
type Pair struct {
	Active *Segment
	Next   *Segment
}

// Credit records an owed balance through the window and moves the
// amount from the order balance to the log balance. Filling the
// active segment flags a rollover; both segments full is
// ErrSettlementLogFull.
func Credit(st *market.State, p Pair, owner market.AccountID, mktToken bool, amount uint64, now int64) error {
	_, err := p.Active.Credit(owner, mktToken, amount, now)
	if err == market.ErrSettlementLogFull {
		st.LogRollover = true
		if _, err = p.Next.Credit(owner, mktToken, amount, now); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if mktToken {
		if st.MktOrderBalance, err = market.SafeSub(st.MktOrderBalance, amount); err != nil {
			return err
		}
		st.MktLogBalance, err = market.SafeAdd(st.MktLogBalance, amount)
		return err
	}
	if st.PrcOrderBalance, err = market.SafeSub(st.PrcOrderBalance, amount); err != nil {
		return err
	}
	st.PrcLogBalance, err = market.SafeAdd(st.PrcLogBalance, amount)
	return err
}

// Rollover appends a fresh segment after next and advances the
// window: next becomes active, the new segment becomes next, and the
// rollover flag clears.
func Rollover(st *market.State, mkt market.AccountID, next *Segment, newID market.AccountID, newBuf []byte, maxAccounts int) (*Segment, error) {
	fresh, err := CreateSegment(newID, newBuf, mkt, next.ID, maxAccounts)
	if err != nil {
		return nil, err
	}
	h := next.Header()
	h.Next = newID
	next.SetHeader(h)

	st.SettleA = next.ID
	st.SettleB = newID
	st.LogRollover = false
	return fresh, nil
}

// Unlink removes an empty interior segment from the chain. The first
// and last segments stay put.
func Unlink(st *market.State, seg, prev, next *Segment) error {
	h := seg.Header()
	if h.Items > 0 {
		return ErrSegmentNotEmpty
	}
	if h.Prev.IsZero() || h.Next.IsZero() {
		return market.ErrInvalidAccount
	}
	if h.Prev != prev.ID || h.Next != next.ID {
		return market.ErrInvalidAccount
	}
	ph := prev.Header()
	nh := next.Header()
	if ph.Next != seg.ID || nh.Prev != seg.ID {
		return market.ErrInvalidAccount
	}

	ph.Next = next.ID
	prev.SetHeader(ph)
	nh.Prev = prev.ID
	next.SetHeader(nh)

	if st.SettleA == seg.ID {
		st.SettleA = next.ID
		st.SettleB = next.Header().Next
	} else if st.SettleB == seg.ID {
		st.SettleB = next.ID
	}
	return nil
}
