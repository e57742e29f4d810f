// Package outbox queues engine events in pebble until the broadcaster
// has published and acknowledged them. Events are enqueued on the same
// batch that commits the invocation, so an event exists exactly when
// its state change does.
package outbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"tidebook/infra/store"
)

// -------------------- State --------------------

type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	default:
		return "UNKNOWN"
	}
}

// -------------------- Record --------------------

type Record struct {
	Seq         uint64
	State       State
	Retries     uint32
	LastAttempt int64
	Payload     []byte
}

// binary encoding: [state:1][retries:4][lastAttempt:8][payload]
func encodeRecord(r Record) []byte {
	buf := make([]byte, 13+len(r.Payload))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	copy(buf[13:], r.Payload)
	return buf
}

func decodeRecord(b []byte) (Record, error) {
	if len(b) < 13 {
		return Record{}, errors.New("invalid outbox record length")
	}
	payload := make([]byte, len(b)-13)
	copy(payload, b[13:])
	return Record{
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Payload:     payload,
	}, nil
}

// -------------------- Outbox --------------------

// Outbox shares the store's pebble handle. Enqueue runs on the single
// service writer; the broadcaster only scans and flips states.
type Outbox struct {
	db      *pebble.DB
	nextSeq uint64
}

func Open(db *pebble.DB) (*Outbox, error) {
	o := &Outbox{db: db}

	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("evt/"),
		UpperBound: []byte("evt/~"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	if iter.Last() && iter.Valid() {
		seq, err := parseKey(iter.Key())
		if err != nil {
			return nil, err
		}
		o.nextSeq = seq
	}
	return o, nil
}

// -------------------- API --------------------

// Enqueue stages a NEW event on the invocation's batch and returns its
// sequence number.
func (o *Outbox) Enqueue(b *store.Batch, payload []byte) (uint64, error) {
	o.nextSeq++
	rec := Record{State: StateNew, Payload: payload}
	if err := b.Set(keyFor(o.nextSeq), encodeRecord(rec)); err != nil {
		return 0, err
	}
	return o.nextSeq, nil
}

// MarkSent flips an event to SENT before the publish attempt.
func (o *Outbox) MarkSent(seq uint64) error {
	return o.updateState(seq, StateSent)
}

// MarkAcked flips an event to ACKED after the broker confirmed it.
func (o *Outbox) MarkAcked(seq uint64) error {
	return o.updateState(seq, StateAcked)
}

func (o *Outbox) updateState(seq uint64, state State) error {
	rec, err := o.Get(seq)
	if err != nil {
		return err
	}
	rec.State = state
	rec.Retries++
	rec.LastAttempt = time.Now().UnixNano()
	return o.db.Set(keyFor(seq), encodeRecord(rec), pebble.Sync)
}

// Delete removes ACKED records (cleanup).
func (o *Outbox) Delete(seq uint64) error {
	return o.db.Delete(keyFor(seq), pebble.Sync)
}

func (o *Outbox) Get(seq uint64) (Record, error) {
	val, closer, err := o.db.Get(keyFor(seq))
	if err != nil {
		return Record{}, err
	}
	defer closer.Close()
	rec, err := decodeRecord(val)
	if err != nil {
		return Record{}, err
	}
	rec.Seq = seq
	return rec, nil
}

// -------------------- Scan --------------------

// ScanPending iterates every record not yet ACKED, in sequence order.
// SENT records reappear here so a publish that crashed before its ack
// is retried.
func (o *Outbox) ScanPending(fn func(rec *Record) error) error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("evt/"),
		UpperBound: []byte("evt/~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return err
		}
		if rec.State == StateAcked {
			continue
		}
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		rec.Seq = seq
		if err := fn(&rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// -------------------- Helpers --------------------

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("evt/%020d", seq))
}

func parseKey(b []byte) (uint64, error) {
	var seq uint64
	_, err := fmt.Sscanf(string(b), "evt/%d", &seq)
	return seq, err
}
