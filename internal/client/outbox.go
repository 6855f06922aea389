package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/whisper/dmchat/internal/chat"
)

// PendingSend is a send intent waiting for the transport.
type PendingSend struct {
	Seq        uint64           `json:"seq"`
	TempID     string           `json:"tempId"`
	ReceiverID string           `json:"receiverId"`
	Content    string           `json:"content"`
	Attachment *chat.Attachment `json:"attachment,omitempty"`
	ReplyTo    string           `json:"replyTo,omitempty"`
	QueuedAt   time.Time        `json:"queuedAt"`
}

// Outbox is a durable FIFO of pending sends. Enqueue assigns the sequence
// number; enqueuing a temp id that is already pending returns the existing
// entry.
type Outbox interface {
	Enqueue(p PendingSend) (PendingSend, error)
	Pending() ([]PendingSend, error)
	Remove(seq uint64) error
	Close() error
}

// MemoryOutbox keeps pending sends in process memory. Used by tests and by
// clients that do not need to survive a restart.
type MemoryOutbox struct {
	mu      sync.Mutex
	next    uint64
	pending []PendingSend
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{next: 1}
}

func (o *MemoryOutbox) Enqueue(p PendingSend) (PendingSend, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, q := range o.pending {
		if p.TempID != "" && q.TempID == p.TempID {
			return q, nil
		}
	}
	p.Seq = o.next
	o.next++
	o.pending = append(o.pending, p)
	return p, nil
}

func (o *MemoryOutbox) Pending() ([]PendingSend, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PendingSend, len(o.pending))
	copy(out, o.pending)
	return out, nil
}

func (o *MemoryOutbox) Remove(seq uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, q := range o.pending {
		if q.Seq == seq {
			o.pending = append(o.pending[:i], o.pending[i+1:]...)
			break
		}
	}
	return nil
}

func (o *MemoryOutbox) Close() error { return nil }

const outboxPrefix = "outbox/"

// PebbleOutbox persists pending sends in a Pebble database. Keys are the
// zero-padded sequence number, so iteration order is queue order.
type PebbleOutbox struct {
	mu   sync.Mutex
	db   *pebble.DB
	next uint64
}

// OpenPebbleOutbox opens (or creates) the outbox stored in dir.
func OpenPebbleOutbox(dir string) (*PebbleOutbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("outbox: open %s: %w", dir, err)
	}
	o := &PebbleOutbox{db: db, next: 1}

	pending, err := o.Pending()
	if err != nil {
		db.Close()
		return nil, err
	}
	if n := len(pending); n > 0 {
		o.next = pending[n-1].Seq + 1
	}
	return o, nil
}

func outboxKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", outboxPrefix, seq))
}

func (o *PebbleOutbox) Enqueue(p PendingSend) (PendingSend, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if p.TempID != "" {
		pending, err := o.Pending()
		if err != nil {
			return PendingSend{}, err
		}
		for _, q := range pending {
			if q.TempID == p.TempID {
				return q, nil
			}
		}
	}

	p.Seq = o.next
	data, err := json.Marshal(p)
	if err != nil {
		return PendingSend{}, fmt.Errorf("outbox: marshal: %w", err)
	}
	if err := o.db.Set(outboxKey(p.Seq), data, pebble.Sync); err != nil {
		return PendingSend{}, fmt.Errorf("outbox: enqueue: %w", err)
	}
	o.next++
	return p, nil
}

// Pending returns every queued send in enqueue order.
func (o *PebbleOutbox) Pending() ([]PendingSend, error) {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(outboxPrefix),
		UpperBound: []byte(outboxPrefix + "~"),
	})
	if err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}

	var out []PendingSend
	for iter.First(); iter.Valid(); iter.Next() {
		var p PendingSend
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			iter.Close()
			return nil, fmt.Errorf("outbox: decode %s: %w", iter.Key(), err)
		}
		out = append(out, p)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return out, nil
}

func (o *PebbleOutbox) Remove(seq uint64) error {
	if err := o.db.Delete(outboxKey(seq), pebble.Sync); err != nil {
		return fmt.Errorf("outbox: remove %d: %w", seq, err)
	}
	return nil
}

func (o *PebbleOutbox) Close() error {
	if o.db == nil {
		return errors.New("outbox: already closed")
	}
	err := o.db.Close()
	o.db = nil
	return err
}
