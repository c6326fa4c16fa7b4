package archive

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"coedit/cmd/internal/collab"
)

const recorderWriteTimeout = 5 * time.Second

// Recorder persists every applied change into a Store.
//
// It observes the bus through a synchronous listener and queues applied
// changes without bound, so bus backpressure never costs it a change.
// Run drains the queue off the session lock.
type Recorder struct {
	log   *slog.Logger
	store Store

	mu      sync.Mutex
	pending []StoredChange
	closed  bool
	wake    chan struct{}

	refused atomic.Uint64
}

// NewRecorder registers the recorder as a listener on bus.
func NewRecorder(log *slog.Logger, bus *collab.Bus, store Store) *Recorder {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Recorder{
		log:   log,
		store: store,
		wake:  make(chan struct{}, 1),
	}
	bus.AddListener(r.observe)
	return r
}

// observe runs under the publishing session's lock; it only queues.
func (r *Recorder) observe(ev collab.Event) {
	if ev.Type != collab.EventChangeApplied {
		return
	}
	p, ok := ev.Payload.(collab.ChangePayload)
	if !ok {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.refused.Add(1)
		return
	}
	r.pending = append(r.pending, FromChange(p.Change))
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run archives queued changes until ctx is done, or until Close was called
// and the queue is empty.
func (r *Recorder) Run(ctx context.Context) {
	for {
		r.mu.Lock()
		batch, closed := r.pending, r.closed
		r.pending = nil
		r.mu.Unlock()

		for _, sc := range batch {
			r.append(ctx, sc)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}
	}
}

// Close stops accepting changes; Run returns once everything queued is stored.
func (r *Recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Pending reports changes queued but not yet handed to the Store.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Dropped reports changes applied after Close, which are not archived.
func (r *Recorder) Dropped() uint64 { return r.refused.Load() }

func (r *Recorder) append(parent context.Context, sc StoredChange) {
	ctx, cancel := context.WithTimeout(parent, recorderWriteTimeout)
	defer cancel()

	res, err := r.store.AppendChange(ctx, sc)
	if err != nil {
		r.log.Error("archive.append.fail", "session_id", sc.SessionID, "change_id", sc.ChangeID, "version", sc.Version, "err", err)
		return
	}
	if res.Duplicated {
		r.log.Debug("archive.append.duplicate", "session_id", sc.SessionID, "change_id", sc.ChangeID)
	}
}

// FromChange converts an applied change into its archived form.
func FromChange(c collab.Change) StoredChange {
	return StoredChange{
		SessionID:     c.SessionID,
		ChangeID:      c.ID,
		Version:       c.Version,
		ParticipantID: c.ParticipantID,
		Kind:          string(c.Kind),
		Position:      c.Position,
		Content:       c.Content,
		Hash:          c.Hash,
		AppliedAt:     c.Timestamp,
	}
}
