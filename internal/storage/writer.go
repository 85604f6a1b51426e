package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	writeTimeout  = 5 * time.Second
	writeAttempts = 4
)

// AuditWriter decouples session bookkeeping from the request path:
// records are buffered and written asynchronously, with retry. A full
// buffer drops entries rather than blocking a session.
type AuditWriter struct {
	db      *DB
	ch      chan *SessionRecord
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64
}

func NewAuditWriter(db *DB, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:   db,
		ch:   make(chan *SessionRecord, bufferSize),
		done: make(chan struct{}),
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case rec := <-w.ch:
				w.persist(rec)
			case <-w.done:
				w.drain()
				return
			}
		}
	}()
}

// Log enqueues a record without blocking the caller.
func (w *AuditWriter) Log(rec *SessionRecord) {
	select {
	case w.ch <- rec:
	default:
		n := w.dropped.Add(1)
		log.Warn().Str("session_id", rec.ID).Int64("dropped_total", n).
			Msg("audit buffer full, dropping session record")
	}
}

// Flush stops the writer and waits for buffered records, up to timeout.
func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.done)

	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) drain() {
	for {
		select {
		case rec := <-w.ch:
			w.persist(rec)
		default:
			return
		}
	}
}

func (w *AuditWriter) persist(rec *SessionRecord) {
	var err error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 {
			backoff := (100 * time.Millisecond) << (attempt - 1)
			log.Warn().Err(err).Str("session_id", rec.ID).
				Dur("backoff", backoff).Msg("audit write failed, retrying")
			time.Sleep(backoff)
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err = w.db.InsertSession(ctx, rec)
		cancel()
		if err == nil {
			return
		}
	}

	log.Error().Err(err).Str("session_id", rec.ID).
		Msg("audit write failed permanently after retries")
}
