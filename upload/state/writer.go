package state

import (
	"errors"
	"sync"
	"time"

	"github.com/bitrise-io/go-multipart-upload/upload/session"
	"github.com/bitrise-io/go-utils/v2/log"
)

// ErrWriterClosed is returned by Writer calls after Close.
var ErrWriterClosed = errors.New("state writer closed")

type requestKind int

const (
	recordPart requestKind = iota
	setStatus
	flush
	closeWriter
)

type request struct {
	kind   requestKind
	part   session.PartRecord
	status session.Status
	reply  chan error
}

// Writer is the single owner of a session's resume state. Part uploaders report to it from any
// goroutine; one goroutine applies the updates in order and writes the file according to the
// flush policy.
type Writer struct {
	store  *Store
	policy FlushPolicy
	logger log.Logger

	requests chan request
	done     chan struct{}
	once     sync.Once
}

// NewWriter starts a writer for the session. The caller must Close it.
func NewWriter(store *Store, sess *session.Session, policy FlushPolicy, logger log.Logger) *Writer {
	if policy == nil {
		policy = FlushEveryPart{}
	}

	w := &Writer{
		store:    store,
		policy:   policy,
		logger:   logger,
		requests: make(chan request),
		done:     make(chan struct{}),
	}
	go w.run(Snapshot(sess))

	return w
}

// RecordPart applies a part's new state. It returns after the policy's flush, if any, finished,
// so a nil return for an uploaded part under FlushEveryPart means the part is on disk.
func (w *Writer) RecordPart(part session.PartRecord) error {
	return w.do(request{kind: recordPart, part: part})
}

// SetStatus changes the session status in memory. The next flush persists it.
func (w *Writer) SetStatus(status session.Status) error {
	return w.do(request{kind: setStatus, status: status})
}

// Flush writes the current state regardless of the policy.
func (w *Writer) Flush() error {
	return w.do(request{kind: flush})
}

// Close stops the writer. Pending updates not yet flushed are dropped; call Flush first to keep
// them.
func (w *Writer) Close() {
	w.once.Do(func() {
		_ = w.do(request{kind: closeWriter})
	})
}

func (w *Writer) do(req request) error {
	req.reply = make(chan error, 1)

	select {
	case w.requests <- req:
	case <-w.done:
		return ErrWriterClosed
	}

	return <-req.reply
}

func (w *Writer) run(st ResumeState) {
	defer close(w.done)

	dirty := 0
	lastFlush := time.Now()

	save := func() error {
		if err := w.store.Save(st); err != nil {
			return err
		}
		dirty = 0
		lastFlush = time.Now()
		return nil
	}

	for req := range w.requests {
		switch req.kind {
		case recordPart:
			if st.apply(req.part) {
				dirty++
			}
			var err error
			if w.policy.ShouldFlush(dirty, time.Since(lastFlush)) {
				err = save()
			}
			req.reply <- err
		case setStatus:
			if st.Status != req.status {
				st.Status = req.status
				dirty++
			}
			req.reply <- nil
		case flush:
			req.reply <- save()
		case closeWriter:
			if dirty > 0 {
				w.logger.Debugf("Closing state writer with %d unflushed updates", dirty)
			}
			req.reply <- nil
			return
		}
	}
}
