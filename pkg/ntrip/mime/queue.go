package mime

import (
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// IdleNotifier is notified after every item that lands in the queue, so
// the bound connection can be asked to pull a request.
// Task implements this to bridge into the client state machine without
// the queue needing to know about connections.
type IdleNotifier interface {
	NotifyQueued()
}

// Queue is a bounded FIFO of *Item with a pending-prefix discipline: the
// first Pending items are considered handed off to the transport and are
// never touched by Drain or reordered until AckPending runs.
type Queue struct {
	mu sync.RWMutex

	items   []*Item
	pending int

	queueSize       int
	queueMaxSize    int
	bulkMaxSize     int
	bulkContentType string
	drainFilename   string

	notifier IdleNotifier
	logger   logrus.FieldLogger
}

// Config carries the construction-time knobs for a Queue.
type Config struct {
	QueueMaxSize    int
	BulkMaxSize     int
	BulkContentType string
	DrainFilename   string
}

// New builds an empty Queue. notifier may be nil if nothing needs to be
// told about newly queued items (e.g. the one-shot sourcetable fetcher,
// which never uses the queue).
func New(cfg Config, notifier IdleNotifier, logger logrus.FieldLogger) *Queue {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Queue{
		queueMaxSize:    cfg.QueueMaxSize,
		bulkMaxSize:     cfg.BulkMaxSize,
		bulkContentType: cfg.BulkContentType,
		drainFilename:   cfg.DrainFilename,
		notifier:        notifier,
		logger:          logger,
	}
}

// Len returns the number of items currently queued (including pending).
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// QueueSize returns the sum of Len of all queued items.
func (q *Queue) QueueSize() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.queueSize
}

// Pending returns the number of items currently handed to the transport.
func (q *Queue) Pending() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.pending
}

// Enqueue appends item to the tail, dropping it if it exceeds
// bulkMaxSize-1, and draining the queue first if this enqueue would push
// queueSize past queueMaxSize. After the item lands, if a notifier is
// registered it is told so it can ask a bound idle connection to pull.
func (q *Queue) Enqueue(item *Item) {
	if q.bulkMaxSize > 0 && item.Len > q.bulkMaxSize-1 {
		err := NewError("enqueue", KindOverflow, nil)
		q.logger.WithError(err).WithFields(logrus.Fields{
			"item_bytes": item.Len,
			"max_bytes":  q.bulkMaxSize - 1,
		}).Error("mime item bigger than max, dropping")
		return
	}

	q.mu.Lock()
	willOverflow := q.queueSize+item.Len > q.queueMaxSize && q.queueMaxSize > 0
	q.mu.Unlock()

	if willOverflow {
		dropped, retained := q.drain()
		err := NewError("enqueue", KindQueueOverflow, nil)
		q.logger.WithError(err).WithFields(logrus.Fields{
			"dropped_bytes":  dropped,
			"retained_bytes": retained,
		}).Warn("backlog queue drained on overflow")
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	q.queueSize += item.Len
	q.mu.Unlock()

	if q.notifier != nil {
		q.notifier.NotifyQueued()
	}
}

// drain atomically swaps the queue into a scratch slice, keeps the first
// Pending items in place (HEAD-preserving), and either appends the
// remainder to the drain file (one `\n`-terminated payload per line) or
// discards it. It returns (dropped, retained): dropped is the queue size
// computed before pending items are moved back (the value the original
// implementation's shadowed log variable should have reported), retained
// is the bytes of the pending items kept in the live queue.
func (q *Queue) drain() (dropped, retained int) {
	q.mu.Lock()
	scratch := q.items
	q.items = nil

	dropped = q.queueSize
	kept := make([]*Item, 0, q.pending)
	pending := q.pending
	for pending > 0 && len(scratch) > 0 {
		kept = append(kept, scratch[0])
		retained += scratch[0].Len
		scratch = scratch[1:]
		pending--
	}
	q.items = kept
	q.queueSize = retained
	tail := scratch
	q.mu.Unlock()

	if len(tail) == 0 {
		return dropped, retained
	}

	var f *os.File
	if q.drainFilename != "" {
		name := ExpandDrainFilename(q.drainFilename, time.Now())
		var err error
		f, err = os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			q.logger.WithError(err).WithField("file", name).Error("could not open drain file")
		}
	}
	if f != nil {
		defer f.Close()
		for _, m := range tail {
			f.Write(m.Payload)
			f.Write([]byte("\n"))
		}
	}
	return dropped, retained
}

// Drain exposes the drain operation for callers that want to force a
// flush (e.g. Task.free). It returns the bytes dropped, matching the
// original's documented return value.
func (q *Queue) Drain() int {
	dropped, _ := q.drain()
	return dropped
}

// PullBatch is called by the state machine while the bound connection is
// idle. In bulk mode it walks from the head, counting len+1 (for the
// inter-item newline) per item until the next item would exceed
// bulkMaxSize, then returns the request body bytes (each item followed by
// '\n', referencing the same backing arrays -- no copy) and the content-type to
// use; it increments Pending by the count of items it took. In non-bulk
// mode it takes exactly the head item. If there is nothing to send it
// returns (nil, "", 0).
func (q *Queue) PullBatch() (body [][]byte, contentType string, count int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, "", 0
	}

	if q.bulkMaxSize > 0 {
		size := 0
		n := 0
		for _, m := range q.items {
			if size+m.Len+1 > q.bulkMaxSize {
				break
			}
			size += m.Len + 1
			n++
		}
		if n == 0 {
			return nil, "", 0
		}
		out := make([][]byte, 0, n*2)
		for i := 0; i < n; i++ {
			out = append(out, q.items[i].Payload, []byte("\n"))
		}
		q.pending += n
		return out, q.bulkContentType, n
	}

	m := q.items[0]
	q.pending = 1
	return [][]byte{m.Payload}, m.MimeType, 1
}

// AckPending pops and frees exactly Pending items from the head,
// decrementing QueueSize, then resets Pending to zero. It returns the
// number of bytes acknowledged, which callers use to track bytes sent.
func (q *Queue) AckPending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	acked := 0
	for q.pending > 0 && len(q.items) > 0 {
		m := q.items[0]
		q.items = q.items[1:]
		q.queueSize -= m.Len
		acked += m.Len
		q.pending--
	}
	if q.pending != 0 {
		panic("mime: AckPending left pending != 0")
	}
	return acked
}
