package client

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ntripmesh/gocaster/pkg/ntrip/livesource"
	"github.com/ntripmesh/gocaster/pkg/ntrip/mime"
	"github.com/ntripmesh/gocaster/pkg/ntrip/scheduler"
)

// TaskConfig holds the construction-time parameters of a Task, the Go
// shape of ntrip_task_new's argument list.
type TaskConfig struct {
	Host            string
	Port            int
	URI             string
	Mountpoint      string
	TLS             bool
	Method          string
	Type            string
	RefreshDelay    time.Duration
	BulkMaxSize     int
	BulkContentType string
	QueueMaxSize    int
	DrainFilename   string
	Headers         []Header
	Credentials     *Credentials

	// Livesource, Persistent and Redistribute are forwarded to each
	// Conn this task starts; see Conn's fields of the same name.
	Livesource   *livesource.Registry
	Persistent   bool
	Redistribute bool

	// ReadTimeout and WriteTimeout bound a single socket read or write;
	// either side going idle past ReadTimeout ends the connection with
	// KindTimeout. ConnectionKeepalive enables TCP keepalive probes on
	// the dialed socket. All three are forwarded to each Conn this task
	// starts.
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	ConnectionKeepalive bool
}

// Task is a periodically-rescheduled activity with a bounded outbound
// queue, handed off to one connection at a time. It is the Go analogue
// of struct ntrip_task: Start opens a connection and drains the queue
// into it, Stop tears the connection down, and Reschedule arranges for
// the restart callback to run after RefreshDelay.
type Task struct {
	cfg    TaskConfig
	sched  scheduler.Scheduler
	logger logrus.FieldLogger

	queue *mime.Queue

	mu     sync.Mutex
	timer  scheduler.Timer
	conn   *Conn
	cancel context.CancelFunc

	restartCB func()
}

// New builds a Task and its queue. It neither starts the task nor arms a
// timer; cfg.RefreshDelay is the delay a later Reschedule uses.
func New(cfg TaskConfig, sched scheduler.Scheduler, logger logrus.FieldLogger, restartCB func()) *Task {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	t := &Task{cfg: cfg, sched: sched, logger: logger, restartCB: restartCB}
	t.queue = mime.New(mime.Config{
		QueueMaxSize:    cfg.QueueMaxSize,
		BulkMaxSize:     cfg.BulkMaxSize,
		BulkContentType: cfg.BulkContentType,
		DrainFilename:   cfg.DrainFilename,
	}, t, logger.WithField("task", cfg.Type))
	return t
}

func (t *Task) fields() logrus.Fields {
	return logrus.Fields{"type": t.cfg.Type, "host": t.cfg.Host, "port": t.cfg.Port}
}

// Queue enqueues one outbound item, draining the backlog on overflow and
// waking an idle bound connection if one exists.
func (t *Task) Queue(payload []byte, mimeType string) {
	t.queue.Enqueue(mime.NewItem(payload, -1, mimeType))
}

// NotifyQueued implements mime.IdleNotifier: it asks the currently bound
// connection, if idle, to pull the next batch.
func (t *Task) NotifyQueued() {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c != nil {
		c.pullAndSend(t.queue)
	}
}

// Start dials a fresh connection and, once connected, begins draining the
// queue into it. Any registered periodic reschedule timer is left alone;
// callers wanting periodic behavior should call Reschedule after Stop.
func (t *Task) Start(ctx context.Context, onEnd func(ok bool)) {
	runCtx, cancel := context.WithCancel(ctx)

	c := NewConn(t.logger.WithFields(t.fields()))
	c.Host, c.Port, c.URI, c.TLS = t.cfg.Host, t.cfg.Port, t.cfg.URI, t.cfg.TLS
	c.Mountpoint = t.cfg.Mountpoint
	c.Method = t.cfg.Method
	c.Credentials = t.cfg.Credentials
	c.ExtraHeaders = t.cfg.Headers
	c.Livesource = t.cfg.Livesource
	c.Persistent = t.cfg.Persistent
	c.Redistribute = t.cfg.Redistribute
	c.ReadTimeout = t.cfg.ReadTimeout
	c.WriteTimeout = t.cfg.WriteTimeout
	c.ConnectionKeepalive = t.cfg.ConnectionKeepalive
	c.OnIdle = func(conn *Conn) { conn.pullAndSend(t.queue) }
	c.OnEnd = func(ok bool) {
		t.mu.Lock()
		if t.conn == c {
			t.conn = nil
		}
		t.mu.Unlock()
		cancel()
		if onEnd != nil {
			onEnd(ok)
		}
	}

	t.mu.Lock()
	t.conn = c
	t.cancel = cancel
	t.mu.Unlock()

	go func() {
		_ = c.Run(func() (net.Conn, error) {
			return t.sched.Dial(runCtx, t.cfg.Host, t.cfg.Port, t.cfg.TLS)
		})
	}()
}

// Stop clears any rescheduling timer and kills the bound connection, if
// any.
func (t *Task) Stop() {
	t.logger.WithFields(t.fields()).Info("stopping task")
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	cancel := t.cancel
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}
}

// Reschedule arranges for restartCB to run after RefreshDelay, replacing
// any previously scheduled timer. A zero RefreshDelay disables periodic
// restart entirely, matching the original's refresh_delay == 0 check.
func (t *Task) Reschedule() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.cfg.RefreshDelay == 0 {
		return
	}
	delay := t.cfg.RefreshDelay
	t.logger.WithFields(t.fields()).WithField("delay", delay).Info("scheduling task restart")
	t.timer = t.sched.TimerOnce(delay, func() {
		t.mu.Lock()
		t.timer = nil
		t.mu.Unlock()
		if t.restartCB != nil {
			t.restartCB()
		}
	})
}

// Reload stops the task and updates its config in place, the Go shape of
// ntrip_task_reload; restart is left to the caller. It copies Host, Port,
// TLS, URI, Method, Credentials, Headers, RefreshDelay, BulkMaxSize,
// QueueMaxSize, DrainFilename and the timeout/keepalive fields; Mountpoint,
// Type, BulkContentType and the livesource fields keep their old values.
// The queue built by New is not rebuilt: it keeps the bulk size, queue
// size and drain file it was created with, and the reloaded values only
// change t.cfg.
func (t *Task) Reload(cfg TaskConfig) {
	t.Stop()
	t.mu.Lock()
	t.cfg.Host = cfg.Host
	t.cfg.Port = cfg.Port
	t.cfg.TLS = cfg.TLS
	t.cfg.URI = cfg.URI
	t.cfg.Method = cfg.Method
	t.cfg.Credentials = cfg.Credentials
	t.cfg.Headers = cfg.Headers
	t.cfg.RefreshDelay = cfg.RefreshDelay
	t.cfg.BulkMaxSize = cfg.BulkMaxSize
	t.cfg.QueueMaxSize = cfg.QueueMaxSize
	t.cfg.DrainFilename = cfg.DrainFilename
	t.cfg.ReadTimeout = cfg.ReadTimeout
	t.cfg.WriteTimeout = cfg.WriteTimeout
	t.cfg.ConnectionKeepalive = cfg.ConnectionKeepalive
	t.mu.Unlock()
}

// Close drains any remaining queued data (to the drain file, if
// configured) and releases resources.
func (t *Task) Close() {
	t.Stop()
	t.queue.Drain()
}
