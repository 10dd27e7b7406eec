package client

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ntripmesh/gocaster/pkg/ntrip/scheduler"
)

// SourcetableResult is what one fetch run produced: either a parsed set
// of raw sourcetable lines, or an error if the fetch failed outright.
type SourcetableResult struct {
	Lines    []string
	Duration time.Duration
	Err      error
}

// SourcetableInstaller is the seam a SourcetableFetcher installs its
// parsed results through. The sourcetable parser and the priority-ordered
// stack are external collaborators per this package's scope (only the
// byte-stream-in, entry-count-out contract is this core's concern); a
// *caster.SourcetableStack satisfies this interface without either
// package importing the other.
type SourcetableInstaller interface {
	// InstallSourcetable parses body and installs it for (host, port) at
	// priority, returning the mountpoint entry count to log.
	InstallSourcetable(host string, port, priority int, body []byte) (entries int, err error)
	// ClearSourcetable removes any existing entry for (host, port).
	ClearSourcetable(host string, port int)
}

// SourcetableFetcherConfig configures a one-shot-or-periodic sourcetable
// fetch against host:port, the Go shape of sourcetable_fetch_args.
type SourcetableFetcherConfig struct {
	Host         string
	Port         int
	TLS          bool
	RefreshDelay time.Duration
	Priority     int
	Installer    SourcetableInstaller

	// FetchTimeout bounds how long a single fetch may sit idle waiting
	// on status line, headers or body before it is abandoned with
	// KindTimeout, forwarded to the underlying Conn as ReadTimeout.
	FetchTimeout time.Duration
}

// SourcetableFetcher runs a GET / against a caster, collects the
// CRLF-terminated body lines via the client state machine's
// StateWaitCallbackLine path, and reports the result through OnResult.
// With RefreshDelay set it reschedules itself after each run. On a
// successful fetch it installs the result at cfg.Priority; on failure it
// clears the existing stack entry, unless a Reload asked it to keep the
// old table through this one transition (keepSourcetable, the Go shape
// of fetcher_sourcetable_reload's stop-with-keep argument).
type SourcetableFetcher struct {
	cfg    SourcetableFetcherConfig
	sched  scheduler.Scheduler
	logger logrus.FieldLogger

	// OnResult is called once per fetch attempt with the accumulated
	// lines (or the error), in addition to the Installer hand-off, so
	// callers can observe raw results for logging or tests.
	OnResult func(SourcetableResult)

	mu              sync.Mutex
	timer           scheduler.Timer
	cancel          context.CancelFunc
	conn            *Conn
	keepSourcetable bool
}

// NewSourcetableFetcher builds a fetcher, without starting it.
func NewSourcetableFetcher(cfg SourcetableFetcherConfig, sched scheduler.Scheduler, logger logrus.FieldLogger) *SourcetableFetcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SourcetableFetcher{cfg: cfg, sched: sched, logger: logger}
}

func (f *SourcetableFetcher) fields() logrus.Fields {
	return logrus.Fields{"host": f.cfg.Host, "port": f.cfg.Port, "type": "sourcetable_fetcher"}
}

// Start dials the caster and runs one fetch, reporting through OnResult
// and rescheduling per RefreshDelay when set.
func (f *SourcetableFetcher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()

	started := time.Now()
	var lines []string

	c := NewConn(f.logger.WithFields(f.fields()))
	c.Host, c.Port, c.TLS = f.cfg.Host, f.cfg.Port, f.cfg.TLS
	c.URI = "/"
	c.Method = "GET"
	c.ReadTimeout = f.cfg.FetchTimeout
	c.OnLine = func(line string) bool {
		lines = append(lines, line)
		return line == "ENDSOURCETABLE"
	}
	c.OnEnd = func(ok bool) {
		cancel()
		f.mu.Lock()
		if f.conn == c {
			f.conn = nil
		}
		f.mu.Unlock()
		dur := time.Since(started)
		result := SourcetableResult{Lines: lines, Duration: dur}

		f.mu.Lock()
		keep := f.keepSourcetable
		f.keepSourcetable = false
		f.mu.Unlock()

		entries := 0
		if ok && f.cfg.Installer != nil {
			body := []byte(strings.Join(lines, "\n"))
			var err error
			entries, err = f.cfg.Installer.InstallSourcetable(f.cfg.Host, f.cfg.Port, f.cfg.Priority, body)
			if err != nil {
				ok = false
				result.Err = err
			}
		}

		if !ok {
			if result.Err == nil {
				result.Err = newErr("fetch_sourcetable", KindTransport, nil)
			}
			if f.cfg.Installer != nil && !keep {
				f.cfg.Installer.ClearSourcetable(f.cfg.Host, f.cfg.Port)
			}
			f.logger.WithFields(f.fields()).WithField("duration", dur).Warn("sourcetable load failed")
		} else {
			f.logger.WithFields(f.fields()).WithField("duration", dur).WithField("entries", entries).Info("sourcetable loaded")
		}
		if f.OnResult != nil {
			f.OnResult(result)
		}
		// A connection closed by Stop (or by Reload, which starts its own
		// attempt) must not re-arm the refresh timer.
		c.closeMu.Lock()
		stopped := c.closed
		c.closeMu.Unlock()
		if !stopped {
			f.reschedule(ctx)
		}
	}

	f.mu.Lock()
	f.conn = c
	f.mu.Unlock()

	go func() {
		_ = c.Run(func() (net.Conn, error) {
			return f.sched.Dial(runCtx, f.cfg.Host, f.cfg.Port, f.cfg.TLS)
		})
	}()
}

func (f *SourcetableFetcher) reschedule(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cfg.RefreshDelay == 0 {
		return
	}
	f.logger.WithFields(f.fields()).WithField("delay", f.cfg.RefreshDelay).Info("scheduling sourcetable refresh")
	f.timer = f.sched.TimerOnce(f.cfg.RefreshDelay, func() {
		f.mu.Lock()
		f.timer = nil
		f.mu.Unlock()
		f.Start(ctx)
	})
}

// Stop cancels any in-flight fetch and pending refresh timer, closing the
// bound connection if one is live. The in-flight attempt's own OnEnd, if
// it still fires, clears the stack entry for this host (keepSourcetable
// is false for a plain Stop, the Go shape of
// fetcher_sourcetable_stop(this, 0)).
func (f *SourcetableFetcher) Stop() {
	f.logger.WithFields(f.fields()).Info("stopping sourcetable fetch")
	f.mu.Lock()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	cancel := f.cancel
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}
}

// Reload stops the current run, applies the new refresh delay and
// priority, and starts a new fetch. The existing stack entry is retained
// through the stop/start transition (keepSourcetable is true for exactly
// the in-flight attempt's OnEnd), matching fetcher_sourcetable_reload's
// stop-with-keep semantics.
func (f *SourcetableFetcher) Reload(ctx context.Context, refreshDelay time.Duration, priority int) {
	f.mu.Lock()
	f.keepSourcetable = f.conn != nil
	f.mu.Unlock()
	f.Stop()
	f.mu.Lock()
	f.cfg.RefreshDelay = refreshDelay
	f.cfg.Priority = priority
	f.mu.Unlock()
	f.Start(ctx)
}
