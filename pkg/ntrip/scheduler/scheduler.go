// Package scheduler provides the timer and transport facade the client
// state machine runs against. It exists so the client package never
// dials sockets or sets up TLS itself: tests substitute a fake Scheduler instead of
// opening real sockets, the same role bufferevent plays in the original
// event-loop design.
package scheduler

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"
)

// Timer is a cancelable one-shot alarm, returned by TimerOnce.
type Timer interface {
	// Stop cancels the timer. It reports whether the cancellation stopped
	// the timer before it fired.
	Stop() bool
}

// Scheduler is the abstract timer-plus-transport dependency a Task and a
// Client state machine run against. NetScheduler is the production
// implementation; tests use a fake that never touches the network.
type Scheduler interface {
	// TimerOnce arranges for fn to run once, after d. Required lock
	// discipline is the caller's: fn runs on its own goroutine.
	TimerOnce(d time.Duration, fn func()) Timer

	// Dial opens a connection to host:port, establishing TLS when
	// useTLS is set, honoring ctx for the connect deadline.
	Dial(ctx context.Context, host string, port int, useTLS bool) (net.Conn, error)
}

// NetScheduler is the production Scheduler, backed by net.Dialer and
// crypto/tls the way the original ran bufferevent over real sockets.
type NetScheduler struct {
	Dialer        net.Dialer
	TLSClientConf *tls.Config
}

// New builds a NetScheduler with connDeadline as the dial timeout.
func New(connDeadline time.Duration) *NetScheduler {
	return &NetScheduler{Dialer: net.Dialer{Timeout: connDeadline}}
}

func (s *NetScheduler) TimerOnce(d time.Duration, fn func()) Timer {
	return &timeTimer{t: time.AfterFunc(d, fn)}
}

func (s *NetScheduler) Dial(ctx context.Context, host string, port int, useTLS bool) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if !useTLS {
		return s.Dialer.DialContext(ctx, "tcp", addr)
	}

	conf := s.TLSClientConf
	if conf == nil {
		conf = &tls.Config{ServerName: host}
	} else if conf.ServerName == "" {
		cloned := conf.Clone()
		cloned.ServerName = host
		conf = cloned
	}

	dialer := tls.Dialer{NetDialer: &s.Dialer, Config: conf}
	return dialer.DialContext(ctx, "tcp", addr)
}

type timeTimer struct{ t *time.Timer }

func (w *timeTimer) Stop() bool { return w.t.Stop() }
