package client

import (
	"context"
	"net"
	"time"

	"github.com/ntripmesh/gocaster/pkg/ntrip/scheduler"
)

// pipeScheduler hands out a fixed net.Conn on Dial and uses real
// time.AfterFunc timers, enough to drive Task/SourcetableFetcher tests
// without touching the network.
type pipeScheduler struct {
	conns chan net.Conn
}

func newPipeScheduler(conns ...net.Conn) *pipeScheduler {
	ch := make(chan net.Conn, len(conns))
	for _, c := range conns {
		ch <- c
	}
	return &pipeScheduler{conns: ch}
}

func (p *pipeScheduler) Dial(ctx context.Context, host string, port int, useTLS bool) (net.Conn, error) {
	select {
	case c := <-p.conns:
		return c, nil
	default:
		return net.Dial("tcp", "127.0.0.1:0")
	}
}

func (p *pipeScheduler) TimerOnce(d time.Duration, fn func()) scheduler.Timer {
	t := time.AfterFunc(d, fn)
	return stopper{t}
}

type stopper struct{ t *time.Timer }

func (s stopper) Stop() bool { return s.t.Stop() }

// recordingScheduler wraps pipeScheduler and records every Dial target,
// so tests can assert which host:port a Task actually connected to
// after a Reload.
type recordingScheduler struct {
	*pipeScheduler
	dials chan dialTarget
}

type dialTarget struct {
	host string
	port int
}

func newRecordingScheduler(conns ...net.Conn) *recordingScheduler {
	return &recordingScheduler{
		pipeScheduler: newPipeScheduler(conns...),
		dials:         make(chan dialTarget, 8),
	}
}

func (r *recordingScheduler) Dial(ctx context.Context, host string, port int, useTLS bool) (net.Conn, error) {
	r.dials <- dialTarget{host: host, port: port}
	return r.pipeScheduler.Dial(ctx, host, port, useTLS)
}
