package caster

import (
	"context"
	"io"
	"sync"

	"github.com/ntripmesh/gocaster/pkg/ntrip/livesource"
)

// InMemorySourceService is a simple in-memory implementation of
// SourceService. Each mount's run-state is tracked through the same
// livesource.Registry the fetch/push pipeline uses for its own
// connections, rather than a second, parallel piece of bookkeeping:
// Publisher registers the mount and marks it Running straight away,
// before any data is written, and it is Closed (and evicted) when the publisher
// disconnects, since a locally-pushed stream has no redistribute hook
// to keep it alive past that point.
type InMemorySourceService struct {
	Sourcetable Sourcetable
	Livesource  *livesource.Registry

	mutex  sync.RWMutex
	mounts map[string]*mountPoint
}

// mountPoint represents a mount point in the in-memory source service
type mountPoint struct {
	name        string
	subscribers []chan []byte
	mutex       sync.RWMutex
}

// NewInMemorySourceService creates a new in-memory source service
func NewInMemorySourceService() *InMemorySourceService {
	return &InMemorySourceService{
		mounts:     make(map[string]*mountPoint),
		Livesource: livesource.NewRegistry(),
	}
}

// GetSourcetable returns the sourcetable
func (s *InMemorySourceService) GetSourcetable() Sourcetable {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.Sourcetable
}

// Publisher creates a new publisher for the given mountpoint
func (s *InMemorySourceService) Publisher(ctx context.Context, mount, username, password string) (io.WriteCloser, error) {
	s.mutex.Lock()
	mp, ok := s.mounts[mount]
	if !ok {
		mp = &mountPoint{
			name:        mount,
			subscribers: make([]chan []byte, 0),
		}
		s.mounts[mount] = mp
	}
	s.mutex.Unlock()

	handle := s.Livesource.Register(mount)
	handle.SetRunning()

	return &publisher{
		ctx:     ctx,
		mount:   mp,
		svc:     s,
		handle:  handle,
		closed:  false,
	}, nil
}

// Subscriber creates a new subscriber for the given mountpoint. It
// requires the mountpoint to currently be running, i.e. a publisher is
// actively connected, rather than merely having existed at some point.
func (s *InMemorySourceService) Subscriber(ctx context.Context, mount, username, password string) (chan []byte, error) {
	if h, ok := s.Livesource.Get(mount); !ok || h.State() != livesource.StateRunning {
		return nil, ErrorNotFound
	}

	s.mutex.RLock()
	mp, ok := s.mounts[mount]
	if !ok {
		s.mutex.RUnlock()
		return nil, ErrorNotFound
	}
	s.mutex.RUnlock()

	mp.mutex.Lock()
	ch := make(chan []byte, 10)
	mp.subscribers = append(mp.subscribers, ch)
	mp.mutex.Unlock()

	// Remove the subscriber when the context is done
	go func() {
		<-ctx.Done()
		mp.mutex.Lock()
		for i, sub := range mp.subscribers {
			if sub == ch {
				mp.subscribers = append(mp.subscribers[:i], mp.subscribers[i+1:]...)
				break
			}
		}
		mp.mutex.Unlock()
		close(ch)
	}()

	return ch, nil
}

// publisher implements io.WriteCloser for publishing data to subscribers
type publisher struct {
	ctx    context.Context
	mount  *mountPoint
	svc    *InMemorySourceService
	handle *livesource.Handle
	closed bool
	mutex  sync.Mutex
}

// Write writes data to all subscribers
func (p *publisher) Write(data []byte) (int, error) {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return 0, io.ErrClosedPipe
	}
	p.mutex.Unlock()

	// Check if the context is done
	select {
	case <-p.ctx.Done():
		return 0, p.ctx.Err()
	default:
	}

	// Copy the data to avoid race conditions
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	// Send the data to all subscribers
	p.mount.mutex.RLock()
	for _, sub := range p.mount.subscribers {
		select {
		case sub <- dataCopy:
		default:
			// Skip if the channel is full
		}
	}
	p.mount.mutex.RUnlock()

	return len(data), nil
}

// Close closes the publisher, releasing its livesource handle. A
// locally-pushed stream is never persistent: once the publisher goes
// away there is no upstream to redistribute to, so the mount is
// unregistered immediately rather than kept pending for a reconnect.
func (p *publisher) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.svc.Livesource.Release(p.handle, false, false)
	return nil
}
