// Package liveness watches a websocket peer with ping/pong and terminates the
// connection when pongs stop arriving.
package liveness

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const DefaultInterval = 30 * time.Second

// Target is the subset of *websocket.Conn the supervisor needs. Both methods
// are safe to call concurrently with the connection's reader and writer.
type Target interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Supervisor sends a ping every interval and expects a pong before the next
// tick. A missed pong or failed ping write fires onTimeout once and stops.
type Supervisor struct {
	target    Target
	interval  time.Duration
	onTimeout func()

	pong     atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  atomic.Bool
}

func New(target Target, interval time.Duration, onTimeout func()) *Supervisor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Supervisor{
		target:    target,
		interval:  interval,
		onTimeout: onTimeout,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start installs the pong handler and launches the ticker goroutine. The pong
// handler runs on the connection's read goroutine, so the connection must be
// read continuously for pongs to register.
func (s *Supervisor) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.target.SetPongHandler(func(string) error {
		s.pong.Store(true)
		return nil
	})
	go s.run()
}

// Stop cancels the timer. Safe to call more than once and before Start.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
	}
}

func (s *Supervisor) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	awaiting := false
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if awaiting && !s.pong.Load() {
				s.fire()
				return
			}
			s.pong.Store(false)
			awaiting = true
			if err := s.target.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.interval)); err != nil {
				s.fire()
				return
			}
		}
	}
}

func (s *Supervisor) fire() {
	select {
	case <-s.stop:
		return
	default:
	}
	if s.onTimeout != nil {
		s.onTimeout()
	}
}
