package websocket

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"textsync-server/domain"
)

var (
	ErrPeerClosed       = errors.New("peer closed the connection")
	ErrClosedLocally    = errors.New("connection closed by server")
	ErrLivenessTimeout  = errors.New("liveness timeout")
	ErrUnknownFrame     = errors.New("unrecognized frame kind")
	ErrProtocol         = errors.New("protocol violation")
	ErrSendQueueFull    = errors.New("send queue full")
	ErrConnTerminated   = errors.New("connection terminated")
	ErrSupervisorFailed = errors.New("liveness supervisor could not start")
)

const (
	DefaultProbeInterval    = 5 * time.Second
	DefaultTimeoutThreshold = 10 * time.Second
	DefaultSendQueueSize    = 256
)

type Config struct {
	ProbeInterval    time.Duration
	TimeoutThreshold time.Duration
	SendQueueSize    int
	// LogFrames logs every dispatched frame at debug level.
	LogFrames bool
}

func DefaultConfig() Config {
	return Config{
		ProbeInterval:    DefaultProbeInterval,
		TimeoutThreshold: DefaultTimeoutThreshold,
		SendQueueSize:    DefaultSendQueueSize,
	}
}

// Transport is the framed duplex stream a Conn runs over.
type Transport interface {
	// Frames delivers inbound frames in arrival order. It is closed once
	// reading stops; Err then reports why.
	Frames() <-chan domain.Frame
	Err() error
	WriteFrame(f domain.Frame) error
	Close() error
	RemoteAddr() string
}

// Conn is the actor for one client connection. A single goroutine owns the
// liveness state, every write to the transport and all frame dispatch.
type Conn struct {
	id        string
	transport Transport
	handler   domain.MessageHandler
	registry  domain.Registry
	cfg       Config
	log       *slog.Logger

	send      chan domain.Frame
	quit      chan struct{}
	quitOnce  sync.Once
	done      chan struct{}
	startOnce sync.Once

	status   atomic.Int32
	lastSeen atomic.Int64
	err      error
}

func NewConn(id string, t Transport, h domain.MessageHandler, r domain.Registry, cfg Config) *Conn {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultSendQueueSize
	}
	c := &Conn{
		id:        id,
		transport: t,
		handler:   h,
		registry:  r,
		cfg:       cfg,
		log:       slog.With("clientId", id, "remote", t.RemoteAddr()),
		send:      make(chan domain.Frame, cfg.SendQueueSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.status.Store(int32(domain.StatusStarting))
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Status() domain.Status {
	return domain.Status(c.status.Load())
}

// LastSeen is the time the peer was last heard from.
func (c *Conn) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Done is closed once the connection is terminated.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the termination reason. It is only meaningful after Done is
// closed.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Send queues a frame for writing. Queued frames are written in order and
// before any frame the connection writes on its own afterwards.
func (c *Conn) Send(f domain.Frame) error {
	select {
	case <-c.done:
		return ErrConnTerminated
	default:
	}
	select {
	case c.send <- f:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close asks the connection to terminate. It does not wait.
func (c *Conn) Close() error {
	c.quitOnce.Do(func() { close(c.quit) })
	return nil
}

// Start launches the liveness supervisor and the run loop. If the supervisor
// cannot be created the connection is torn down at once.
func (c *Conn) Start() {
	c.startOnce.Do(c.start)
}

func (c *Conn) start() {
	sup, err := newSupervisor(c.cfg.ProbeInterval, c.cfg.TimeoutThreshold)
	if err != nil {
		c.log.Error("liveness supervisor failed", "error", err)
		c.terminate(nil, fmt.Errorf("%w: %v", ErrSupervisorFailed, err))
		return
	}

	now := time.Now()
	sup.start(now)
	c.lastSeen.Store(now.UnixNano())
	if c.registry != nil {
		c.registry.Register(c)
	}
	c.status.Store(int32(domain.StatusActive))
	c.log.Info("connection active",
		"probeInterval", c.cfg.ProbeInterval, "timeoutThreshold", c.cfg.TimeoutThreshold)

	go c.run(sup)
}

func (c *Conn) run(sup *supervisor) {
	reason := c.loop(sup)
	if c.registry != nil {
		c.registry.Unregister(c)
	}
	c.terminate(sup, reason)
}

func (c *Conn) loop(sup *supervisor) error {
	frames := c.transport.Frames()
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return fmt.Errorf("read: %w", c.transport.Err())
			}
			if err := c.dispatch(sup, f); err != nil {
				return err
			}
			if err := c.flush(); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case f := <-c.send:
			if err := c.transport.WriteFrame(f); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case now := <-sup.ticks():
			if err := c.probe(sup, now); err != nil {
				return err
			}
		case <-c.quit:
			c.write(domain.Frame{Kind: domain.FrameClose, CloseCode: closeGoingAway})
			return ErrClosedLocally
		}
	}
}

func (c *Conn) dispatch(sup *supervisor, f domain.Frame) error {
	if c.cfg.LogFrames {
		c.log.Debug("frame received", "kind", f.Kind, "size", len(f.Payload))
	}

	switch f.Kind {
	case domain.FramePing:
		c.touch(sup)
		return c.write(domain.Frame{Kind: domain.FramePong, Payload: f.Payload})
	case domain.FramePong:
		c.touch(sup)
		return nil
	case domain.FrameText, domain.FrameBinary:
		c.touch(sup)
		if err := c.handler.Handle(c, f); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return nil
	case domain.FrameClose:
		c.status.Store(int32(domain.StatusClosing))
		if err := c.write(domain.Frame{Kind: domain.FrameClose, CloseCode: f.CloseCode, Payload: f.Payload}); err != nil {
			return fmt.Errorf("close ack: %w", err)
		}
		return ErrPeerClosed
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFrame, f.Kind)
	}
}

// probe runs on every supervisor tick. A missed probe is not retried; the
// next tick is the retry.
func (c *Conn) probe(sup *supervisor, now time.Time) error {
	if elapsed, expired := sup.expired(now); expired {
		c.log.Warn("liveness timeout", "elapsed", elapsed, "threshold", c.cfg.TimeoutThreshold)
		return ErrLivenessTimeout
	}
	if err := c.write(domain.Frame{Kind: domain.FramePing}); err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	return nil
}

func (c *Conn) touch(sup *supervisor) {
	now := time.Now()
	sup.touch(now)
	c.lastSeen.Store(now.UnixNano())
}

// flush writes the frames queued by Send at the time of the call. It runs
// after each dispatch so a connection's own echoes never pile up behind
// inbound frames.
func (c *Conn) flush() error {
	for n := len(c.send); n > 0; n-- {
		if err := c.transport.WriteFrame(<-c.send); err != nil {
			return err
		}
	}
	return nil
}

// write flushes frames already queued by Send, then writes f.
func (c *Conn) write(f domain.Frame) error {
	if err := c.flush(); err != nil {
		return err
	}
	return c.transport.WriteFrame(f)
}

// terminate stops the ticker and closes the transport in one step, so no
// tick can be handled after the transport is gone.
func (c *Conn) terminate(sup *supervisor, reason error) {
	c.status.Store(int32(domain.StatusClosing))
	if sup != nil {
		sup.stop()
	}
	if err := c.transport.Close(); err != nil {
		c.log.Debug("transport close", "error", err)
	}
	c.err = reason
	c.status.Store(int32(domain.StatusTerminated))

	switch {
	case errors.Is(reason, ErrPeerClosed), errors.Is(reason, ErrClosedLocally):
		c.log.Info("connection closed", "reason", reason)
	default:
		c.log.Warn("connection terminated", "reason", reason)
	}
	close(c.done)
}
