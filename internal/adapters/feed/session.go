package feed

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/SaleFeed/internal/core"
	"github.com/dkeye/SaleFeed/internal/domain"
)

const (
	// DefaultHeartbeatInterval is how often the session pings its client.
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultClientTimeout is how long a client may stay silent before it is dropped.
	DefaultClientTimeout = 10 * time.Second
	// DefaultConnectTimeout bounds the wait for the registry to accept the session.
	DefaultConnectTimeout = 3 * time.Second
	DefaultSendBuffer     = 32
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Session pushes sale events of one game to one client and keeps the
// connection alive with a ping/pong heartbeat. Only the Run goroutine writes
// to the transport and touches id or lastActivity.
type Session struct {
	room  domain.GameID
	conn  Conn
	hub   core.Hub
	clock clockwork.Clock
	log   zerolog.Logger

	interval       time.Duration
	timeout        time.Duration
	connectTimeout time.Duration
	sendBuffer     int
	timeouts       prometheus.Counter

	id           core.SessionID
	lastActivity time.Time

	outbound chan domain.Sale
	inbound  chan Frame
	readErr  chan error

	evict     chan struct{}
	evictOnce sync.Once
	done      chan struct{}
	stopOnce  sync.Once
}

var _ core.Recipient = (*Session)(nil)

type Option func(*Session)

func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(s *Session) {
		s.interval = interval
		s.timeout = timeout
	}
}

func WithConnectTimeout(d time.Duration) Option { return func(s *Session) { s.connectTimeout = d } }

func WithSendBuffer(n int) Option { return func(s *Session) { s.sendBuffer = n } }

func WithClock(c clockwork.Clock) Option { return func(s *Session) { s.clock = c } }

// WithTimeoutCounter counts heartbeat timeouts.
func WithTimeoutCounter(c prometheus.Counter) Option { return func(s *Session) { s.timeouts = c } }

func NewSession(room domain.GameID, conn Conn, hub core.Hub, opts ...Option) *Session {
	s := &Session{
		room:           room,
		conn:           conn,
		hub:            hub,
		clock:          clockwork.NewRealClock(),
		interval:       DefaultHeartbeatInterval,
		timeout:        DefaultClientTimeout,
		connectTimeout: DefaultConnectTimeout,
		sendBuffer:     DefaultSendBuffer,
		inbound:        make(chan Frame),
		readErr:        make(chan error, 1),
		evict:          make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.outbound = make(chan domain.Sale, s.sendBuffer)
	s.log = log.With().
		Str("module", "feed.session").
		Int64("game", int64(room)).
		Str("conn", uuid.NewString()).
		Logger()
	return s
}

// ID is zero until the registry has accepted the session.
// It is only safe to call from the goroutine running Run.
func (s *Session) ID() core.SessionID { return s.id }

// Done is closed once the session has terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Deliver queues sale for the client without blocking.
func (s *Session) Deliver(sale domain.Sale) error {
	select {
	case <-s.done:
		return core.ErrRecipientClosed
	default:
	}
	select {
	case s.outbound <- sale:
		return nil
	default:
		return core.ErrBackpressure
	}
}

// Evict asks the session to terminate through its normal shutdown path.
func (s *Session) Evict() {
	s.evictOnce.Do(func() { close(s.evict) })
}

// Run registers the session, then serves the transport until the client
// goes away, the heartbeat times out, the session is evicted or ctx ends.
// A session the registry refused is closed without ever being disconnected.
func (s *Session) Run(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	sid, err := s.hub.Connect(connectCtx, s.room, s)
	cancel()
	if err != nil {
		s.log.Error().Err(err).Msg("registry refused session")
		s.stop("refused", nil)
		return errors.Wrap(err, "session connect")
	}
	s.id = sid
	s.log = s.log.With().Uint64("sid", uint64(sid)).Logger()
	s.lastActivity = s.clock.Now()
	s.log.Info().Msg("session active")

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	go s.readPump()

	for {
		select {
		case <-ctx.Done():
			s.stop("shutdown", nil)
			return nil
		case <-s.evict:
			s.stop("evicted", nil)
			return nil
		case err := <-s.readErr:
			s.log.Debug().Err(err).Msg("transport read ended")
			s.stop("read error", nil)
			return nil
		case <-ticker.Chan():
			if s.clock.Since(s.lastActivity) > s.timeout {
				s.log.Warn().Msg("client heartbeat failed, disconnecting")
				if s.timeouts != nil {
					s.timeouts.Inc()
				}
				s.stop("heartbeat timeout", nil)
				return nil
			}
			if err := s.conn.WriteFrame(Frame{Kind: PingFrame}); err != nil {
				s.log.Debug().Err(err).Msg("ping write failed")
				s.stop("write error", nil)
				return nil
			}
		case f := <-s.inbound:
			if !s.handleFrame(f) {
				return nil
			}
		case sale := <-s.outbound:
			if !s.writeSale(sale) {
				return nil
			}
		}
	}
}

// handleFrame reports whether the session is still active.
func (s *Session) handleFrame(f Frame) bool {
	switch f.Kind {
	case PingFrame:
		s.lastActivity = s.clock.Now()
		if err := s.conn.WriteFrame(Frame{Kind: PongFrame, Data: f.Data}); err != nil {
			s.stop("write error", nil)
			return false
		}
	case PongFrame:
		s.lastActivity = s.clock.Now()
	case TextFrame:
		s.log.Debug().Int("bytes", len(f.Data)).Msg("ignoring incoming text")
	case BinaryFrame:
		s.log.Warn().Int("bytes", len(f.Data)).Msg("unexpected binary")
	case CloseFrame:
		s.stop("client close", &Frame{Kind: CloseFrame, CloseCode: f.CloseCode, CloseText: f.CloseText})
		return false
	case ContinuationFrame:
		s.stop("continuation frame", nil)
		return false
	default:
		s.log.Warn().Str("kind", f.Kind.String()).Msg("unknown frame")
	}
	return true
}

func (s *Session) writeSale(sale domain.Sale) bool {
	data, err := json.Marshal(sale)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal sale")
		return true
	}
	if err := s.conn.WriteFrame(Frame{Kind: TextFrame, Data: data}); err != nil {
		s.log.Debug().Err(err).Msg("sale write failed")
		s.stop("write error", nil)
		return false
	}
	return true
}

func (s *Session) readPump() {
	err := s.conn.ReadLoop(func(f Frame) {
		select {
		case s.inbound <- f:
		case <-s.done:
		}
	})
	if err == nil {
		err = errors.New("transport closed")
	}
	s.readErr <- err
}

// stop runs once, whichever trigger gets here first. Registered sessions
// are disconnected before the transport is closed.
func (s *Session) stop(reason string, echo *Frame) {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.id != 0 {
			s.hub.Disconnect(s.id)
		}
		if echo != nil {
			if err := s.conn.WriteFrame(*echo); err != nil {
				s.log.Debug().Err(err).Msg("close echo failed")
			}
		}
		if err := s.conn.Close(); err != nil {
			s.log.Debug().Err(err).Msg("transport close")
		}
		s.log.Info().Str("reason", reason).Msg("session terminated")
	})
}
