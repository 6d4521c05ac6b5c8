package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/hubbridge/internal/observability"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyConnected = errors.New("hub: stream already connected")
	ErrHandlerRequired  = errors.New("hub: stream handler required")
)

// StreamState is the event-stream connection state.
type StreamState int32

const (
	StateDisconnected StreamState = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateSubscribed
)

func (s StreamState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

type StreamConfig struct {
	BaseURL          string
	Token            string
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadLimit caps a single inbound frame; 0 keeps the default.
	ReadLimit     int64
	Dialer        *websocket.Dialer
	OnStateChange func(StreamState)
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        4 << 20,
	}
}

// Handler receives decoded state-change events in frame order.
type Handler func(StateChangeEvent)

// Stream owns one websocket subscription to the hub event bus. It does not
// reconnect on its own.
type Stream struct {
	cfg     StreamConfig
	url     string
	handler Handler
	state   atomic.Int32

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	err     error
	closing bool

	writeMu sync.Mutex
}

func NewStream(cfg StreamConfig, handler Handler) (*Stream, error) {
	if handler == nil {
		return nil, ErrHandlerRequired
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, ErrTokenRequired
	}
	wsURL, err := WebsocketURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	defaults := DefaultStreamConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaults.ReadLimit
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Stream{cfg: cfg, url: wsURL, handler: handler}, nil
}

func (s *Stream) URL() string {
	return s.url
}

func (s *Stream) State() StreamState {
	return StreamState(s.state.Load())
}

func (s *Stream) setState(next StreamState) {
	prev := StreamState(s.state.Swap(int32(next)))
	if prev == next {
		return
	}
	observability.SetStreamSubscribed(next == StateSubscribed)
	log.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("hub.Stream.state")
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(next)
	}
}

// Connect dials, authenticates, and subscribes to state_changed events, then
// starts the receive loop. It returns once the stream is Subscribed or the
// attempt has failed and the stream is back to Disconnected.
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return ErrAlreadyConnected
	}

	s.setState(StateConnecting)
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	conn, _, err := s.cfg.Dialer.DialContext(dialCtx, s.url, nil)
	cancel()
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("hub: dial %s: %w", s.url, err)
	}
	conn.SetReadLimit(s.cfg.ReadLimit)
	s.setState(StateConnected)

	if err := s.handshake(ctx, conn); err != nil {
		_ = conn.Close()
		s.setState(StateDisconnected)
		return err
	}

	done := make(chan struct{})
	s.conn = conn
	s.done = done
	s.err = nil
	s.closing = false
	s.setState(StateSubscribed)
	log.Info().Str("url", s.url).Msg("hub.Stream.Connect subscribed")

	go s.receive(conn, done)
	return nil
}

func (s *Stream) handshake(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return err
	}

	auth, err := encodeAuth(s.cfg.Token)
	if err != nil {
		return err
	}
	if err := s.write(conn, auth); err != nil {
		return fmt.Errorf("hub: send auth: %w", err)
	}
	s.setState(StateAuthenticating)

	if err := awaitAuth(conn); err != nil {
		return err
	}

	sub, err := encodeSubscribe()
	if err != nil {
		return err
	}
	if err := s.write(conn, sub); err != nil {
		return fmt.Errorf("hub: send subscribe: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return conn.SetReadDeadline(time.Time{})
}

func awaitAuth(conn *websocket.Conn) error {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("hub: await auth: %w", err)
		}
		f, err := decodeFrame(payload)
		if err != nil {
			continue
		}
		switch f.Type {
		case frameTypeAuthOK:
			return nil
		case frameTypeAuthInvalid:
			if msg := strings.TrimSpace(f.Message); msg != "" {
				return fmt.Errorf("%w: %s", ErrAuthRejected, msg)
			}
			return ErrAuthRejected
		default:
			// auth_required and any early noise
		}
	}
}

func (s *Stream) write(conn *websocket.Conn, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Stream) receive(conn *websocket.Conn, done chan struct{}) {
	var readErr error
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		f, err := decodeFrame(payload)
		if err != nil {
			observability.RecordStreamFrame("malformed")
			log.Debug().Int("bytes", len(payload)).Msg("hub.Stream.receive discard malformed frame")
			continue
		}
		ev, err := stateChangeFromFrame(f)
		if err != nil {
			observability.RecordStreamFrame(frameKind(f))
			if f.Type == frameTypeResult && f.Success != nil && !*f.Success {
				log.Warn().Int("id", f.ID).Str("message", f.Message).Msg("hub.Stream.receive subscription rejected")
			}
			continue
		}
		observability.RecordStreamFrame(eventTypeStateChanged)
		s.handler(ev)
	}

	s.mu.Lock()
	closing := s.closing
	if s.conn == conn {
		s.conn = nil
	}
	if !closing {
		s.err = readErr
	}
	s.closing = false
	s.mu.Unlock()

	_ = conn.Close()
	s.setState(StateDisconnected)
	if !closing {
		log.Warn().Err(readErr).Str("url", s.url).Msg("hub.Stream.receive connection lost")
	}
	close(done)
}

// Disconnect closes the socket and waits for the receive loop to exit.
// It must not be called from inside the Handler.
func (s *Stream) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	done := s.done
	if conn == nil {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(s.cfg.WriteTimeout),
	)
	s.writeMu.Unlock()
	_ = conn.Close()
	<-done
	return nil
}

// Done is closed when the current receive loop exits. Before the first
// successful Connect it returns an already closed channel.
func (s *Stream) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

// Err reports why the last receive loop ended; nil after Disconnect.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func frameKind(f inboundFrame) string {
	switch f.Type {
	case frameTypeEvent, frameTypeResult, frameTypeAuthOK, frameTypeAuthRequired, frameTypeAuthInvalid:
		return f.Type
	default:
		return "other"
	}
}
