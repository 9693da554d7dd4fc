// Package websocket implements a source.Source backed by a single
// WebSocket peer: writes are framed as JSON envelopes and sent over a
// persistent connection, and inbound frames are decoded and pushed back
// through the writer callback. The connect/reconnect loop is grounded on
// the coordinator.Coordinator pattern in the example pack (dial, spawn a
// read pump, send over a buffered channel, reconnect with backoff on
// loss) but reconnection itself is delegated to connrt.Monitor/Breaker so
// every connector in this module shares one circuit-breaker contract.
package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/bittoy/subjectgraph/change"
	"github.com/bittoy/subjectgraph/connrt"
	"github.com/bittoy/subjectgraph/logger"
	"github.com/bittoy/subjectgraph/source"
)

// envelope is the wire frame exchanged in both directions.
type envelope struct {
	Property      string    `json:"property"`
	Value         any       `json:"value"`
	ChangedAtUTC  time.Time `json:"changedAtUtc"`
	ReceivedAtUTC time.Time `json:"receivedAtUtc,omitempty"`
}

// Config parameterizes a Source.
type Config struct {
	Name             string
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteBatch       int
	PingInterval     time.Duration
	Logger           logger.Logger
}

// Source mirrors bound properties over a single WebSocket connection. It
// implements source.Source.
type Source struct {
	cfg     Config
	breaker *connrt.Breaker
	monitor *connrt.Monitor

	connMu sync.RWMutex
	conn   *gorilla.Conn

	sendMu sync.Mutex

	writerMu sync.RWMutex
	writer   func(ctx context.Context, property string, changedAtUTC, receivedAtUTC time.Time, value any) error
}

// New builds a WebSocket-backed source. It does not dial until
// StartListening is called.
func New(cfg Config) *Source {
	if cfg.WriteBatch <= 0 {
		cfg.WriteBatch = 100
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop{}
	}
	return &Source{cfg: cfg, breaker: connrt.NewBreaker(5, 15*time.Second)}
}

// Name implements source.Source.
func (s *Source) Name() string { return s.cfg.Name }

// WriteBatchSize implements source.Source.
func (s *Source) WriteBatchSize() int { return s.cfg.WriteBatch }

// WriteChanges sends each change record as a JSON envelope frame,
// stopping at the first send failure (spec §4.G).
func (s *Source) WriteChanges(ctx context.Context, batch []change.Record) (source.WriteResult, error) {
	var res source.WriteResult
	for _, rec := range batch {
		env := envelope{Property: rec.Property.Name, Value: rec.NewValue, ChangedAtUTC: rec.ChangedAtUTC}
		if err := s.send(env); err != nil {
			res.Failed = append(res.Failed, rec)
			res.Err = fmt.Errorf("websocket: send %s: %w", rec.Property.Name, err)
			return res, res.Err
		}
		res.Successful = append(res.Successful, rec)
	}
	return res, nil
}

func (s *Source) send(env envelope) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("websocket: not connected")
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return conn.WriteJSON(env)
}

// StartListening dials the peer and starts a connrt.Monitor that pings
// with a WebSocket ping frame and reconnects+resumes the read pump with
// backoff on failure.
func (s *Source) StartListening(ctx context.Context, writer func(ctx context.Context, property string, changedAtUTC, receivedAtUTC time.Time, value any) error) (stop func(), err error) {
	s.writerMu.Lock()
	s.writer = writer
	s.writerMu.Unlock()

	if err := s.dial(ctx); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.monitor = connrt.NewMonitor(connrt.MonitorConfig{
		HealthCheckInterval: s.cfg.PingInterval,
		ReconnectDelay:      time.Second,
		MaxReconnectDelay:   time.Minute,
	}, s.breaker, semaphore.NewWeighted(1), s.ping, s.reconnect, s.cfg.Logger)

	go s.monitor.Run(runCtx)
	go s.readPump(runCtx)

	return func() {
		cancel()
		s.connMu.RLock()
		conn := s.conn
		s.connMu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}, nil
}

// LoadInitialState is a no-op: this connector carries no bulk-read
// primitive of its own, only the streaming envelope protocol.
func (s *Source) LoadInitialState(ctx context.Context) error { return nil }

func (s *Source) dial(ctx context.Context) error {
	dialer := gorilla.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, s.cfg.Header)
	if err != nil {
		return fmt.Errorf("websocket: dial %s: %w", s.cfg.URL, err)
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	return nil
}

func (s *Source) readPump(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.connMu.RLock()
		conn := s.conn
		s.connMu.RUnlock()
		if conn == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			s.cfg.Logger.Warn("websocket.read_failed", "err", err)
			s.monitor.SignalReconnect()
			time.Sleep(100 * time.Millisecond)
			continue
		}

		s.writerMu.RLock()
		writer := s.writer
		s.writerMu.RUnlock()
		if writer == nil {
			continue
		}
		receivedAt := time.Now().UTC()
		changedAt := env.ChangedAtUTC
		if changedAt.IsZero() {
			changedAt = receivedAt
		}
		if err := writer(ctx, env.Property, changedAt, receivedAt, env.Value); err != nil {
			s.cfg.Logger.Warn("websocket.writer_failed", "property", env.Property, "err", err)
		}
	}
}

func (s *Source) ping(ctx context.Context) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("websocket: not connected")
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return conn.WriteControl(gorilla.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (s *Source) reconnect(ctx context.Context) error {
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()
	return s.dial(ctx)
}
