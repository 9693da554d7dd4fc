// Package mqtt implements a source.Source backed by an MQTT broker: bound
// properties publish as retained messages on write and are kept live by
// subscribing to their topics, reconnecting through a connrt.Monitor the
// way the teacher's js_filter_node/expr_assign_node components wrap a
// single external evaluation primitive (goja/expr) behind the node's own
// narrow interface — here the primitive is a paho client instead of a
// script VM.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/sync/semaphore"

	"github.com/bittoy/subjectgraph/change"
	"github.com/bittoy/subjectgraph/connrt"
	"github.com/bittoy/subjectgraph/logger"
	"github.com/bittoy/subjectgraph/source"
)

// Codec converts between a property's Go value and the wire bytes
// published/received for its topic. Callers supply one per property
// since the broker carries no type information of its own (spec §6:
// "no wire format belongs to the core").
type Codec interface {
	Encode(value any) ([]byte, error)
	Decode(payload []byte) (any, error)
}

// TopicMap resolves a property name to the MQTT topic it is mirrored on.
type TopicMap map[string]string

// Config parameterizes a Source.
type Config struct {
	Name         string
	BrokerURL    string
	ClientID     string
	Topics       TopicMap
	Codec        Codec
	QoS          byte
	Retained     bool
	WriteBatch   int
	HealthPeriod time.Duration
	Logger       logger.Logger
}

// Source mirrors a set of bound properties onto retained MQTT topics. It
// implements source.Source.
type Source struct {
	cfg     Config
	client  paho.Client
	breaker *connrt.Breaker
	monitor *connrt.Monitor

	mu     sync.RWMutex
	writer func(ctx context.Context, property string, changedAtUTC, receivedAtUTC time.Time, value any) error
}

// New builds an MQTT-backed source. It does not connect until
// StartListening is called.
func New(cfg Config) *Source {
	if cfg.WriteBatch <= 0 {
		cfg.WriteBatch = 50
	}
	if cfg.HealthPeriod <= 0 {
		cfg.HealthPeriod = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop{}
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(false). // connrt.Monitor owns reconnection, not the client
		SetConnectTimeout(5 * time.Second)

	s := &Source{
		cfg:     cfg,
		client:  paho.NewClient(opts),
		breaker: connrt.NewBreaker(5, 30*time.Second),
	}
	return s
}

// Name implements source.Source.
func (s *Source) Name() string { return s.cfg.Name }

// WriteBatchSize implements source.Source.
func (s *Source) WriteBatchSize() int { return s.cfg.WriteBatch }

// WriteChanges publishes each change record as a retained message on its
// bound topic, stopping at the first publish failure the way the
// transaction dispatcher expects (spec §4.G: batches stop on first
// source-reported error).
func (s *Source) WriteChanges(ctx context.Context, batch []change.Record) (source.WriteResult, error) {
	var res source.WriteResult
	for _, rec := range batch {
		topic, ok := s.cfg.Topics[rec.Property.Name]
		if !ok {
			res.Failed = append(res.Failed, rec)
			continue
		}
		payload, err := s.cfg.Codec.Encode(rec.NewValue)
		if err != nil {
			res.Failed = append(res.Failed, rec)
			res.Err = fmt.Errorf("mqtt: encode %s: %w", rec.Property.Name, err)
			return res, res.Err
		}
		token := s.client.Publish(topic, s.cfg.QoS, s.cfg.Retained, payload)
		if !token.WaitTimeout(5 * time.Second) {
			res.Failed = append(res.Failed, rec)
			res.Err = fmt.Errorf("mqtt: publish %s: timed out", topic)
			return res, res.Err
		}
		if err := token.Error(); err != nil {
			res.Failed = append(res.Failed, rec)
			res.Err = fmt.Errorf("mqtt: publish %s: %w", topic, err)
			return res, res.Err
		}
		res.Successful = append(res.Successful, rec)
	}
	return res, nil
}

// StartListening connects to the broker, subscribes to every mapped
// topic, and starts a connrt.Monitor that pings the connection and
// reconnects+resubscribes with backoff on failure.
func (s *Source) StartListening(ctx context.Context, writer func(ctx context.Context, property string, changedAtUTC, receivedAtUTC time.Time, value any) error) (stop func(), err error) {
	s.mu.Lock()
	s.writer = writer
	s.mu.Unlock()

	if err := s.connectAndSubscribe(ctx); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.monitor = connrt.NewMonitor(connrt.MonitorConfig{
		HealthCheckInterval: s.cfg.HealthPeriod,
		ReconnectDelay:      time.Second,
		MaxReconnectDelay:   time.Minute,
	}, s.breaker, semaphore.NewWeighted(1), s.ping, s.reconnect, s.cfg.Logger)

	go s.monitor.Run(runCtx)

	return func() {
		cancel()
		s.client.Disconnect(250)
	}, nil
}

// LoadInitialState is a no-op: MQTT retained messages arrive through the
// normal subscription as soon as it is established, so there is no
// separate initial read.
func (s *Source) LoadInitialState(ctx context.Context) error { return nil }

func (s *Source) connectAndSubscribe(ctx context.Context) error {
	token := s.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt: connect %s: timed out", s.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect %s: %w", s.cfg.BrokerURL, err)
	}

	for property, topic := range s.cfg.Topics {
		property := property
		handler := func(_ paho.Client, msg paho.Message) {
			value, err := s.cfg.Codec.Decode(msg.Payload())
			if err != nil {
				s.cfg.Logger.Warn("mqtt.decode_failed", "topic", msg.Topic(), "err", err)
				return
			}
			s.mu.RLock()
			writer := s.writer
			s.mu.RUnlock()
			if writer == nil {
				return
			}
			now := time.Now().UTC()
			if err := writer(context.Background(), property, now, now, value); err != nil {
				s.cfg.Logger.Warn("mqtt.writer_failed", "property", property, "err", err)
			}
		}
		subToken := s.client.Subscribe(topic, s.cfg.QoS, handler)
		if !subToken.WaitTimeout(5 * time.Second) {
			return fmt.Errorf("mqtt: subscribe %s: timed out", topic)
		}
		if err := subToken.Error(); err != nil {
			return fmt.Errorf("mqtt: subscribe %s: %w", topic, err)
		}
	}
	return nil
}

func (s *Source) ping(ctx context.Context) error {
	if s.client.IsConnectionOpen() {
		return nil
	}
	return fmt.Errorf("mqtt: connection down")
}

func (s *Source) reconnect(ctx context.Context) error {
	if s.client.IsConnected() {
		s.client.Disconnect(100)
	}
	return s.connectAndSubscribe(ctx)
}
