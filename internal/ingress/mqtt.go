package ingress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/reading"
)

// MQTTConfig describes the broker and topic carrying uplink events.
type MQTTConfig struct {
	Broker   string
	Port     int
	ClientID string
	Username string
	Password string
	Topic    string
	// Timeout bounds the reconciliation of a single message.
	Timeout time.Duration
}

// Subscriber feeds uplinks received over MQTT into a Reconciler.
type Subscriber struct {
	client     mqtt.Client
	cfg        MQTTConfig
	reconciler Reconciler
	logger     *zap.Logger

	mu         sync.RWMutex
	connected  bool
	subscribed bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSubscriber builds the client. Nothing is dialed until Connect.
func NewSubscriber(cfg MQTTConfig, reconciler Reconciler, logger *zap.Logger) *Subscriber {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	s := &Subscriber{
		cfg:        cfg,
		reconciler: reconciler,
		logger:     logger.With(zap.String("component", "mqtt")),
		stopCh:     make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		s.setConnected(true)
		s.logger.Info("mqtt connected", zap.String("broker", cfg.Broker), zap.Int("port", cfg.Port))

		// Clean sessions drop subscriptions, so restore them after a reconnect.
		s.mu.RLock()
		resubscribe := s.subscribed
		s.mu.RUnlock()
		if resubscribe {
			go func() {
				if err := s.subscribe(); err != nil {
					s.logger.Error("resubscribe failed", zap.Error(err))
				}
			}()
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.setConnected(false)
		s.logger.Warn("mqtt connection lost", zap.Error(err))
	})

	s.client = mqtt.NewClient(opts)
	return s
}

// Connect dials the broker and subscribes to the uplink topic.
func (s *Subscriber) Connect(ctx context.Context) error {
	select {
	case <-s.stopCh:
		return errors.New("subscriber stopped")
	default:
	}
	if s.IsConnected() {
		return nil
	}

	token := s.client.Connect()
	const poll = 200 * time.Millisecond
	for !token.WaitTimeout(poll) {
		select {
		case <-ctx.Done():
			s.client.Disconnect(0)
			return ctx.Err()
		case <-s.stopCh:
			s.client.Disconnect(0)
			return errors.New("subscriber stopped")
		default:
		}
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	if err := s.subscribe(); err != nil {
		s.client.Disconnect(0)
		return fmt.Errorf("subscribe: %w", err)
	}
	s.mu.Lock()
	s.subscribed = true
	s.mu.Unlock()
	return nil
}

func (s *Subscriber) subscribe() error {
	const qos = byte(1)
	token := s.client.Subscribe(s.cfg.Topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		s.handleMessage(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout for topic %s", s.cfg.Topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.cfg.Topic, err)
	}
	s.logger.Info("subscribed to mqtt topic", zap.String("topic", s.cfg.Topic), zap.Uint8("qos", qos))
	return nil
}

func (s *Subscriber) handleMessage(topic string, payload []byte) {
	s.logger.Debug("received mqtt message", zap.String("topic", topic), zap.Int("size", len(payload)))

	raw, device, err := DecodeUplink(payload)
	if err != nil {
		s.logger.Warn("dropping uplink", zap.String("topic", topic), zap.String("device_id", device), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	res, err := s.reconciler.ReconcileJSON(ctx, raw)
	if err != nil {
		var verr *reading.ValidationError
		if errors.As(err, &verr) {
			s.logger.Warn("invalid reading", zap.String("device_id", device), zap.Error(err))
		} else {
			s.logger.Error("reconcile failed", zap.String("device_id", device), zap.Error(err))
		}
		return
	}
	s.logger.Info("uplink stored",
		zap.String("device_id", device),
		zap.Int64("id", res.ID),
		zap.String("action", string(res.Action)),
		zap.String("matched_by", string(res.MatchedBy)),
	)
}

// IsConnected reports whether the broker connection is up.
func (s *Subscriber) IsConnected() bool {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	return connected && s.client.IsConnected()
}

// Disconnect stops the subscriber. Safe to call more than once.
func (s *Subscriber) Disconnect() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	if s.IsConnected() {
		s.client.Unsubscribe(s.cfg.Topic).WaitTimeout(2 * time.Second)
	}
	s.client.Disconnect(250)

	s.mu.Lock()
	s.connected = false
	s.subscribed = false
	s.mu.Unlock()
	s.logger.Info("mqtt subscriber disconnected")
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}
