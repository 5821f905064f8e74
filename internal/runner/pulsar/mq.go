package pulsar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"jobengine/internal/apperrors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	apachepulsar "github.com/apache/pulsar-client-go/pulsar"
)

// MQConfig configures the message queue transport.
type MQConfig struct {
	URL          string `mapstructure:"url"`
	TopicPrefix  string `mapstructure:"topic_prefix"`
	Subscription string `mapstructure:"subscription"`
}

func (c MQConfig) withDefaults() MQConfig {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "jobengine"
	}
	if c.Subscription == "" {
		c.Subscription = "jobengine-status"
	}
	return c
}

// sender is the producing half of a topic.
type sender interface {
	Send(ctx context.Context, key string, payload []byte) error
	Close()
}

// receiver yields acknowledged message payloads.
type receiver interface {
	Receive(ctx context.Context) ([]byte, error)
	Close()
}

type producerSender struct {
	p apachepulsar.Producer
}

func (s producerSender) Send(ctx context.Context, key string, payload []byte) error {
	_, err := s.p.Send(ctx, &apachepulsar.ProducerMessage{Key: key, Payload: payload})
	return err
}

func (s producerSender) Close() { s.p.Close() }

type consumerReceiver struct {
	c apachepulsar.Consumer
}

func (r consumerReceiver) Receive(ctx context.Context) ([]byte, error) {
	msg, err := r.c.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.c.Ack(msg); err != nil {
		return nil, fmt.Errorf("ack: %w", err)
	}
	return msg.Payload(), nil
}

func (r consumerReceiver) Close() { r.c.Close() }

// MQTransport talks to agents through Pulsar topics. Statuses are pushed
// by the agent and buffered until the runner's next poll.
type MQTransport struct {
	client apachepulsar.Client
	submit sender
	cancel sender
	status receiver
	logger *slog.Logger

	mu      sync.Mutex
	pending []Status

	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewMQTransport connects to Pulsar and starts consuming the status topic.
func NewMQTransport(cfg MQConfig) (*MQTransport, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, apperrors.Validation("url", "pulsar url is required")
	}
	client, err := apachepulsar.NewClient(apachepulsar.ClientOptions{URL: cfg.URL})
	if err != nil {
		return nil, fmt.Errorf("pulsar client: %w", err)
	}
	submit, err := client.CreateProducer(apachepulsar.ProducerOptions{Topic: cfg.TopicPrefix + SubmitTopic})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("error creating pulsar producer %s: %w", cfg.TopicPrefix+SubmitTopic, err)
	}
	cancel, err := client.CreateProducer(apachepulsar.ProducerOptions{Topic: cfg.TopicPrefix + CancelTopic})
	if err != nil {
		submit.Close()
		client.Close()
		return nil, fmt.Errorf("error creating pulsar producer %s: %w", cfg.TopicPrefix+CancelTopic, err)
	}
	consumer, err := client.Subscribe(apachepulsar.ConsumerOptions{
		Topic:            cfg.TopicPrefix + StatusTopic,
		SubscriptionName: cfg.Subscription,
		Type:             apachepulsar.Failover,
	})
	if err != nil {
		cancel.Close()
		submit.Close()
		client.Close()
		return nil, fmt.Errorf("error subscribing to %s: %w", cfg.TopicPrefix+StatusTopic, err)
	}
	t := newMQTransport(producerSender{submit}, producerSender{cancel}, consumerReceiver{consumer})
	t.client = client
	return t, nil
}

func newMQTransport(submit, cancel sender, status receiver) *MQTransport {
	ctx, stop := context.WithCancel(context.Background())
	t := &MQTransport{
		submit: submit,
		cancel: cancel,
		status: status,
		logger: slog.With("component", "pulsar.mq"),
		stop:   stop,
	}
	t.wg.Add(1)
	go t.consume(ctx)
	return t
}

func (t *MQTransport) consume(ctx context.Context) {
	defer t.wg.Done()
	for {
		payload, err := t.status.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("Receiving status failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		var st Status
		if err := json.Unmarshal(payload, &st); err != nil {
			t.logger.Warn("Dropping malformed status message", "error", err)
			continue
		}
		t.mu.Lock()
		t.pending = append(t.pending, st)
		t.mu.Unlock()
	}
}

func (t *MQTransport) publish(ctx context.Context, s sender, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return apperrors.Internal("pulsar.encode", err)
	}
	if err := s.Send(ctx, key, payload); err != nil {
		return apperrors.Transient("pulsar send", err)
	}
	return nil
}

func (t *MQTransport) Submit(ctx context.Context, req SubmitRequest) error {
	return t.publish(ctx, t.submit, req.JobID, req)
}

func (t *MQTransport) Cancel(ctx context.Context, jobID string) error {
	return t.publish(ctx, t.cancel, jobID, CancelRequest{JobID: jobID})
}

// Statuses drains the buffered status messages.
func (t *MQTransport) Statuses(context.Context, []string) ([]Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.pending
	t.pending = nil
	return out, nil
}

func (t *MQTransport) Ready(context.Context) error {
	if t.closed.Load() {
		return errors.New("transport closed")
	}
	return nil
}

// Close stops consuming and releases producers and the client.
func (t *MQTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.stop()
	t.wg.Wait()
	t.status.Close()
	t.submit.Close()
	t.cancel.Close()
	if t.client != nil {
		t.client.Close()
	}
	return nil
}
