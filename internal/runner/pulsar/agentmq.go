package pulsar

import (
	"context"
	"encoding/json"
	"fmt"
	"jobengine/internal/apperrors"
	"log/slog"
	"sync"
	"time"

	apachepulsar "github.com/apache/pulsar-client-go/pulsar"
)

// RequestHandler executes requests received by an agent.
type RequestHandler interface {
	HandleSubmit(ctx context.Context, req SubmitRequest) error
	HandleCancel(ctx context.Context, jobID string) error
}

// AgentMQ is the agent side of the message queue transport: it consumes the
// submit and cancel topics and publishes statuses.
type AgentMQ struct {
	client  apachepulsar.Client
	submits receiver
	cancels receiver
	status  sender
	logger  *slog.Logger
}

// NewAgentMQ connects an agent to the configured topics.
func NewAgentMQ(cfg MQConfig) (*AgentMQ, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, apperrors.Validation("url", "pulsar url is required")
	}
	client, err := apachepulsar.NewClient(apachepulsar.ClientOptions{URL: cfg.URL})
	if err != nil {
		return nil, fmt.Errorf("pulsar client: %w", err)
	}
	subscribe := func(suffix string) (apachepulsar.Consumer, error) {
		return client.Subscribe(apachepulsar.ConsumerOptions{
			Topic:            cfg.TopicPrefix + suffix,
			SubscriptionName: cfg.Subscription + "-agent",
			Type:             apachepulsar.Shared,
		})
	}
	submits, err := subscribe(SubmitTopic)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("error subscribing to %s: %w", cfg.TopicPrefix+SubmitTopic, err)
	}
	cancels, err := subscribe(CancelTopic)
	if err != nil {
		submits.Close()
		client.Close()
		return nil, fmt.Errorf("error subscribing to %s: %w", cfg.TopicPrefix+CancelTopic, err)
	}
	status, err := client.CreateProducer(apachepulsar.ProducerOptions{Topic: cfg.TopicPrefix + StatusTopic})
	if err != nil {
		cancels.Close()
		submits.Close()
		client.Close()
		return nil, fmt.Errorf("error creating pulsar producer %s: %w", cfg.TopicPrefix+StatusTopic, err)
	}
	a := newAgentMQ(consumerReceiver{submits}, consumerReceiver{cancels}, producerSender{status})
	a.client = client
	return a, nil
}

func newAgentMQ(submits, cancels receiver, status sender) *AgentMQ {
	return &AgentMQ{
		submits: submits,
		cancels: cancels,
		status:  status,
		logger:  slog.With("component", "pulsar.agent"),
	}
}

// Run consumes both request topics until ctx is cancelled.
func (a *AgentMQ) Run(ctx context.Context, h RequestHandler) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.loop(ctx, a.submits, func(payload []byte) error {
			var req SubmitRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				return err
			}
			return h.HandleSubmit(ctx, req)
		})
	}()
	go func() {
		defer wg.Done()
		a.loop(ctx, a.cancels, func(payload []byte) error {
			var req CancelRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				return err
			}
			return h.HandleCancel(ctx, req.JobID)
		})
	}()
	wg.Wait()
}

func (a *AgentMQ) loop(ctx context.Context, r receiver, handle func([]byte) error) {
	for {
		payload, err := r.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("Receiving request failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if err := handle(payload); err != nil {
			a.logger.Warn("Request failed", "error", err)
		}
	}
}

// Publish sends a status to the engine.
func (a *AgentMQ) Publish(ctx context.Context, st Status) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return a.status.Send(ctx, st.JobID, payload)
}

// Close releases consumers, the producer and the client.
func (a *AgentMQ) Close() error {
	a.submits.Close()
	a.cancels.Close()
	a.status.Close()
	if a.client != nil {
		a.client.Close()
	}
	return nil
}
