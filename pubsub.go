package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub/v2"
	pubsubapi "cloud.google.com/go/pubsub/v2/apiv1"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// pubSubAdapter runs the uniform contract against Google Pub/Sub. The
// Config address is the project ID. Publishing uses the regular client; queue
// administration and the pull facade use the subscription admin client the
// regular client carries, whose synchronous Pull/Acknowledge/ModifyAckDeadline
// calls map directly onto Receive/Ack/Nack. Setting the ack deadline to zero
// is Pub/Sub's negative acknowledgment.
//
// PUBSUB_EMULATOR_HOST is honored by the client library, so local tests can
// point the client at an emulator without touching this code.
type pubSubAdapter struct {
	cfg          Config
	topicName    string
	subscription string

	mu      sync.Mutex
	client  *pubsub.Client
	pub     *pubsub.Publisher
	pending map[string]string // message ID -> ack ID of the latest delivery
	closed  bool
}

func newPubSubAdapter(cfg Config) (*pubSubAdapter, error) {
	return &pubSubAdapter{
		cfg:          cfg,
		topicName:    fmt.Sprintf("projects/%s/topics/%s", cfg.Address, cfg.Queue),
		subscription: fmt.Sprintf("projects/%s/subscriptions/%s", cfg.Address, cfg.Queue),
		closed:       true,
	}, nil
}

func (a *pubSubAdapter) Connect(ctx context.Context) error {
	var opts []option.ClientOption
	if a.cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(a.cfg.CredentialsFile))
	}

	client, err := pubsub.NewClient(ctx, a.cfg.Address, opts...)
	if err != nil {
		return fmt.Errorf("mq: pubsub new client: %w", err)
	}

	a.mu.Lock()
	a.client = client
	a.pub = nil
	a.pending = make(map[string]string)
	a.closed = false
	a.mu.Unlock()
	return nil
}

func (a *pubSubAdapter) DeclareQueue(ctx context.Context, name string) error {
	client, err := a.adminClient()
	if err != nil {
		return err
	}

	topicName := fmt.Sprintf("projects/%s/topics/%s", a.cfg.Address, name)
	subName := fmt.Sprintf("projects/%s/subscriptions/%s", a.cfg.Address, name)

	_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topicName})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("mq: pubsub create topic %q: %w", topicName, err)
	}

	_, err = client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:               subName,
		Topic:              topicName,
		AckDeadlineSeconds: int32(a.cfg.AckDeadline / time.Second),
	})
	if err == nil {
		return nil
	}
	if status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("mq: pubsub create subscription %q: %w", subName, err)
	}

	existing, gerr := client.SubscriptionAdminClient.GetSubscription(ctx,
		&pubsubpb.GetSubscriptionRequest{Subscription: subName})
	if gerr != nil {
		return fmt.Errorf("mq: pubsub get subscription %q: %w", subName, gerr)
	}
	if existing.GetTopic() != topicName {
		return fmt.Errorf("%w: subscription %q is attached to topic %q",
			ErrQueueConflict, subName, existing.GetTopic())
	}
	return nil
}

func (a *pubSubAdapter) Publish(ctx context.Context, payload []byte) error {
	pub, err := a.publisher()
	if err != nil {
		return err
	}
	if _, err := pub.Publish(ctx, &pubsub.Message{Data: payload}).Get(ctx); err != nil {
		return fmt.Errorf("mq: pubsub publish: %w", err)
	}
	return nil
}

func (a *pubSubAdapter) Receive(ctx context.Context, max int, timeout time.Duration) ([]Message, error) {
	subAdmin, err := a.subAdminClient()
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := subAdmin.Pull(pctx, &pubsubpb.PullRequest{
		Subscription: a.subscription,
		MaxMessages:  int32(max),
	})
	if err != nil {
		if status.Code(err) == codes.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("mq: pubsub pull: %w", err)
	}

	out := make([]Message, 0, len(resp.GetReceivedMessages()))
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, rm := range resp.GetReceivedMessages() {
		pm := rm.GetMessage()
		if pm == nil {
			continue
		}
		if a.pending != nil {
			a.pending[pm.GetMessageId()] = rm.GetAckId()
		}
		redelivered := 0
		if rm.GetDeliveryAttempt() > 1 {
			redelivered = int(rm.GetDeliveryAttempt()) - 1
		}
		out = append(out, Message{
			DeliveryID:      pm.GetMessageId(),
			Payload:         pm.GetData(),
			EnqueueTime:     pm.GetPublishTime().AsTime(),
			RedeliveryCount: redelivered,
		})
	}
	return out, nil
}

func (a *pubSubAdapter) Ack(ctx context.Context, deliveryID string) error {
	subAdmin, ackID, err := a.settleAckID(deliveryID)
	if err != nil || ackID == "" {
		return err
	}
	err = subAdmin.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{
		Subscription: a.subscription,
		AckIds:       []string{ackID},
	})
	if err != nil {
		return fmt.Errorf("mq: pubsub ack %s: %w", deliveryID, err)
	}
	return nil
}

func (a *pubSubAdapter) Nack(ctx context.Context, deliveryID string) error {
	subAdmin, ackID, err := a.settleAckID(deliveryID)
	if err != nil || ackID == "" {
		return err
	}
	err = subAdmin.ModifyAckDeadline(ctx, &pubsubpb.ModifyAckDeadlineRequest{
		Subscription:       a.subscription,
		AckIds:             []string{ackID},
		AckDeadlineSeconds: 0,
	})
	if err != nil {
		return fmt.Errorf("mq: pubsub nack %s: %w", deliveryID, err)
	}
	return nil
}

func (a *pubSubAdapter) Capabilities() Capabilities {
	return Capabilities{
		// Pull caps MaxMessages at 1000
		MaxPrefetch:       1000,
		ExplicitNack:      true,
		DelayedRedelivery: false,
		ConcurrentOps:     true,
	}
}

func (a *pubSubAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	pub := a.pub
	client := a.client
	a.pub = nil
	a.pending = nil
	a.mu.Unlock()

	if pub != nil {
		pub.Stop()
	}
	if client != nil {
		return client.Close()
	}
	return nil
}

func (a *pubSubAdapter) adminClient() (*pubsub.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.client == nil {
		return nil, ErrConnectionClosed
	}
	return a.client, nil
}

func (a *pubSubAdapter) publisher() (*pubsub.Publisher, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.client == nil {
		return nil, ErrConnectionClosed
	}
	if a.pub == nil {
		a.pub = a.client.Publisher(a.topicName)
	}
	return a.pub, nil
}

func (a *pubSubAdapter) subAdminClient() (*pubsubapi.SubscriptionAdminClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.client == nil {
		return nil, ErrConnectionClosed
	}
	return a.client.SubscriptionAdminClient, nil
}

func (a *pubSubAdapter) settleAckID(deliveryID string) (*pubsubapi.SubscriptionAdminClient, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.client == nil {
		return nil, "", ErrConnectionClosed
	}
	ackID, ok := a.pending[deliveryID]
	if !ok {
		return nil, "", nil
	}
	delete(a.pending, deliveryID)
	return a.client.SubscriptionAdminClient, ackID, nil
}
