package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// PubSubForwarder publishes every audit record to a Pub/Sub topic so a
// central collector can follow several agents.
type PubSubForwarder struct {
	ctx    context.Context
	client *pubsub.Client
	topic  *pubsub.Topic
	log    *slog.Logger
	wg     sync.WaitGroup
}

func NewPubSubForwarder(ctx context.Context, projectID, topicID string, log *slog.Logger, opts ...option.ClientOption) (*PubSubForwarder, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	return &PubSubForwarder{
		ctx:    ctx,
		client: client,
		topic:  client.Topic(topicID),
		log:    log,
	}, nil
}

// Forward publishes asynchronously; failures are logged, never returned.
func (f *PubSubForwarder) Forward(kind EventKind, line []byte) {
	data := make([]byte, len(line))
	copy(data, line)

	res := f.topic.Publish(f.ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"type": string(kind)},
	})

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if _, err := res.Get(f.ctx); err != nil {
			f.log.Warn("audit forward failed", "type", string(kind), "error", err)
		}
	}()
}

// Close flushes pending publishes and closes the client.
func (f *PubSubForwarder) Close() error {
	f.topic.Stop()
	f.wg.Wait()
	return f.client.Close()
}
