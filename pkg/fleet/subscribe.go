package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Subscription represents an active Pub/Sub subscription delivering full
// entity objects of type T. Caller must call Close() when done.
//
// Events arrive on a buffered channel (size 10) to avoid blocking the
// reader goroutine. Redis Pub/Sub is at-most-once: a slow subscriber may
// miss events, which is why the reconciler also runs a periodic sweep.
type Subscription[T any] struct {
	events <-chan *T
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of entity events. The channel is closed when
// the subscription is closed or the context is cancelled.
func (s *Subscription[T]) Events() <-chan *T {
	return s.events
}

// Errors returns the channel of subscription errors. Errors (such as JSON
// unmarshaling failures) are non-fatal; the subscription continues and the
// offending message is skipped.
func (s *Subscription[T]) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times.
func (s *Subscription[T]) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// subscribe starts a Pub/Sub subscription on channel and decodes each
// message into a T.
func subscribe[T any](ctx context.Context, rdb *redis.Client, channel string) *Subscription[T] {
	pubsub := rdb.Subscribe(ctx, channel)

	eventsChan := make(chan *T, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				event := new(T)
				if err := json.Unmarshal([]byte(msg.Payload), event); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal event on %s: %w", channel, err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription[T]{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}
}

// SubscribeStackEvents subscribes to stack create/update/delete events for
// this instance. Caller must call subscription.Close() when done.
func (c *Client) SubscribeStackEvents(ctx context.Context) *Subscription[Stack] {
	return subscribe[Stack](ctx, c.rdb, StackEventsChannel(c.instanceName))
}

// SubscribeContentEvents subscribes to content version events for this instance.
func (c *Client) SubscribeContentEvents(ctx context.Context) *Subscription[ContentVersion] {
	return subscribe[ContentVersion](ctx, c.rdb, ContentEventsChannel(c.instanceName))
}

// SubscribeAgentEvents subscribes to agent registration/update/delete events
// for this instance. Heartbeats are deliberately not published here; the
// reconciler's sweep picks up returning agents instead.
func (c *Client) SubscribeAgentEvents(ctx context.Context) *Subscription[Agent] {
	return subscribe[Agent](ctx, c.rdb, AgentEventsChannel(c.instanceName))
}

// SubscribeOrderEvents subscribes to work order lifecycle events for this instance.
func (c *Client) SubscribeOrderEvents(ctx context.Context) *Subscription[WorkOrder] {
	return subscribe[WorkOrder](ctx, c.rdb, OrderEventsChannel(c.instanceName))
}
