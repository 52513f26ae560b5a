package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sevigo/ci-dispatch/internal/core"
)

// MaxPriority is the x-max-priority argument every queue is declared with.
const MaxPriority = 9

// Queues lists every queue a runner can consume.
var Queues = []core.QueueName{core.QueuePublic, core.QueueRestricted}

func declare(ch *amqp.Channel, name core.QueueName) error {
	_, err := ch.QueueDeclare(
		string(name),
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-max-priority": int32(MaxPriority)},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return nil
}

// AMQPPublisher publishes queue entries to a broker. It connects lazily and
// reconnects on the next publish after the connection drops.
type AMQPPublisher struct {
	url    string
	logger *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[core.QueueName]bool
}

var _ core.Publisher = (*AMQPPublisher)(nil)

func NewAMQPPublisher(url string, logger *slog.Logger) *AMQPPublisher {
	return &AMQPPublisher{url: url, logger: logger}
}

func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.closeLocked()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open broker channel: %w", err)
	}
	p.conn, p.ch = conn, ch
	p.declared = map[core.QueueName]bool{}
	return ch, nil
}

// Publish sends the entry exactly once. Failures come back as *core.PublishError.
func (p *AMQPPublisher) Publish(ctx context.Context, entry core.QueueEntry) error {
	d := entry.Descriptor
	fail := func(err error) error {
		return &core.PublishError{Queue: entry.Queue, Context: d.Context, Err: err}
	}

	body, err := d.Marshal()
	if err != nil {
		return fail(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return fail(err)
	}
	if !p.declared[entry.Queue] {
		if err := declare(ch, entry.Queue); err != nil {
			p.closeLocked()
			return fail(err)
		}
		p.declared[entry.Queue] = true
	}

	err = ch.PublishWithContext(ctx,
		"",                  // default exchange
		string(entry.Queue), // routing key
		false,               // mandatory
		false,               // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Priority:     uint8(entry.Priority),
			MessageId:    uuid.NewString(),
			Body:         body,
		},
	)
	if err != nil {
		p.closeLocked()
		return fail(err)
	}

	p.logger.Info("job published", "queue", entry.Queue, "priority", entry.Priority, "repo", d.Repo, "sha", d.SHA, "context", d.Context, "slug", d.Slug)
	return nil
}

// Close drops the broker connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *AMQPPublisher) closeLocked() error {
	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		p.ch = nil
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		p.conn = nil
	}
	return errors.Join(errs...)
}

// DryRunPublisher logs entries instead of publishing them.
type DryRunPublisher struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries []core.QueueEntry
}

var _ core.Publisher = (*DryRunPublisher)(nil)

func NewDryRunPublisher(logger *slog.Logger) *DryRunPublisher {
	return &DryRunPublisher{logger: logger}
}

func (p *DryRunPublisher) Publish(_ context.Context, entry core.QueueEntry) error {
	p.mu.Lock()
	p.entries = append(p.entries, entry)
	p.mu.Unlock()
	p.logger.Info("dry run: would publish", "queue", entry.Queue, "priority", entry.Priority, "context", entry.Descriptor.Context, "slug", entry.Descriptor.Slug)
	return nil
}

// Entries returns what would have been published.
func (p *DryRunPublisher) Entries() []core.QueueEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.QueueEntry, len(p.entries))
	copy(out, p.entries)
	return out
}

// DescriptorHandler receives each consumed descriptor.
type DescriptorHandler func(ctx context.Context, d *core.JobDescriptor) error

// Consumer reads descriptors from the broker.
type Consumer struct {
	url    string
	logger *slog.Logger
}

func NewConsumer(url string, logger *slog.Logger) *Consumer {
	return &Consumer{url: url, logger: logger}
}

// Consume delivers descriptors from queues to handler until ctx is done or
// the connection closes. Each message is acknowledged on receipt, so a job
// is handed out at most once. Malformed messages are logged and dropped.
func (c *Consumer) Consume(ctx context.Context, queues []core.QueueName, handler DescriptorHandler) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open broker channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries := make(chan amqp.Delivery)
	var wg sync.WaitGroup
	for _, q := range queues {
		if err := declare(ch, q); err != nil {
			return err
		}
		msgs, err := ch.Consume(string(q), "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("failed to consume queue %s: %w", q, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range msgs {
				select {
				case deliveries <- m:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(deliveries)
	}()

	c.logger.Info("consuming jobs", "queues", queues)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("broker closed the delivery channel")
			}
			c.handle(ctx, m, handler)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, m amqp.Delivery, handler DescriptorHandler) {
	if err := m.Ack(false); err != nil {
		c.logger.Error("failed to ack message, skipping", "message_id", m.MessageId, "error", err)
		return
	}

	d, err := core.ParseDescriptor(m.Body)
	if err != nil {
		c.logger.Error("dropping malformed job", "message_id", m.MessageId, "queue", m.RoutingKey, "error", err)
		return
	}
	if err := handler(ctx, d); err != nil {
		c.logger.Error("job handler failed", "slug", d.Slug, "context", d.Context, "error", err)
	}
}
