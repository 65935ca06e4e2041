package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	natsStreamName  = "CONTENTFLOW_JOBS"
	natsSubjectBase = "contentflow.jobs"
	natsConsumer    = "contentflow-workers"
)

// priorityWeights are the subjects' weight suffixes in dequeue order.
var priorityWeights = []int{1, 3, 5, 7}

// NATSQueue is a JetStream-backed Queue for deployments where the API
// server and workers are separate processes.
//
// Jobs publish to a per-weight subject; consumption fetches weights in
// order so urgent work jumps the line. Delayed jobs ride in the envelope's
// NotBefore and are negatively acknowledged back with the remaining delay.
// JetStream's explicit-ack redelivery provides the at-least-once guarantee
// and the server-side backoff on handler failure.
type NATSQueue struct {
	nc        *nats.Conn
	js        jetstream.JetStream
	stream    jetstream.Stream
	consumers map[int]jetstream.Consumer
	paused    atomic.Bool
	inFlight  atomic.Int64
	logger    *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewNATSQueue connects to NATS and provisions the job stream and its
// per-priority consumers.
func NewNATSQueue(url string, logger *slog.Logger) (*NATSQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      natsStreamName,
		Subjects:  []string{natsSubjectBase + ".*"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream: %w", err)
	}

	q := &NATSQueue{
		nc:        nc,
		js:        js,
		stream:    stream,
		consumers: make(map[int]jetstream.Consumer),
		logger:    logger,
	}
	for _, weight := range priorityWeights {
		consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:       fmt.Sprintf("%s-p%d", natsConsumer, weight),
			FilterSubject: subjectFor(weight),
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       15 * time.Minute,
			MaxDeliver:    5,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create consumer p%d: %w", weight, err)
		}
		q.consumers[weight] = consumer
	}
	return q, nil
}

func subjectFor(weight int) string {
	for _, w := range priorityWeights {
		if weight == w {
			return fmt.Sprintf("%s.p%d", natsSubjectBase, weight)
		}
	}
	return fmt.Sprintf("%s.p7", natsSubjectBase)
}

// Enqueue implements Queue.
func (q *NATSQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	// Republishing the same task is harmless: claim arbitration on the
	// task row keeps a duplicate delivery from running twice.
	_, err = q.js.Publish(ctx, subjectFor(job.Priority), payload,
		jetstream.WithMsgID(fmt.Sprintf("%s-%d", job.TaskID, job.Attempts)))
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// EnqueueDelayed implements Queue.
func (q *NATSQueue) EnqueueDelayed(ctx context.Context, job Job, delay time.Duration) error {
	job.NotBefore = time.Now().Add(delay)
	return q.Enqueue(ctx, job)
}

// EnqueueBatch implements Queue.
func (q *NATSQueue) EnqueueBatch(ctx context.Context, jobs []Job) error {
	for _, job := range jobs {
		if err := q.Enqueue(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// Consume implements Queue. Each loop sweeps the priority consumers in
// weight order so a waiting urgent job is always delivered before normal
// traffic, then falls back to a short wait on the lowest weight.
func (q *NATSQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if q.paused.Load() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		delivered := false
		for _, weight := range priorityWeights {
			msgs, err := q.consumers[weight].Fetch(1, jetstream.FetchMaxWait(250*time.Millisecond))
			if err != nil {
				continue
			}
			for msg := range msgs.Messages() {
				delivered = true
				q.handleMsg(ctx, msg, handler)
			}
			if delivered {
				break
			}
		}
		if !delivered {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

func (q *NATSQueue) handleMsg(ctx context.Context, msg jetstream.Msg, handler Handler) {
	var job Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		q.logger.Error("dropping undecodable job", "error", err)
		_ = msg.Term()
		return
	}

	if !job.NotBefore.IsZero() {
		if remaining := time.Until(job.NotBefore); remaining > 0 {
			_ = msg.NakWithDelay(remaining)
			return
		}
	}

	q.inFlight.Add(1)
	err := handler(ctx, job)
	q.inFlight.Add(-1)

	if err != nil {
		meta, metaErr := msg.Metadata()
		attempt := job.Attempts
		if metaErr == nil {
			attempt = int(meta.NumDelivered)
		}
		delay := redeliveryBackoff(attempt)
		q.logger.Warn("job failed, scheduling redelivery",
			"task_id", job.TaskID, "attempt", attempt, "backoff", delay, "error", err)
		_ = msg.NakWithDelay(delay)
		return
	}
	if err := msg.Ack(); err != nil {
		q.logger.Warn("ack failed", "task_id", job.TaskID, "error", err)
	}
}

// Stats implements Queue. Delayed jobs are indistinguishable from ready
// ones server-side; they count as ready.
func (q *NATSQueue) Stats(ctx context.Context) (Stats, error) {
	info, err := q.stream.Info(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("stream info: %w", err)
	}
	return Stats{
		Ready:    int(info.State.Msgs),
		InFlight: int(q.inFlight.Load()),
		Paused:   q.paused.Load(),
	}, nil
}

// Pause implements Queue.
func (q *NATSQueue) Pause(ctx context.Context) error {
	q.paused.Store(true)
	return nil
}

// Resume implements Queue.
func (q *NATSQueue) Resume(ctx context.Context) error {
	q.paused.Store(false)
	return nil
}

// Drain implements Queue.
func (q *NATSQueue) Drain(ctx context.Context) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		stats, err := q.Stats(ctx)
		if err != nil {
			return err
		}
		if stats.Depth() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close implements Queue.
func (q *NATSQueue) Close() error {
	q.closeOnce.Do(func() {
		q.closeErr = q.nc.Drain()
	})
	return q.closeErr
}
