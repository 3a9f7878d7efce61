package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// DefaultKey is the redis list holding pending sync jobs.
const DefaultKey = "faceattend:sync"

// SyncJob asks a worker to reconcile one day of attendance.
type SyncJob struct {
	ID          string    `json:"id"`
	Date        string    `json:"date"`
	ClassRef    string    `json:"class_ref,omitempty"`
	Session     string    `json:"session,omitempty"`
	RequestedBy string    `json:"requested_by,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Queue carries sync jobs from the API to the worker.
type Queue interface {
	Publish(ctx context.Context, job SyncJob) error
	Consume(ctx context.Context) (<-chan SyncJob, error)
}

// InMemory is a channel backed queue for single process deployments and tests.
type InMemory struct {
	ch chan SyncJob
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	if size <= 0 {
		size = 16
	}
	return &InMemory{ch: make(chan SyncJob, size)}
}

// Publish enqueues a job, blocking while the buffer is full.
func (q *InMemory) Publish(ctx context.Context, job SyncJob) error {
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel that is closed once ctx ends.
func (q *InMemory) Consume(ctx context.Context) (<-chan SyncJob, error) {
	out := make(chan SyncJob)
	go func() {
		defer close(out)
		for {
			select {
			case job := <-q.ch:
				select {
				case out <- job:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue is a redis list queue using LPUSH/BRPOP.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue on key, DefaultKey when empty.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultKey
	}
	return &RedisQueue{client: client, key: key}
}

// Publish enqueues a job.
func (q *RedisQueue) Publish(ctx context.Context, job SyncJob) error {
	data, err := encode(job)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, data).Err()
}

// Consume streams jobs until ctx ends. Undecodable entries are logged and dropped.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan SyncJob, error) {
	out := make(chan SyncJob)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					log.WithError(err).Warn("sync queue pop failed")
					time.Sleep(time.Second)
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			job, err := decode(res[1])
			if err != nil {
				log.WithError(err).Warn("dropping malformed sync job")
				continue
			}
			select {
			case out <- job:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func encode(job SyncJob) (string, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode sync job: %w", err)
	}
	return string(b), nil
}

func decode(s string) (SyncJob, error) {
	var job SyncJob
	if err := json.Unmarshal([]byte(s), &job); err != nil {
		return SyncJob{}, fmt.Errorf("decode sync job: %w", err)
	}
	if job.Date == "" {
		return SyncJob{}, errors.New("decode sync job: missing date")
	}
	return job, nil
}
