package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/madrasa-sync/internal/models"
	"github.com/noah-isme/madrasa-sync/pkg/jobs"
)

// Notifier fans sync events out to UI subscribers. Publishing never blocks the sync engine:
// events go through a job queue when it runs, and slow subscribers miss events instead of
// applying back-pressure.
type Notifier struct {
	logger *zap.Logger
	queue  *jobs.Queue

	mu     sync.RWMutex
	nextID int
	subs   map[int]chan models.SyncEvent
}

// NewNotifier constructs a notifier. Call Start to dispatch asynchronously.
func NewNotifier(logger *zap.Logger) *Notifier {
	return newNotifier(logger, 256)
}

func newNotifier(logger *zap.Logger, buffer int) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Notifier{logger: logger, subs: make(map[int]chan models.SyncEvent)}
	n.queue = jobs.NewQueue("sync-events", n.dispatch, jobs.QueueConfig{
		Workers:    1,
		BufferSize: buffer,
		MaxRetries: -1,
		Logger:     logger,
	})
	return n
}

// Start begins asynchronous dispatch.
func (n *Notifier) Start(ctx context.Context) {
	n.queue.Start(ctx)
}

// Stop halts dispatch; later events are delivered inline.
func (n *Notifier) Stop() {
	n.queue.Stop()
}

// Subscribe registers a listener. The returned func unsubscribes and closes the channel.
func (n *Notifier) Subscribe(buffer int) (<-chan models.SyncEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan models.SyncEvent, buffer)
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
}

// Publish emits event fire-and-forget. While the queue runs a full buffer drops the event, so
// subscribers always see events in publish order.
func (n *Notifier) Publish(event models.SyncEvent) {
	if n == nil {
		return
	}
	job := jobs.Job{Type: string(event.Type), Payload: event}
	if n.queue.TryEnqueue(job) || n.queue.Running() {
		return
	}
	_ = n.dispatch(context.Background(), job)
}

func (n *Notifier) dispatch(_ context.Context, job jobs.Job) error {
	event, ok := job.Payload.(models.SyncEvent)
	if !ok {
		return nil
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	for id, ch := range n.subs {
		select {
		case ch <- event:
		default:
			n.logger.Debug("subscriber lagging, event dropped", zap.Int("subscriber", id), zap.String("type", string(event.Type)))
		}
	}
	return nil
}

// StorageWarningPublisher adapts the notifier to the sync queue's storage warning hook.
func StorageWarningPublisher(n *Notifier) func(error) {
	return func(err error) {
		n.Publish(models.SyncEvent{
			Type:    models.SyncEventStorageWarn,
			At:      time.Now(),
			Message: err.Error(),
		})
	}
}
