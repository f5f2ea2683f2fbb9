package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

var (
	// ErrMissingProducer indicates the dispatcher was constructed without a producer.
	ErrMissingProducer = errors.New("events: kafka producer is required")
	// ErrMissingTopic indicates the dispatcher was constructed without a topic.
	ErrMissingTopic = errors.New("events: kafka topic is required")
	// ErrDispatcherClosed indicates a publish after Close.
	ErrDispatcherClosed = errors.New("events: dispatcher closed")
)

// KafkaDispatcherOptions tunes the local queue and the send retries.
type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// KafkaDispatcher buffers events in a bounded queue and sends them from
// background workers so publishing never waits on the broker.
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger

	queue chan RoomClosed

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewKafkaDispatcher starts a dispatcher with its workers.
func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, options KafkaDispatcherOptions, logger *zap.Logger) (*KafkaDispatcher, error) {
	if producer == nil {
		return nil, ErrMissingProducer
	}
	if topic == "" {
		return nil, ErrMissingTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if options.QueueSize <= 0 {
		options.QueueSize = 1024
	}
	if options.Workers <= 0 {
		options.Workers = 1
	}
	if options.BaseBackoff <= 0 {
		options.BaseBackoff = 100 * time.Millisecond
	}
	if options.MaxBackoff < options.BaseBackoff {
		options.MaxBackoff = options.BaseBackoff
	}
	dispatcher := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		logger:      logger,
		queue:       make(chan RoomClosed, options.QueueSize),
		workers:     options.Workers,
		maxRetry:    options.MaxRetry,
		baseBackoff: options.BaseBackoff,
		maxBackoff:  options.MaxBackoff,
	}
	for workerID := 0; workerID < dispatcher.workers; workerID++ {
		dispatcher.wg.Add(1)
		go dispatcher.workerLoop(workerID)
	}
	return dispatcher, nil
}

// PublishRoomClosed enqueues the event. It waits for queue space until ctx is done.
func (d *KafkaDispatcher) PublishRoomClosed(ctx context.Context, event RoomClosed) error {
	if event.Type == "" {
		event.Type = EventTypeRoomClosed
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for queued events to be sent.
func (d *KafkaDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for event := range d.queue {
		d.sendWithRetry(workerID, event)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, event RoomClosed) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		err := d.sendOnce(event)
		if err == nil {
			return
		}
		if attempt == d.maxRetry {
			d.logger.Error(
				"room event dropped",
				zap.String("room_name", event.RoomName),
				zap.Int64("version", event.Version),
				zap.Int("worker", workerID),
				zap.Error(err),
			)
			return
		}
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(event RoomClosed) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return err
	}
	message := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(event.RoomName),
		Value: sarama.ByteEncoder(encoded),
	}
	_, _, err = d.producer.SendMessage(message)
	return err
}
