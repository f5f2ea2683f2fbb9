package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
)

func TestKafkaDispatcherSendsRoomClosedEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		var event RoomClosed
		if err := json.Unmarshal(value, &event); err != nil {
			return err
		}
		if event.Type != EventTypeRoomClosed || event.RoomName != "doc1" || event.Version != 100 {
			return fmt.Errorf("unexpected event %+v", event)
		}
		return nil
	})

	dispatcher, err := NewKafkaDispatcher(producer, "doc-events", KafkaDispatcherOptions{QueueSize: 4, Workers: 1}, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if err := dispatcher.PublishRoomClosed(context.Background(), RoomClosed{RoomName: "doc1", Version: 100, StorageRef: "ref"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	dispatcher.Close()
	if err := producer.Close(); err != nil {
		t.Fatalf("close producer: %v", err)
	}
}

func TestKafkaDispatcherRetriesFailedSend(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageAndFail(errors.New("broker unavailable"))
	producer.ExpectSendMessageAndSucceed()

	dispatcher, err := NewKafkaDispatcher(producer, "doc-events", KafkaDispatcherOptions{
		QueueSize:   4,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if err := dispatcher.PublishRoomClosed(context.Background(), RoomClosed{RoomName: "doc1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	dispatcher.Close()
	if err := producer.Close(); err != nil {
		t.Fatalf("close producer: %v", err)
	}
}

func TestKafkaDispatcherRejectsPublishAfterClose(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	dispatcher, err := NewKafkaDispatcher(producer, "doc-events", KafkaDispatcherOptions{}, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	dispatcher.Close()
	dispatcher.Close()
	if err := dispatcher.PublishRoomClosed(context.Background(), RoomClosed{RoomName: "doc1"}); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("expected ErrDispatcherClosed, got %v", err)
	}
	if err := producer.Close(); err != nil {
		t.Fatalf("close producer: %v", err)
	}
}

func TestNewKafkaDispatcherValidatesConfig(t *testing.T) {
	if _, err := NewKafkaDispatcher(nil, "topic", KafkaDispatcherOptions{}, nil); !errors.Is(err, ErrMissingProducer) {
		t.Fatalf("expected ErrMissingProducer, got %v", err)
	}
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	if _, err := NewKafkaDispatcher(producer, "", KafkaDispatcherOptions{}, nil); !errors.Is(err, ErrMissingTopic) {
		t.Fatalf("expected ErrMissingTopic, got %v", err)
	}
}
