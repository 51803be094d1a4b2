package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	sarama "github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"

	"github.com/mirkobrombin/go-todolock/v1/broadcast"
)

func TestKafkaSinkForward(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		ev, err := broadcast.DecodeEvent(val)
		if err != nil {
			return err
		}
		if ev.ItemID != "42" || ev.Kind != broadcast.LockExpired {
			return fmt.Errorf("unexpected event %+v", ev)
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sink := NewKafkaSinkFromProducer(producer, "")
	if sink.topic != DefaultKafkaTopic {
		t.Fatalf("expected default topic, got %q", sink.topic)
	}
	ev := broadcast.ChangeEvent{ItemID: "42", Kind: broadcast.LockExpired, Sequence: 3}
	if err := sink.Forward(context.Background(), ev); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if err := sink.Forward(context.Background(), ev); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected broker error, got %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaSinkRealBroker(t *testing.T) {
	addr := os.Getenv("TODOLOCK_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("TODOLOCK_TEST_KAFKA_ADDR not set, skipping Kafka integration tests")
	}
	topic := "todolock-test-" + uuid.NewString()
	sink, err := NewKafkaSink([]string{addr}, topic, nil)
	if err != nil {
		t.Fatalf("new kafka sink: %v", err)
	}
	defer sink.Close()
	if err := sink.Forward(context.Background(), broadcast.ChangeEvent{ItemID: "42", Kind: broadcast.LockGranted}); err != nil {
		t.Fatalf("forward: %v", err)
	}
}
