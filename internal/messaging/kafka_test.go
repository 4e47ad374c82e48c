package messaging

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/lightmine/internal/miner"
	lmerrors "github.com/bardlex/lightmine/pkg/errors"
	"github.com/bardlex/lightmine/pkg/log"
)

func TestNewKafkaClient(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, log.Nop())

	if client == nil {
		t.Fatal("NewKafkaClient returned nil")
	}
	if len(client.brokers) != 1 || client.brokers[0] != "localhost:9092" {
		t.Errorf("Expected brokers [localhost:9092], got %v", client.brokers)
	}
	if client.writers == nil || client.readers == nil {
		t.Error("writer and reader maps should be initialized")
	}
}

func TestKafkaClient_GetProducer(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, log.Nop())

	producer1 := client.GetProducer(TopicOutcomes)
	if producer1 == nil {
		t.Fatal("GetProducer returned nil")
	}
	if producer1.Topic != TopicOutcomes {
		t.Errorf("Expected topic %s, got %s", TopicOutcomes, producer1.Topic)
	}

	if producer2 := client.GetProducer(TopicOutcomes); producer1 != producer2 {
		t.Error("Expected same producer instance from cache")
	}
	if len(client.writers) != 1 {
		t.Errorf("Expected 1 writer in map, got %d", len(client.writers))
	}
}

func TestKafkaClient_GetConsumer(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, log.Nop())

	consumer1 := client.GetConsumer(TopicOutcomes, GroupTail)
	if consumer2 := client.GetConsumer(TopicOutcomes, GroupTail); consumer1 != consumer2 {
		t.Error("Expected same consumer instance from cache")
	}
	if consumer3 := client.GetConsumer(TopicOutcomes, "other-group"); consumer1 == consumer3 {
		t.Error("Expected different consumer for different group")
	}
	if len(client.readers) != 2 {
		t.Errorf("Expected 2 readers in map, got %d", len(client.readers))
	}
}

func TestKafkaClient_HealthNoBrokers(t *testing.T) {
	client := NewKafkaClient(nil, log.Nop())
	err := client.Health(context.Background())
	if !lmerrors.IsType(err, lmerrors.ErrorTypeConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestKafkaClient_Close(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, log.Nop())

	_ = client.GetProducer("topic1")
	_ = client.GetProducer("topic2")
	_ = client.GetConsumer("topic1", "group1")

	if err := client.Close(); err != nil {
		t.Logf("Close returned error (expected without Kafka): %v", err)
	}
	if len(client.writers) != 0 || len(client.readers) != 0 {
		t.Errorf("maps not cleared: %d writers, %d readers", len(client.writers), len(client.readers))
	}
}

func TestKafkaClient_PublishJSON(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	client := NewKafkaClient([]string{"localhost:9092"}, log.Nop())
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Fails without a broker, which is fine in unit runs
	if err := client.PublishJSON(ctx, TopicOutcomes, "0xA", []byte(`{"state":"started"}`)); err != nil {
		t.Logf("Expected error without Kafka running: %v", err)
	}
}

// TestKafkaClient_ProtoRoundTrip needs a broker in LIGHTMINE_TEST_KAFKA_BROKERS
// that auto-creates topics.
func TestKafkaClient_ProtoRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	brokers := os.Getenv("LIGHTMINE_TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("LIGHTMINE_TEST_KAFKA_BROKERS not set")
	}

	client := NewKafkaClient(strings.Split(brokers, ","), log.Nop())
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	topic := "lightmining.outcomes.test." + time.Now().Format("20060102150405.000000")
	event := NewOutcomeEvent(miner.Outcome{
		Cycle: 9, Wallet: "0xA", State: miner.StateStarted,
		NextEligible: eventStart.Add(24 * time.Hour), Started: eventStart, Finished: eventEnd,
	})
	payload, err := event.ToProto()
	if err != nil {
		t.Fatalf("ToProto() error = %v", err)
	}
	if err := client.PublishProto(ctx, topic, event.Wallet, payload); err != nil {
		t.Fatalf("PublishProto() error = %v", err)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     strings.Split(brokers, ","),
		Topic:       topic,
		Partition:   0,
		StartOffset: kafka.FirstOffset,
		MaxWait:     time.Second,
	})
	defer func() { _ = reader.Close() }()

	got := &structpb.Struct{}
	key, err := client.ConsumeProto(ctx, reader, got)
	if err != nil {
		t.Fatalf("ConsumeProto() error = %v", err)
	}
	if key != "0xA" {
		t.Errorf("key = %q, want 0xA", key)
	}

	decoded, err := OutcomeEventFromProto(got)
	if err != nil {
		t.Fatalf("OutcomeEventFromProto() error = %v", err)
	}
	if decoded.Cycle != 9 || decoded.State != "started" || !decoded.NextEligible.Equal(event.NextEligible) {
		t.Errorf("decoded event = %+v, want %+v", decoded, event)
	}
}

var (
	eventStart = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	eventEnd   = eventStart.Add(1500 * time.Millisecond)
)

func TestNewOutcomeEvent(t *testing.T) {
	tests := []struct {
		name    string
		outcome miner.Outcome
		want    OutcomeEvent
	}{
		{
			name: "activated",
			outcome: miner.Outcome{
				Cycle: 2, Wallet: "0xA", State: miner.StateActivated, TxHash: "0xabc",
				NextEligible: eventStart.Add(24 * time.Hour), Started: eventStart, Finished: eventEnd,
			},
			want: OutcomeEvent{
				Cycle: 2, Wallet: "0xA", State: "activated", TxHash: "0xabc",
				NextEligible: eventStart.Add(24 * time.Hour), StartedAt: eventStart, FinishedAt: eventEnd,
				DurationMs: 1500,
			},
		},
		{
			name: "aborted",
			outcome: miner.Outcome{
				Cycle: 1, Wallet: "0xB", State: miner.StateAborted, AbortedAt: miner.StateNonceRequested,
				Err: errors.New("all proxies failed"), Started: eventStart, Finished: eventEnd,
			},
			want: OutcomeEvent{
				Cycle: 1, Wallet: "0xB", State: "aborted", AbortedAt: "nonce_requested",
				Error: "all proxies failed", StartedAt: eventStart, FinishedAt: eventEnd, DurationMs: 1500,
			},
		},
		{
			name: "not eligible ignores AbortedAt",
			outcome: miner.Outcome{
				Wallet: "0xC", State: miner.StateNotEligible, AbortedAt: miner.StateSigned,
				Started: eventStart, Finished: eventStart,
			},
			want: OutcomeEvent{
				Wallet: "0xC", State: "not_eligible", StartedAt: eventStart, FinishedAt: eventStart,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewOutcomeEvent(tt.outcome); got != tt.want {
				t.Errorf("NewOutcomeEvent() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestOutcomeEventProto(t *testing.T) {
	ev := OutcomeEvent{
		Cycle: 7, Wallet: "0xA", State: "started", Error: "insufficient funds",
		NextEligible: eventStart.Add(24 * time.Hour), StartedAt: eventStart, FinishedAt: eventEnd,
		DurationMs: 1500,
	}

	msg, err := ev.ToProto()
	if err != nil {
		t.Fatalf("ToProto() error = %v", err)
	}
	if _, ok := msg.Fields["tx_hash"]; ok {
		t.Error("empty tx_hash should be omitted")
	}

	data, err := proto.Marshal(msg)
	if err != nil {
		t.Fatalf("proto.Marshal() error = %v", err)
	}
	decoded := &structpb.Struct{}
	if err := proto.Unmarshal(data, decoded); err != nil {
		t.Fatalf("proto.Unmarshal() error = %v", err)
	}

	got, err := OutcomeEventFromProto(decoded)
	if err != nil {
		t.Fatalf("OutcomeEventFromProto() error = %v", err)
	}
	if got.Cycle != 7 || got.State != "started" || got.Error != "insufficient funds" || got.DurationMs != 1500 {
		t.Errorf("decoded event = %+v", got)
	}
	if !got.NextEligible.Equal(ev.NextEligible) || !got.FinishedAt.Equal(eventEnd) {
		t.Errorf("decoded times = %v, %v", got.NextEligible, got.FinishedAt)
	}
}

func TestDecodeOutcomeEventInvalid(t *testing.T) {
	_, err := DecodeOutcomeEvent([]byte("not json"))
	if !lmerrors.IsType(err, lmerrors.ErrorTypeApplication) {
		t.Errorf("expected application error, got %v", err)
	}
}

type fakePublisher struct {
	jsonCalls  []publishedMessage
	protoCalls []publishedMessage
	err        error
}

type publishedMessage struct {
	topic string
	key   string
	data  []byte
	msg   proto.Message
}

func (f *fakePublisher) PublishJSON(_ context.Context, topic, key string, data []byte) error {
	f.jsonCalls = append(f.jsonCalls, publishedMessage{topic: topic, key: key, data: data})
	return f.err
}

func (f *fakePublisher) PublishProto(_ context.Context, topic, key string, msg proto.Message) error {
	f.protoCalls = append(f.protoCalls, publishedMessage{topic: topic, key: key, msg: msg})
	return f.err
}

func TestOutcomePublisher(t *testing.T) {
	outcome := miner.Outcome{Cycle: 1, Wallet: "0xA", State: miner.StateStarted, Started: eventStart, Finished: eventEnd}

	t.Run("json", func(t *testing.T) {
		pub := &fakePublisher{}
		p, err := NewOutcomePublisher(pub, "", "")
		if err != nil {
			t.Fatalf("NewOutcomePublisher() error = %v", err)
		}
		if err := p.Record(context.Background(), outcome); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
		if len(pub.jsonCalls) != 1 || len(pub.protoCalls) != 0 {
			t.Fatalf("calls = %d json, %d proto", len(pub.jsonCalls), len(pub.protoCalls))
		}
		call := pub.jsonCalls[0]
		if call.topic != TopicOutcomes || call.key != "0xA" {
			t.Errorf("published to %s/%s", call.topic, call.key)
		}
		ev, err := DecodeOutcomeEvent(call.data)
		if err != nil || ev.State != "started" {
			t.Errorf("payload = %s, %v", call.data, err)
		}
	})

	t.Run("proto", func(t *testing.T) {
		pub := &fakePublisher{}
		p, err := NewOutcomePublisher(pub, "custom.topic", FormatProto)
		if err != nil {
			t.Fatalf("NewOutcomePublisher() error = %v", err)
		}
		if err := p.Record(context.Background(), outcome); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
		if len(pub.protoCalls) != 1 || pub.protoCalls[0].topic != "custom.topic" {
			t.Fatalf("proto calls = %+v", pub.protoCalls)
		}
		s, ok := pub.protoCalls[0].msg.(*structpb.Struct)
		if !ok || s.Fields["wallet"].GetStringValue() != "0xA" {
			t.Errorf("unexpected message %v", pub.protoCalls[0].msg)
		}
	})

	t.Run("publish error surfaces", func(t *testing.T) {
		pub := &fakePublisher{err: errors.New("broker down")}
		p, _ := NewOutcomePublisher(pub, "", FormatJSON)
		if err := p.Record(context.Background(), outcome); err == nil {
			t.Error("expected publish error")
		}
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := NewOutcomePublisher(&fakePublisher{}, "", "avro")
		if !lmerrors.IsType(err, lmerrors.ErrorTypeConfiguration) {
			t.Errorf("expected configuration error, got %v", err)
		}
	})
}

func TestTailHandler(t *testing.T) {
	h := NewTailHandler(log.Nop())

	ev := OutcomeEvent{Wallet: "0xA", State: "activated", TxHash: "0xabc", StartedAt: eventStart, FinishedAt: eventEnd}
	msg, err := ev.ToProto()
	if err != nil {
		t.Fatalf("ToProto() error = %v", err)
	}

	if err := h.HandleMessage(context.Background(), "0xA", msg); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if err := h.HandleMessage(context.Background(), "0xA", &structpb.Value{}); err == nil {
		t.Error("expected error for wrong message type")
	}
	if h.Seen() != 1 {
		t.Errorf("Seen() = %d, want 1", h.Seen())
	}
	if _, ok := NewEventMessage().(*structpb.Struct); !ok {
		t.Error("NewEventMessage should allocate a Struct")
	}
}

func BenchmarkOutcomeEventProto(b *testing.B) {
	ev := OutcomeEvent{Cycle: 1, Wallet: "0xA", State: "started", StartedAt: eventStart, FinishedAt: eventEnd}
	for i := 0; i < b.N; i++ {
		msg, err := ev.ToProto()
		if err != nil {
			b.Fatal(err)
		}
		if _, err := proto.Marshal(msg); err != nil {
			b.Fatal(err)
		}
	}
}
