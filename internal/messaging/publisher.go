package messaging

import (
	"context"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/lightmine/internal/miner"
	"github.com/bardlex/lightmine/pkg/errors"
	"github.com/bardlex/lightmine/pkg/log"
)

// Publisher is the subset of KafkaClient an OutcomePublisher needs
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, data []byte) error
	PublishProto(ctx context.Context, topic, key string, msg proto.Message) error
}

// OutcomePublisher records outcomes as Kafka events keyed by wallet address
type OutcomePublisher struct {
	pub    Publisher
	topic  string
	format string
}

// NewOutcomePublisher checks the format and defaults the topic
func NewOutcomePublisher(pub Publisher, topic, format string) (*OutcomePublisher, error) {
	if topic == "" {
		topic = TopicOutcomes
	}
	switch format {
	case "":
		format = FormatJSON
	case FormatJSON, FormatProto:
	default:
		return nil, errors.New(errors.ErrorTypeConfiguration, "outcome_publisher", "unknown event format").
			WithContext("format", format)
	}
	return &OutcomePublisher{pub: pub, topic: topic, format: format}, nil
}

// Record publishes o. Keying by wallet keeps one wallet's events ordered.
func (p *OutcomePublisher) Record(ctx context.Context, o miner.Outcome) error {
	ev := NewOutcomeEvent(o)

	if p.format == FormatProto {
		msg, err := ev.ToProto()
		if err != nil {
			return err
		}
		return p.pub.PublishProto(ctx, p.topic, ev.Wallet, msg)
	}

	data, err := ev.Encode()
	if err != nil {
		return err
	}
	return p.pub.PublishJSON(ctx, p.topic, ev.Wallet, data)
}

// TailHandler logs outcome events read back from Kafka
type TailHandler struct {
	logger *log.Logger
	seen   int
}

// NewTailHandler creates a handler logging through logger
func NewTailHandler(logger *log.Logger) *TailHandler {
	return &TailHandler{logger: logger.WithComponent("tail")}
}

// NewEventMessage allocates the message type tailed events decode into
func NewEventMessage() proto.Message {
	return &structpb.Struct{}
}

// HandleMessage decodes a proto outcome event and logs it
func (h *TailHandler) HandleMessage(_ context.Context, key string, msg proto.Message) error {
	s, ok := msg.(*structpb.Struct)
	if !ok {
		return errors.New(errors.ErrorTypeApplication, "tail", "unexpected message type")
	}

	ev, err := OutcomeEventFromProto(s)
	if err != nil {
		return err
	}

	h.seen++
	h.logger.LogOutcome(key, ev.State, ev.NextEligible, ev.TxHash, nil)
	if ev.Error != "" {
		h.logger.Warn("outcome carried error", "wallet", key, "cycle", ev.Cycle, "error", ev.Error)
	}
	return nil
}

// Seen returns how many events were handled
func (h *TailHandler) Seen() int {
	return h.seen
}
