package messaging

import (
	"encoding/json"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/lightmine/internal/miner"
	"github.com/bardlex/lightmine/pkg/errors"
)

// OutcomeEvent is the wire form of one wallet's pass through a cycle
type OutcomeEvent struct {
	Cycle        int64     `json:"cycle"`
	Wallet       string    `json:"wallet"`
	State        string    `json:"state"`
	AbortedAt    string    `json:"aborted_at,omitempty"`
	LastMined    time.Time `json:"last_mined,omitzero"`
	NextEligible time.Time `json:"next_eligible,omitzero"`
	TxHash       string    `json:"tx_hash,omitempty"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	DurationMs   int64     `json:"duration_ms"`
}

// NewOutcomeEvent converts an outcome to its event form
func NewOutcomeEvent(o miner.Outcome) OutcomeEvent {
	ev := OutcomeEvent{
		Cycle:        o.Cycle,
		Wallet:       o.Wallet,
		State:        o.State.String(),
		LastMined:    o.LastMined,
		NextEligible: o.NextEligible,
		TxHash:       o.TxHash,
		StartedAt:    o.Started,
		FinishedAt:   o.Finished,
		DurationMs:   o.Duration().Milliseconds(),
	}
	if o.State == miner.StateAborted {
		ev.AbortedAt = o.AbortedAt.String()
	}
	if o.Err != nil {
		ev.Error = o.Err.Error()
	}
	return ev
}

// ToProto encodes the event as a protobuf Struct. Times are RFC 3339 strings.
func (e OutcomeEvent) ToProto() (*structpb.Struct, error) {
	fields := map[string]any{
		"cycle":       e.Cycle,
		"wallet":      e.Wallet,
		"state":       e.State,
		"started_at":  e.StartedAt.UTC().Format(time.RFC3339Nano),
		"finished_at": e.FinishedAt.UTC().Format(time.RFC3339Nano),
		"duration_ms": e.DurationMs,
	}
	optional := map[string]string{
		"aborted_at": e.AbortedAt,
		"tx_hash":    e.TxHash,
		"error":      e.Error,
	}
	for k, v := range optional {
		if v != "" {
			fields[k] = v
		}
	}
	if !e.LastMined.IsZero() {
		fields["last_mined"] = e.LastMined.UTC().Format(time.RFC3339Nano)
	}
	if !e.NextEligible.IsZero() {
		fields["next_eligible"] = e.NextEligible.UTC().Format(time.RFC3339Nano)
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "outcome_to_proto", "failed to build event struct")
	}
	return s, nil
}

// OutcomeEventFromProto decodes an event written by ToProto
func OutcomeEventFromProto(s *structpb.Struct) (OutcomeEvent, error) {
	data, err := s.MarshalJSON()
	if err != nil {
		return OutcomeEvent{}, errors.Wrap(err, errors.ErrorTypeApplication, "outcome_from_proto", "failed to read event struct")
	}
	return DecodeOutcomeEvent(data)
}

// Encode returns the JSON form of the event
func (e OutcomeEvent) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "outcome_encode", "failed to encode event")
	}
	return data, nil
}

// DecodeOutcomeEvent parses the JSON form of an event
func DecodeOutcomeEvent(data []byte) (OutcomeEvent, error) {
	var ev OutcomeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return OutcomeEvent{}, errors.Wrap(err, errors.ErrorTypeApplication, "outcome_decode", "failed to decode event")
	}
	return ev, nil
}
