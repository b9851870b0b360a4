// Package sink holds the delivery targets for normalized events.
package sink

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Emmyhack/osem-sub002/internal/domain/event"
)

// webhookEvent is one entry of the backend callback body.
type webhookEvent struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Signature string         `json:"signature"`
	Slot      uint64         `json:"slot"`
	Timestamp int64          `json:"timestamp"`
}

func newWebhookEvent(env event.EventEnvelope) webhookEvent {
	data := env.Event.Payload
	if data == nil {
		data = map[string]any{}
	}
	return webhookEvent{
		Type:      env.Kind().String(),
		Data:      data,
		Signature: env.Signature,
		Slot:      env.Slot,
		Timestamp: env.ObservedAt.Unix(),
	}
}

// eventMessage is the self-describing form published to Kafka and the archive.
type eventMessage struct {
	Kind          string          `json:"kind"`
	ProgramID     string          `json:"programId"`
	ProgramLabel  string          `json:"programLabel"`
	Signature     string          `json:"signature"`
	Slot          uint64          `json:"slot"`
	LogIndex      int             `json:"logIndex"`
	Source        string          `json:"source"`
	ObservedAt    time.Time       `json:"observedAt"`
	Payload       json.RawMessage `json:"payload"`
	PayloadDigest string          `json:"payloadDigest"`
}

func newEventMessage(env event.EventEnvelope) (eventMessage, error) {
	raw, digest, err := encodePayload(env.Event.Payload)
	if err != nil {
		return eventMessage{}, err
	}
	return eventMessage{
		Kind:          env.Kind().String(),
		ProgramID:     env.ProgramID,
		ProgramLabel:  env.Event.ProgramLabel,
		Signature:     env.Signature,
		Slot:          env.Slot,
		LogIndex:      env.Event.LogIndex,
		Source:        string(env.Source),
		ObservedAt:    env.ObservedAt.UTC(),
		Payload:       raw,
		PayloadDigest: digest,
	}, nil
}

// encodePayload returns the payload JSON as decoded (numbers keep their
// original digits) and the SHA-256 of its RFC 8785 canonical form.
func encodePayload(payload map[string]any) (json.RawMessage, string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return raw, hex.EncodeToString(sum[:]), nil
}
