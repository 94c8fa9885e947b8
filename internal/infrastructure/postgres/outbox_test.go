package postgres

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDeadLetter(t *testing.T) {
	lastErr := "broker unavailable"
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	entry := &OutboxEntry{
		ID:            7,
		AggregateID:   "calc-1",
		AggregateType: "DosageCalculation",
		EventType:     "DosageCalculated",
		Payload:       json.RawMessage(`{"calculation_id":"calc-1"}`),
		KafkaTopic:    "dosage.calculations",
		KafkaKey:      "calc-1",
		CreatedAt:     created,
		RetryCount:    5,
		LastError:     &lastErr,
	}

	var got map[string]interface{}
	if err := json.Unmarshal(DeadLetter(entry), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got["original_topic"] != "dosage.calculations" || got["event_type"] != "DosageCalculated" {
		t.Errorf("routing fields = %v", got)
	}
	if got["retry_count"].(float64) != 5 || got["last_error"] != lastErr {
		t.Errorf("failure fields = %v", got)
	}
	payload, ok := got["payload"].(map[string]interface{})
	if !ok || payload["calculation_id"] != "calc-1" {
		t.Errorf("payload should be embedded as JSON, got %v", got["payload"])
	}
}

func TestNewRelayDefaultsDeadLetterTopic(t *testing.T) {
	cfg := DefaultRelayConfig()
	cfg.DeadLetterTopic = ""
	r := NewRelay(nil, nil, cfg, nil)
	if r.config.DeadLetterTopic != "dead.letter" {
		t.Errorf("dead letter topic = %q", r.config.DeadLetterTopic)
	}
}
