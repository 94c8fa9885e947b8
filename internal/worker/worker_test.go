package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drfirst/go-dosecalc/internal/catalog"
	"github.com/drfirst/go-dosecalc/internal/domain/calculation"
	"github.com/drfirst/go-dosecalc/internal/domain/dosing"
	"github.com/drfirst/go-dosecalc/internal/infrastructure/redpanda"
	"github.com/drfirst/go-dosecalc/pkg/idempotency"
)

type published struct {
	topic, key string
	value      []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *fakePublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{topic, key, value})
	return nil
}

func (p *fakePublisher) last(t *testing.T) published {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		t.Fatal("nothing published")
	}
	return p.sent[len(p.sent)-1]
}

// memInbox mirrors the inbox state machine without a database
type memInbox struct {
	mu      sync.Mutex
	results map[string]json.RawMessage
	failed  map[string]bool
	runs    int
}

func newMemInbox() *memInbox {
	return &memInbox{results: make(map[string]json.RawMessage), failed: make(map[string]bool)}
}

func (m *memInbox) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.results[key]; ok {
		return &idempotency.ProcessResult{Result: r}, nil
	}
	if m.failed[key] {
		return nil, idempotency.ErrPreviouslyFailed
	}
	m.runs++
	r, err := fn(ctx, payload)
	if err != nil {
		if idempotency.IsTerminal(err) {
			m.failed[key] = true
		}
		return nil, err
	}
	m.results[key] = r
	return &idempotency.ProcessResult{IsNew: true, Result: r}, nil
}

type failingCalculator struct{ err error }

func (f failingCalculator) Calculate(ctx context.Context, req calculation.Request) (*calculation.Outcome, error) {
	return nil, f.err
}

func newService(t *testing.T) *calculation.Service {
	t.Helper()
	c, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	svc, err := calculation.NewService(c, nil, nil, calculation.Config{Workers: 1, QueueSize: 4}, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func newWorker(t *testing.T, calc Calculator, inbox Deduper, pub Publisher) *Worker {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Workers = 2
	w, err := New(calc, inbox, pub, cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Start()
	t.Cleanup(func() { w.Stop() })
	return w
}

func message(t *testing.T, req RequestMessage) *redpanda.ConsumedMessage {
	t.Helper()
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return &redpanda.ConsumedMessage{
		Topic:     redpanda.TopicRequests,
		Key:       []byte(req.RequestID),
		Value:     b,
		Timestamp: time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC),
	}
}

func vitals() dosing.PatientVitals {
	return dosing.PatientVitals{
		HeightCm: 170, WeightKg: 75, AgeYears: 45, Sex: dosing.SexMale,
		SerumCreatinineMgDl: 1.2, ALTUL: 35, ASTUL: 30, BilirubinMgDl: 0.8, AlbuminGDl: 4.2,
	}
}

func decodeResult(t *testing.T, p published) ResultMessage {
	t.Helper()
	var r ResultMessage
	if err := json.Unmarshal(p.value, &r); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return r
}

func TestHandleOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		req        RequestMessage
		wantStatus string
	}{
		{
			name:       "calculated",
			req:        RequestMessage{RequestID: "r1", DrugName: "Sertraline", Indication: "Depression", Vitals: vitals()},
			wantStatus: "calculated",
		},
		{
			name:       "rejected",
			req:        RequestMessage{RequestID: "r2", DrugName: "Sertraline", Indication: "Depression", Vitals: dosing.PatientVitals{Sex: dosing.SexMale}},
			wantStatus: "rejected",
		},
		{
			name: "contraindicated",
			req: RequestMessage{RequestID: "r3", DrugName: "Lithium carbonate", Indication: "Bipolar disorder",
				Vitals: func() dosing.PatientVitals { v := vitals(); v.AgeYears = 60; v.SerumCreatinineMgDl = 6; return v }()},
			wantStatus: "contraindicated",
		},
		{
			name:       "unknown drug",
			req:        RequestMessage{RequestID: "r4", DrugName: "Placebo", Indication: "None", Vitals: vitals()},
			wantStatus: StatusNotFound,
		},
	}

	pub := &fakePublisher{}
	w := newWorker(t, newService(t), newMemInbox(), pub)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := w.Handle(context.Background(), message(t, tt.req)); err != nil {
				t.Fatalf("Handle: %v", err)
			}
			p := pub.last(t)
			if p.topic != redpanda.TopicResults || p.key != tt.req.RequestID {
				t.Errorf("published to %s/%s", p.topic, p.key)
			}
			r := decodeResult(t, p)
			if r.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s (%s)", r.Status, tt.wantStatus, r.Error)
			}
			if tt.wantStatus == "calculated" && (r.Result == nil || r.Result.AdjustedDoseMg != 50) {
				t.Errorf("result = %+v", r.Result)
			}
			if tt.wantStatus == "rejected" && len(r.Violations) == 0 {
				t.Error("rejected result should list violations")
			}
		})
	}
}

func TestHandleDeduplicates(t *testing.T) {
	pub := &fakePublisher{}
	inbox := newMemInbox()
	w := newWorker(t, newService(t), inbox, pub)

	// no request_id: the key is derived from the request
	msg := message(t, RequestMessage{ClientID: "clinic-a", PatientRef: "MRN-1", DrugName: "Sertraline", Indication: "Depression", Vitals: vitals()})
	for i := 0; i < 2; i++ {
		if err := w.Handle(context.Background(), msg); err != nil {
			t.Fatalf("Handle #%d: %v", i, err)
		}
	}

	if inbox.runs != 1 {
		t.Errorf("calculation ran %d times, want 1", inbox.runs)
	}
	if len(pub.sent) != 2 || string(pub.sent[0].value) != string(pub.sent[1].value) {
		t.Error("duplicate should republish the stored result")
	}
	body, _ := json.Marshal(vitals())
	wantKey := idempotency.GenerateKey("clinic-a", "MRN-1", "Sertraline", "Depression", msg.Timestamp, body)
	if pub.sent[0].key != wantKey {
		t.Errorf("key = %s, want %s", pub.sent[0].key, wantKey)
	}
}

func TestHandleCorrectedVitalsAreRecalculated(t *testing.T) {
	pub := &fakePublisher{}
	inbox := newMemInbox()
	w := newWorker(t, newService(t), inbox, pub)

	at := time.Date(2025, 4, 1, 9, 0, 5, 0, time.UTC)
	first := RequestMessage{ClientID: "clinic-a", PatientRef: "MRN-7", DrugName: "Lithium carbonate", Indication: "Bipolar disorder",
		Vitals: vitals(), RequestedAt: at}
	corrected := first
	corrected.Vitals.AgeYears = 60
	corrected.Vitals.SerumCreatinineMgDl = 1.5
	corrected.RequestedAt = at.Add(30 * time.Second)

	for _, req := range []RequestMessage{first, corrected} {
		if err := w.Handle(context.Background(), message(t, req)); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}

	if inbox.runs != 2 {
		t.Fatalf("calculation ran %d times, want 2", inbox.runs)
	}
	if pub.sent[0].key == pub.sent[1].key {
		t.Error("corrected vitals should derive a new key")
	}
	want := []struct {
		dose  float64
		renal dosing.RenalCategory
	}{{675, dosing.RenalMild}, {450, dosing.RenalModerate}}
	for i, p := range pub.sent {
		r := decodeResult(t, p)
		if r.Result == nil {
			t.Fatalf("result #%d: %s %s", i, r.Status, r.Error)
		}
		if r.Result.AdjustedDoseMg != want[i].dose || r.Result.RenalCategory != want[i].renal {
			t.Errorf("result #%d = %v mg (%s), want %v mg (%s)",
				i, r.Result.AdjustedDoseMg, r.Result.RenalCategory, want[i].dose, want[i].renal)
		}
	}
}

func TestHandleMalformedIsDeadLettered(t *testing.T) {
	pub := &fakePublisher{}
	w := newWorker(t, newService(t), nil, pub)

	msg := &redpanda.ConsumedMessage{Topic: redpanda.TopicRequests, Offset: 9, Key: []byte("k"), Value: []byte("not json")}
	if err := w.Handle(context.Background(), msg); err != nil {
		t.Fatalf("malformed record should not be redelivered: %v", err)
	}

	p := pub.last(t)
	if p.topic != redpanda.TopicDeadLetter {
		t.Fatalf("topic = %s", p.topic)
	}
	var dl map[string]interface{}
	json.Unmarshal(p.value, &dl)
	if dl["raw"] != "not json" || dl["offset"].(float64) != 9 {
		t.Errorf("dead letter = %v", dl)
	}
}

func TestHandleDeadLetterFailureIsRedelivered(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	w := newWorker(t, newService(t), nil, pub)

	msg := &redpanda.ConsumedMessage{Topic: redpanda.TopicRequests, Offset: 11, Key: []byte("k"), Value: []byte("{")}
	if err := w.Handle(context.Background(), msg); err == nil {
		t.Fatal("a record that could not be dead-lettered must not be committed")
	}
	if err := w.DeadLetter(context.Background(), msg, errors.New("bad record")); err == nil {
		t.Error("DeadLetter should report the publish failure")
	}
}

func TestHandleTransientFailureIsRetried(t *testing.T) {
	pub := &fakePublisher{}
	down := errors.New("database down")
	w := newWorker(t, failingCalculator{err: down}, nil, pub)

	err := w.Handle(context.Background(), message(t, RequestMessage{RequestID: "r9", DrugName: "Sertraline", Indication: "Depression", Vitals: vitals()}))
	if !errors.Is(err, down) {
		t.Fatalf("Handle = %v, want the store error for redelivery", err)
	}
	if len(pub.sent) != 0 {
		t.Errorf("nothing should be published, got %d", len(pub.sent))
	}
}

func TestHandlePublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	w := newWorker(t, newService(t), nil, pub)

	err := w.Handle(context.Background(), message(t, RequestMessage{RequestID: "r5", DrugName: "Sertraline", Indication: "Depression", Vitals: vitals()}))
	if err == nil {
		t.Fatal("publish failure should be returned for redelivery")
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(nil, nil, &fakePublisher{}, DefaultConfig(), nil); err == nil {
		t.Error("expected error without calculator")
	}
}
