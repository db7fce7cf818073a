package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"govoracle/internal/config"
	"govoracle/internal/model"
)

func decision(i int, at time.Time) model.Decision {
	return model.Decision{RequestID: fmt.Sprintf("req-%d", i), OrgID: "org-1", Outcome: model.OutcomeAllow, DecidedAt: at}
}

func TestLogRingBuffer(t *testing.T) {
	l := NewLog(3)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		l.Add(decision(i, base.Add(time.Duration(i)*time.Minute)))
	}
	all := l.List(0)
	if len(all) != 3 || all[0].RequestID != "req-2" || all[2].RequestID != "req-4" {
		t.Fatalf("unexpected buffer: %+v", all)
	}
	last := l.List(1)
	if len(last) != 1 || last[0].RequestID != "req-4" {
		t.Fatalf("unexpected tail: %+v", last)
	}
	if got := l.Since(base.Add(3 * time.Minute)); len(got) != 2 {
		t.Fatalf("expected 2 since +3m, got %d", len(got))
	}
	if _, ok := l.Get("req-3"); !ok {
		t.Fatalf("expected req-3")
	}
	if _, ok := l.Get("req-0"); ok {
		t.Fatalf("req-0 should have been evicted")
	}
	l.Clear()
	if len(l.List(0)) != 0 {
		t.Fatalf("expected empty log")
	}
}

type captureWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureWriter) Close() error {
	c.closed = true
	return nil
}

func TestKafkaPublisherMessage(t *testing.T) {
	w := &captureWriter{}
	p := &KafkaPublisher{w: w}
	d := decision(7, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	d.Outcome = model.OutcomeBlock
	if err := p.Publish(context.Background(), d); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "org-1" {
		t.Fatalf("unexpected messages: %+v", w.msgs)
	}
	var got model.Decision
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.RequestID != "req-7" || got.Outcome != model.OutcomeBlock {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if err := p.Close(); err != nil || !w.closed {
		t.Fatalf("expected writer closed")
	}
}

func TestKafkaPublisherConfig(t *testing.T) {
	p, err := NewKafkaPublisher(config.KafkaTopicConfig{}, nil)
	if err != nil || p != nil {
		t.Fatalf("disabled publisher must be nil, got %v %v", p, err)
	}
	if _, err := NewKafkaPublisher(config.KafkaTopicConfig{Enabled: true}, nil); err == nil {
		t.Fatalf("expected error without brokers")
	}
}
