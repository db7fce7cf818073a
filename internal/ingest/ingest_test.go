package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"govoracle/internal/faults"
	"govoracle/internal/model"
	"govoracle/internal/storage"
)

type recordingSink struct {
	mu    sync.Mutex
	calls []Review
	errs  []error
}

func (s *recordingSink) MarkFalsePositive(_ context.Context, eventID, reviewer, ticket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Review{EventID: eventID, Reviewer: reviewer, Ticket: ticket})
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func fastApplier(sink ReviewSink) *Applier {
	a := NewApplier(sink, nil)
	a.backoff = time.Millisecond
	return a
}

func seedEvent(t *testing.T, fp storage.FPStore, id string) {
	t.Helper()
	err := fp.RecordEvent(context.Background(), model.FPEvent{
		EventID:   id,
		RuleID:    "secrets.aws",
		FindingID: "f-" + id,
		Outcome:   model.OutcomeBlock,
		Context:   model.EventContext{OrgID: "org-1"},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestApplierMarksEvent(t *testing.T) {
	b := storage.NewMemory(storage.Options{})
	seedEvent(t, b.FP, "ev-1")
	a := fastApplier(b.FP)
	if err := a.Apply(context.Background(), Review{EventID: "ev-1", Reviewer: "alice", Ticket: "SEC-1"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	fp, err := b.FP.IsFalsePositive(context.Background(), "org-1", "secrets.aws", "f-ev-1")
	if err != nil || !fp {
		t.Fatalf("expected event marked, got %v %v", fp, err)
	}
	err = a.Apply(context.Background(), Review{EventID: "ev-missing", Reviewer: "alice"})
	if !faults.HasCode(err, faults.CodeEventNotFound) {
		t.Fatalf("expected EVENT_NOT_FOUND, got %v", err)
	}
	if s := a.Stats(); s.Applied != 1 || s.Rejected != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestApplierDropsRedelivery(t *testing.T) {
	sink := &recordingSink{}
	a := fastApplier(sink)
	r := Review{EventID: "ev-1", Reviewer: "alice"}
	for i := 0; i < 3; i++ {
		if err := a.Apply(context.Background(), r); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if sink.count() != 1 || a.Stats().Duplicates != 2 {
		t.Fatalf("expected one store call and two duplicates, got %d %+v", sink.count(), a.Stats())
	}
}

func TestApplierRetriesTransientErrors(t *testing.T) {
	transient := faults.New("FPStoreError", faults.CodeWriteFailed, "down")
	sink := &recordingSink{errs: []error{transient, transient}}
	a := fastApplier(sink)
	if err := a.Apply(context.Background(), Review{EventID: "ev-1", Reviewer: "alice"}); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if sink.count() != 3 {
		t.Fatalf("expected 3 attempts, got %d", sink.count())
	}

	sink = &recordingSink{errs: []error{transient, transient, transient}}
	a = fastApplier(sink)
	r := Review{EventID: "ev-2", Reviewer: "alice"}
	if err := a.Apply(context.Background(), r); !faults.HasCode(err, faults.CodeWriteFailed) {
		t.Fatalf("expected WRITE_FAILED after retries, got %v", err)
	}
	if a.Stats().Failed != 1 {
		t.Fatalf("expected failure counted, got %+v", a.Stats())
	}
	// A failed review may be redelivered.
	if err := a.Apply(context.Background(), r); err != nil {
		t.Fatalf("expected redelivery to apply, got %v", err)
	}
}

func TestApplierValidation(t *testing.T) {
	sink := &recordingSink{}
	a := fastApplier(sink)
	err := a.Apply(context.Background(), Review{EventID: " ", Reviewer: "alice"})
	if !faults.HasCode(err, faults.CodeValidation) || sink.count() != 0 {
		t.Fatalf("expected validation error without store call, got %v", err)
	}
}

type fakeReader struct {
	msgs   chan kafka.Message
	closed chan struct{}
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-f.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (f *fakeReader) Close() error {
	close(f.closed)
	return nil
}

func TestConsumeAppliesReviews(t *testing.T) {
	sink := &recordingSink{}
	reader := &fakeReader{msgs: make(chan kafka.Message, 4), closed: make(chan struct{})}
	reader.msgs <- kafka.Message{Value: []byte(`{"event_id":"ev-1","reviewer":"alice"}`)}
	reader.msgs <- kafka.Message{Value: []byte("garbage without id=")}
	reader.msgs <- kafka.Message{Value: []byte("event_id=ev-2 reviewer=bob")}

	ctx, cancel := context.WithCancel(context.Background())
	go consume(ctx, reader, NewParser(), fastApplier(sink), nil)

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-reader.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("consumer did not close reader on cancel")
	}
	if sink.count() != 2 || sink.calls[0].EventID != "ev-1" || sink.calls[1].EventID != "ev-2" {
		t.Fatalf("unexpected calls: %+v", sink.calls)
	}
}

func TestReviewHandler(t *testing.T) {
	sink := &recordingSink{}
	h := NewReviewHandler(fastApplier(sink), nil)

	body := "event_id,reviewer,ticket\nev-1,alice,SEC-1\nev-2,bob,\n"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/fp/reviews", strings.NewReader(body)))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"accepted":2`) {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/fp/reviews", strings.NewReader("{\n  \"event_id\": \"ev-3\",\n  \"reviewer\": \"carol\"\n}")))
	if rec.Code != http.StatusOK || sink.count() != 3 {
		t.Fatalf("expected pretty JSON accepted, got %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/fp/reviews", strings.NewReader(`[{"reviewer":"x"}]`)))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 when nothing applies, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fp/reviews", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestImportReader(t *testing.T) {
	sink := &recordingSink{errs: []error{nil, faults.New("FPStoreError", faults.CodeEventNotFound, "missing")}}
	input := "# exported reviews\nev-1 reviewer=alice\nev-2 reviewer=bob\nreviewer=nobody\nev-3 reviewer=carol"
	res, err := importReader(context.Background(), strings.NewReader(input), "reviews.txt", fastApplier(sink), nil)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Accepted != 2 || res.Failed != 2 || len(res.Errors) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.HasPrefix(res.Errors[0], "reviews.txt:3:") {
		t.Fatalf("errors must carry file and line, got %v", res.Errors)
	}
}

func TestBackoffSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if BackoffSleep(ctx, time.Hour) {
		t.Fatalf("expected cancelled sleep to return false")
	}
	if !errors.Is(ctx.Err(), context.Canceled) {
		t.Fatalf("unexpected ctx state")
	}
}
