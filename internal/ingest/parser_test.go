package ingest

import "testing"

func TestParsePlainText(t *testing.T) {
	p := NewParser()
	r, err := p.ParseLine(`event_id=ev-42 reviewer=alice ticket="SEC 7"`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if r.EventID != "ev-42" || r.Reviewer != "alice" || r.Ticket != "SEC 7" {
		t.Fatalf("unexpected review: %+v", r)
	}
}

func TestParsePlainBareEventID(t *testing.T) {
	p := NewParser()
	r, err := p.ParseLine("ev-42 by=bob")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if r.EventID != "ev-42" || r.Reviewer != "bob" {
		t.Fatalf("unexpected review: %+v", r)
	}
}

func TestParseCSV(t *testing.T) {
	p := NewParser()
	if r, _ := p.ParseLine("ticket,event_id,reviewer"); r != nil {
		t.Fatalf("expected header to return nil")
	}
	r, err := p.ParseLine("SEC-1, ev-7, carol")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if r.EventID != "ev-7" || r.Reviewer != "carol" || r.Ticket != "SEC-1" {
		t.Fatalf("csv parse mismatch: %+v", r)
	}
}

func TestParseCSVPositional(t *testing.T) {
	p := NewParser()
	r, err := p.ParseLine("ev-7,carol,SEC-1")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if r.EventID != "ev-7" || r.Reviewer != "carol" || r.Ticket != "SEC-1" {
		t.Fatalf("csv parse mismatch: %+v", r)
	}
}

func TestParseJSON(t *testing.T) {
	p := NewParser()
	r, err := p.ParseLine(`{"event":"ev-9","reviewed_by":"dave","ticket":null}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if r.EventID != "ev-9" || r.Reviewer != "dave" || r.Ticket != "" {
		t.Fatalf("json parse mismatch: %+v", r)
	}
}

func TestParseSkipsAndRejects(t *testing.T) {
	p := NewParser()
	for _, line := range []string{"", "   ", "# comment"} {
		if r, err := p.ParseLine(line); r != nil || err != nil {
			t.Fatalf("%q: expected skip, got %+v %v", line, r, err)
		}
	}
	for _, line := range []string{`{"reviewer":"x"}`, "reviewer=x", `{not json`} {
		if _, err := p.ParseLine(line); err == nil {
			t.Fatalf("%q: expected error", line)
		}
	}
}
