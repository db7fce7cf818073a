package ingest

import (
	"encoding/csv"
	"errors"
	"regexp"
	"strings"
)

var reKV = regexp.MustCompile(`(?i)([a-zA-Z_]+)=("[^"]*"|[^\s,]+)`)

var errNoEventID = errors.New("review has no event id")

// Parser reads one review per line. JSON objects, CSV (with or without a
// header row) and key=value text are accepted.
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

// ParseLine returns nil, nil for blank lines and CSV headers.
func (p *Parser) ParseLine(line string) (*Review, error) {
	trim := strings.TrimSpace(line)
	if trim == "" || strings.HasPrefix(trim, "#") {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		r, err := ParseJSONBytes([]byte(trim))
		if err != nil {
			return nil, err
		}
		return finish(r, line)
	}
	if strings.Contains(trim, ",") && !reKV.MatchString(trim) {
		r, err := p.csv.Parse(trim)
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, nil
		}
		return finish(r, line)
	}
	return finish(parsePlain(trim), line)
}

func finish(r *Review, raw string) (*Review, error) {
	if r.EventID == "" {
		return nil, errNoEventID
	}
	r.Raw = raw
	return r, nil
}

func looksLikeJSON(s string) bool {
	return strings.HasPrefix(s, "{")
}

// parsePlain reads key=value pairs. A bare leading token is taken as the
// event id when no key names one.
func parsePlain(line string) *Review {
	kv := map[string]string{}
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		kv[strings.ToLower(match[1])] = strings.Trim(match[2], `"`)
	}
	r := reviewFrom(kv)
	if r.EventID == "" {
		rest := strings.TrimSpace(reKV.ReplaceAllString(line, ""))
		if tokens := strings.Fields(rest); len(tokens) > 0 {
			r.EventID = tokens[0]
		}
	}
	return r
}

func reviewFrom(kv map[string]string) *Review {
	return &Review{
		EventID:  firstNonEmpty(kv, "event_id", "eventid", "event", "id"),
		Reviewer: firstNonEmpty(kv, "reviewer", "reviewed_by", "user", "by"),
		Ticket:   firstNonEmpty(kv, "ticket", "ticket_id", "issue", "ref"),
		Source:   firstNonEmpty(kv, "source"),
	}
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Parse(line string) (*Review, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	kv := map[string]string{}
	if p.header != nil {
		for i, name := range p.header {
			if i >= len(record) {
				break
			}
			kv[name] = record[i]
		}
	} else {
		for i, name := range []string{"event_id", "reviewer", "ticket"} {
			if i < len(record) {
				kv[name] = record[i]
			}
		}
	}
	return reviewFrom(kv), nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "event_id", "eventid", "event", "reviewer", "reviewed_by", "ticket", "ticket_id":
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}
