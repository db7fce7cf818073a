package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

type ReviewResult struct {
	Accepted int      `json:"accepted"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// ReviewHandler accepts reviews over HTTP: a JSON object, a JSON array of
// objects, or one review per line in any format Parser understands.
type ReviewHandler struct {
	applier *Applier
	logger  *slog.Logger
}

func NewReviewHandler(applier *Applier, logger *slog.Logger) *ReviewHandler {
	return &ReviewHandler{applier: applier, logger: logger}
}

func (h *ReviewHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var reviews []Review
	var parseErrs []string
	var single map[string]interface{}
	if trim[0] == '{' && json.Unmarshal(trim, &single) == nil {
		reviews = append(reviews, *ParseJSONMap(single))
	} else if trim[0] == '[' {
		var list []map[string]interface{}
		if err := json.Unmarshal(trim, &list); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, obj := range list {
			reviews = append(reviews, *ParseJSONMap(obj))
		}
	} else {
		parser := NewParser()
		sc := bufio.NewScanner(bytes.NewReader(trim))
		for sc.Scan() {
			rv, err := parser.ParseLine(sc.Text())
			if err != nil {
				parseErrs = append(parseErrs, err.Error())
				continue
			}
			if rv != nil {
				reviews = append(reviews, *rv)
			}
		}
	}

	res := ReviewResult{Failed: len(parseErrs), Errors: parseErrs}
	for _, rv := range reviews {
		if rv.Source == "" {
			rv.Source = "rest"
		}
		if err := h.applier.Apply(r.Context(), rv); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.Accepted++
	}
	w.Header().Set("Content-Type", "application/json")
	if res.Accepted == 0 && res.Failed > 0 {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	_ = json.NewEncoder(w).Encode(res)
}
