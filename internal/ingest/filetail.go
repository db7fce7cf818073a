package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// ImportFile applies every review in a file, one per line. Parse and apply
// failures are counted and logged; only I/O errors abort the import.
func ImportFile(ctx context.Context, path string, applier *Applier, logger *slog.Logger) (ReviewResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReviewResult{}, err
	}
	defer f.Close()
	return importReader(ctx, f, path, applier, logger)
}

func importReader(ctx context.Context, r io.Reader, name string, applier *Applier, logger *slog.Logger) (ReviewResult, error) {
	var res ReviewResult
	parser := NewParser()
	reader := bufio.NewReader(r)
	lineNo := 0
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			lineNo++
			importLine(ctx, parser, line, lineNo, name, applier, logger, &res)
		}
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			return res, err
		}
	}
}

func importLine(ctx context.Context, parser *Parser, line string, lineNo int, name string, applier *Applier, logger *slog.Logger, res *ReviewResult) {
	rv, err := parser.ParseLine(line)
	if err != nil {
		res.Failed++
		res.Errors = append(res.Errors, fmt.Sprintf("%s:%d: %v", name, lineNo, err))
		if logger != nil {
			logger.Warn("review line unparseable", "path", name, "line", lineNo, "err", err)
		}
		return
	}
	if rv == nil {
		return
	}
	if rv.Source == "" {
		rv.Source = "file"
	}
	if err := applier.Apply(ctx, *rv); err != nil {
		res.Failed++
		res.Errors = append(res.Errors, fmt.Sprintf("%s:%d: %v", name, lineNo, err))
		return
	}
	res.Accepted++
}
