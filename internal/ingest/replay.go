package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"classwatch/internal/config"
	"classwatch/internal/model"
	"classwatch/internal/normalize"
)

// Replay reads a recorded NDJSON detection file and calls fn for every
// frame in order. Unlike the live sources it never drops frames; a
// malformed line stops the replay with its line number.
func Replay(ctx context.Context, r io.Reader, cfg *config.Config, fn func(model.Frame) error) (int, error) {
	parser := NewParser()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 8192), 4*1024*1024)
	n, lineNo := 0, 0
	for scanner.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return n, err
		}
		fields, err := parser.ParseLine(scanner.Text())
		if err != nil {
			return n, fmt.Errorf("line %d: %w", lineNo, err)
		}
		for _, f := range fields {
			frame, err := normalize.Normalize(f, cfg, SourceReplay)
			if err != nil {
				return n, fmt.Errorf("line %d: %w", lineNo, err)
			}
			if err := fn(frame); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, scanner.Err()
}
