package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

func StartFileTail(ctx context.Context, p *Pipeline, logger *slog.Logger) {
	current := p.Config().Get().Ingest.FileTail
	if !current.Enabled {
		if logger != nil {
			logger.Info("file tail ingest disabled")
		}
		return
	}
	for _, path := range current.Files {
		if logger != nil {
			logger.Info("file tail ingest enabled", "path", path, "start_at_end", current.StartAtEnd)
		}
		go tailFile(ctx, path, current.StartAtEnd, p, logger)
	}
}

// tailFile follows path like tail -F: it reopens the file after
// truncation and keeps polling at EOF.
func tailFile(ctx context.Context, path string, startAtEnd bool, p *Pipeline, logger *slog.Logger) {
	var file *os.File
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if file == nil {
			f, err := os.Open(path)
			if err != nil {
				if logger != nil {
					logger.Warn("tail open failed", "path", path, "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			file = f
			offset = 0
			if startAtEnd {
				if pos, err := file.Seek(0, io.SeekEnd); err == nil {
					offset = pos
				}
			}
		}

		reader := bufio.NewReader(file)
		var partial string
		for {
			chunk, err := reader.ReadString('\n')
			if err != nil {
				// Keep an unterminated line until the writer finishes it.
				partial += chunk
				if err == io.EOF {
					if !BackoffSleep(ctx, 200*time.Millisecond) {
						_ = file.Close()
						return
					}
					info, statErr := os.Stat(path)
					if statErr == nil && info.Size() < offset {
						_ = file.Close()
						file = nil
						startAtEnd = false
						break
					}
					continue
				}
				if logger != nil {
					logger.Warn("tail read error", "path", path, "err", err)
				}
				_ = file.Close()
				file = nil
				break
			}
			line := partial + chunk
			partial = ""
			offset += int64(len(line))
			p.HandleLine(ctx, line, SourceFileTail)
		}
	}
}
