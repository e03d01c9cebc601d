package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"eventcorrelator/internal/config"
	"eventcorrelator/internal/metrics"
	"eventcorrelator/internal/model"
)

func StartFileTail(ctx context.Context, cfg *config.Manager, out chan<- model.Event, counters *metrics.Store, logger *slog.Logger) {
	current := cfg.Get().Ingest.FileTail
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
		go tailFile(ctx, path, current.StartAtEnd, current.PollInterval, out, counters, logger)
	}
}

func tailFile(ctx context.Context, path string, startAtEnd bool, poll time.Duration, out chan<- model.Event, counters *metrics.Store, logger *slog.Logger) {
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
				// only the first open skips existing content; a reopen after
				// truncation reads the new file from the start
				startAtEnd = false
			}
		}

		reader := bufio.NewReader(file)
		var partial []byte
		for {
			chunk, err := reader.ReadBytes('\n')
			if err != nil {
				if err == io.EOF {
					partial = append(partial, chunk...)
					if !BackoffSleep(ctx, poll) {
						_ = file.Close()
						return
					}
					info, statErr := os.Stat(path)
					if statErr == nil && info.Size() < offset {
						_ = file.Close()
						file = nil
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
			line := append(partial, chunk...)
			partial = nil
			offset += int64(len(line))
			handleLine(ctx, line, "file_tail", out, counters, logger)
		}
	}
}
