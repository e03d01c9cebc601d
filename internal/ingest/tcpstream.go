package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"eventcorrelator/internal/config"
	"eventcorrelator/internal/metrics"
	"eventcorrelator/internal/model"
)

// StartTCPStream listens for newline delimited JSON events. It returns the
// bound listener address, or nil when disabled or the listen failed.
func StartTCPStream(ctx context.Context, cfg *config.Manager, out chan<- model.Event, counters *metrics.Store, logger *slog.Logger) net.Addr {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return nil
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream listen error", "err", err)
		}
		return nil
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", ln.Addr().String())
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("tcp stream accept error", "err", err)
				}
				continue
			}
			go func() {
				defer conn.Close()
				readLines(ctx, conn, "tcp_stream", out, counters, logger)
			}()
		}
	}()
	return ln.Addr()
}

// readLines decodes NDJSON from r until EOF or ctx is done.
func readLines(ctx context.Context, r io.Reader, source string, out chan<- model.Event, counters *metrics.Store, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		handleLine(ctx, scanner.Bytes(), source, out, counters, logger)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil && logger != nil {
		logger.Warn("stream scanner error", "source", source, "err", err)
	}
}

func handleLine(ctx context.Context, line []byte, source string, out chan<- model.Event, counters *metrics.Store, logger *slog.Logger) {
	ev, ok, err := DecodeLine(line, time.Now())
	if err != nil {
		if counters != nil {
			counters.Inc(metrics.EventsInvalid)
		}
		if logger != nil {
			logger.Warn("line decode error", "source", source, "err", err)
		}
		return
	}
	if !ok {
		return
	}
	if ev.Source == "" {
		ev.Source = source
	}
	SendNonBlocking(ctx, out, ev, counters, logger)
}
