package ingest

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"classwatch/internal/config"
	"classwatch/internal/model"
	"classwatch/internal/normalize"
)

const (
	SourceREST      = "rest"
	SourceTCPStream = "tcp_stream"
	SourceFileTail  = "file_tail"
	SourceKafka     = "kafka"
	SourceReplay    = "replay"
)

// Observer receives one call per frame handled by a Pipeline. Outcome is
// accepted, rejected or dropped.
type Observer interface {
	ObserveIngest(source, outcome string)
}

type Stats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Dropped  uint64 `json:"dropped"`
}

// Pipeline is shared by every ingest source: parse, normalize, then hand
// the frame to the session channel without blocking.
type Pipeline struct {
	cfg      *config.Manager
	parser   *Parser
	out      chan<- model.Frame
	logger   *slog.Logger
	observer Observer

	accepted atomic.Uint64
	rejected atomic.Uint64
	dropped  atomic.Uint64
}

func NewPipeline(cfg *config.Manager, out chan<- model.Frame, logger *slog.Logger, observer Observer) *Pipeline {
	return &Pipeline{cfg: cfg, parser: NewParser(), out: out, logger: logger, observer: observer}
}

// HandleLine parses one NDJSON line and submits every frame in it. It
// returns how many frames were queued.
func (p *Pipeline) HandleLine(ctx context.Context, line, source string) int {
	fields, err := p.parser.ParseLine(line)
	if err != nil {
		p.reject(source, err)
		return 0
	}
	queued := 0
	for _, f := range fields {
		if p.Submit(ctx, f, source) == nil {
			queued++
		}
	}
	return queued
}

// Submit normalizes fields and queues the frame. A full channel drops the
// frame and is not reported as an error.
func (p *Pipeline) Submit(ctx context.Context, fields normalize.FrameFields, source string) error {
	frame, err := normalize.Normalize(fields, p.cfg.Get(), source)
	if err != nil {
		p.reject(source, err)
		return err
	}
	if SendNonBlocking(ctx, p.out, frame, p.logger) {
		p.accepted.Add(1)
		p.observe(source, "accepted")
	} else {
		p.dropped.Add(1)
		p.observe(source, "dropped")
	}
	return nil
}

func (p *Pipeline) reject(source string, err error) {
	p.rejected.Add(1)
	p.observe(source, "rejected")
	if p.logger != nil {
		p.logger.Warn("frame rejected", "source", source, "err", err)
	}
}

func (p *Pipeline) observe(source, outcome string) {
	if p.observer != nil {
		p.observer.ObserveIngest(source, outcome)
	}
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Accepted: p.accepted.Load(),
		Rejected: p.rejected.Load(),
		Dropped:  p.dropped.Load(),
	}
}

func (p *Pipeline) Config() *config.Manager {
	return p.cfg
}

func SendNonBlocking(ctx context.Context, out chan<- model.Frame, f model.Frame, logger *slog.Logger) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("frame channel full, dropping frame", "camera_id", f.CameraID, "timestamp", f.Timestamp)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
