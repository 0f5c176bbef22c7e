package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"classwatch/internal/config"
	"classwatch/internal/ingest"
	"classwatch/internal/logging"
	"classwatch/internal/model"
	"classwatch/internal/monitor"
)

func replayCommand(opts *options) *cobra.Command {
	var kind string
	var summary bool
	cmd := &cobra.Command{
		Use:   "replay [detections.ndjson]",
		Short: "Run a recorded detection file through a session offline",
		Long:  "Replay feeds every frame of an NDJSON detection recording through a fresh session and prints each session event as one JSON line.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), opts, args[0], kind, summary, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "Session kind override: classroom or exam")
	cmd.Flags().BoolVar(&summary, "summary", false, "Print the final session status after the events")
	return cmd
}

// frameClock follows the recorded frame timestamps so duration rules see
// recording time rather than replay time. Before the first frame it reads
// the wall clock.
type frameClock struct {
	t time.Time
}

func (c *frameClock) Now() time.Time {
	if c.t.IsZero() {
		return time.Now()
	}
	return c.t
}

func (c *frameClock) advance(ts time.Time) {
	if ts.After(c.t) {
		c.t = ts
	}
}

func runReplay(ctx context.Context, opts *options, path, kind string, summary bool, w io.Writer) error {
	mgr, err := opts.loadManager()
	if err != nil {
		return err
	}
	cfg := *mgr.Get()
	if kind != "" {
		k, err := monitor.ParseKind(kind)
		if err != nil {
			return err
		}
		cfg.Session.Kind = string(k)
	}
	if err := config.Validate(&cfg); err != nil {
		return err
	}
	logger := logging.New(os.Stderr, opts.level(&cfg), cfg.LogFormat)

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	session, n, err := replaySession(ctx, &cfg, f, logger, w)
	if err != nil {
		return fmt.Errorf("replay %s after %d frames: %w", path, n, err)
	}
	logger.Info("replay finished", "path", path, "frames", n)
	if summary {
		return json.NewEncoder(w).Encode(session.Status())
	}
	return nil
}

// replaySession feeds every frame of r through a session and closes it,
// writing each event to w as one JSON line. The session is built on the
// first frame so its clocks start at the first recorded timestamp.
func replaySession(ctx context.Context, cfg *config.Config, r io.Reader, logger *slog.Logger, w io.Writer) (*monitor.Session, int, error) {
	clock := &frameClock{}
	enc := json.NewEncoder(w)
	var writeErr error
	var session *monitor.Session
	build := func() error {
		s, err := monitor.New(cfg,
			monitor.WithClock(clock.Now),
			monitor.WithLogger(logging.Component(logger, "monitor")),
		)
		if err != nil {
			return err
		}
		s.OnEvent(func(ev model.SessionEvent) {
			if writeErr == nil {
				writeErr = enc.Encode(ev)
			}
		})
		session = s
		return nil
	}

	n, err := ingest.Replay(ctx, r, cfg, func(frame model.Frame) error {
		clock.advance(frame.Timestamp)
		if session == nil {
			if err := build(); err != nil {
				return err
			}
		}
		session.Process(frame)
		return writeErr
	})
	if err == nil && session == nil {
		err = build()
	}
	if err != nil {
		return session, n, err
	}
	session.Close()
	return session, n, writeErr
}
