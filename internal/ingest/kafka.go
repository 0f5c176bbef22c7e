package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// StartKafka consumes frame messages; each message value is one JSON frame
// or an array of frames. The message key names the camera for frames that
// carry no camera_id, so producers can partition by camera.
func StartKafka(ctx context.Context, p *Pipeline, logger *slog.Logger) {
	current := p.Config().Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			frames, err := ParseFramesJSON(m.Value)
			if err != nil {
				p.reject(SourceKafka, err)
				continue
			}
			for _, f := range frames {
				if f.CameraID == "" && len(m.Key) > 0 {
					f.CameraID = string(m.Key)
				}
				_ = p.Submit(ctx, f, SourceKafka)
			}
		}
	}()
}
