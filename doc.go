// Package aqstream ingests environmental-sensor telemetry from partitioned
// event streams into durable storage.
//
// The pipeline consumes an Event Hub-compatible stream through a consumer
// group, decodes each JSON payload into per-channel particulate measurements,
// deduplicates them on the (device, channel, timestamp) natural key, persists
// them in batches, and checkpoints the stream position only after the batch
// is durable. Delivery is at least once on the wire; the natural-key
// constraint makes persistence effectively exactly once.
//
// Construction follows the same shape throughout: build a config, build a
// source from the stream registry, open a store, wire them into a Pipeline,
// and Run it until the context ends.
//
//	cfg := &aqstream.Config{
//		ConnectionString: os.Getenv("EVENTHUB_CONNECTION_STRING"),
//		ConsumerGroup:    "ingest",
//	}
//	cfg.Normalize()
//
//	logger := aqstream.NewSlogServiceLogger(slog.Default())
//	source, err := stream.Build(ctx, cfg, aqstream.NewWatermillAdapter(logger))
//	if err != nil {
//		return err
//	}
//	st, err := aqstream.NewPostgresStore(aqstream.PostgresConfig{URL: dbURL}, logger)
//	if err != nil {
//		return err
//	}
//	pipeline, err := aqstream.NewPipeline(cfg, source, st, logger)
//	if err != nil {
//		return err
//	}
//	return pipeline.Run(ctx)
//
// Sources register themselves on import:
//
//	import _ "github.com/aqstream/aqstream/stream/kafka"
package aqstream
