package opmon

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/DUNE-DAQ/readoutmodules/errors"
	"github.com/DUNE-DAQ/readoutmodules/natsclient"
)

// LogSink writes one log record per module snapshot
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogSink creates a sink logging at level
func NewLogSink(logger *slog.Logger, level slog.Level) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, level: level}
}

// Name implements Sink
func (s *LogSink) Name() string { return "log" }

// Write implements Sink
func (s *LogSink) Write(ctx context.Context, snapshots []Snapshot) error {
	for _, snap := range snapshots {
		attrs := []slog.Attr{
			slog.String("application", snap.Application),
			slog.String("module", snap.Info.Module),
			slog.String("state", snap.Info.State),
			slog.Uint64("run_number", snap.Info.RunNumber),
		}
		for _, p := range snap.Info.Pipelines {
			group := make([]any, 0, len(p.Stats))
			for k, v := range p.Stats {
				group = append(group, slog.Any(k, v))
			}
			attrs = append(attrs, slog.Group(p.Connection, group...))
		}
		for k, v := range snap.Info.Extra {
			attrs = append(attrs, slog.Any(k, v))
		}
		s.logger.LogAttrs(ctx, s.level, "Module snapshot", attrs...)
	}
	return nil
}

// KVPutter is the part of jetstream.KeyValue the KV sink needs
type KVPutter interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

// DefaultBucket holds the latest snapshot of every module
const DefaultBucket = "readout_opmon"

// KVSink stores the latest snapshot of each module under
// "<prefix>.<module>" in a KV bucket.
type KVSink struct {
	kv     KVPutter
	prefix string
}

// NewKVSink wraps an open bucket
func NewKVSink(kv KVPutter, prefix string) *KVSink {
	return &KVSink{kv: kv, prefix: prefix}
}

// OpenKVSink creates or opens bucket and returns a sink writing into it
func OpenKVSink(ctx context.Context, client *natsclient.Client, bucket, prefix string, ttl time.Duration) (*KVSink, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrNoConnection, "opmon", "OpenKVSink", "nats client check")
	}
	if bucket == "" {
		bucket = DefaultBucket
	}
	kv, err := client.KeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Latest readout module snapshots",
		History:     1,
		TTL:         ttl,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "opmon", "OpenKVSink", "open bucket "+bucket)
	}
	return NewKVSink(kv, prefix), nil
}

var keyReplacer = strings.NewReplacer(" ", "_", "*", "_", ">", "_", ":", "_")

// Key returns the KV key for module
func (s *KVSink) Key(module string) string {
	module = keyReplacer.Replace(module)
	if s.prefix == "" {
		return module
	}
	return keyReplacer.Replace(s.prefix) + "." + module
}

// Name implements Sink
func (s *KVSink) Name() string { return "kv" }

// Write implements Sink
func (s *KVSink) Write(ctx context.Context, snapshots []Snapshot) error {
	var errs []error
	for _, snap := range snapshots {
		data, err := json.Marshal(snap)
		if err != nil {
			errs = append(errs, errors.WrapFatal(err, "KVSink", "Write", "marshal snapshot"))
			continue
		}
		if _, err := s.kv.Put(ctx, s.Key(snap.Info.Module), data); err != nil {
			errs = append(errs, errors.WrapTransient(err, "KVSink", "Write", "put "+snap.Info.Module))
		}
	}
	return errors.Join(errs...)
}
