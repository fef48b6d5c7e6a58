package logger

import (
	"context"

	"go.uber.org/zap/zapcore"
)

// RingCore is a zapcore.Core that copies entries into a SyncLog, so sync
// activity logged through zap shows up in the admin log view.
type RingCore struct {
	zapcore.LevelEnabler
	ring   SyncLog
	fields []zapcore.Field
}

// NewRingCore creates a core that forwards entries at or above level to ring
func NewRingCore(ring SyncLog, level zapcore.LevelEnabler) *RingCore {
	return &RingCore{LevelEnabler: level, ring: ring}
}

// With returns a child core carrying fields
func (c *RingCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &RingCore{LevelEnabler: c.LevelEnabler, ring: c.ring, fields: merged}
}

// Check adds the core to the checked entry when the level is enabled
func (c *RingCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

// Write appends the entry to the ring
func (c *RingCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	// service metadata is noise in the admin view
	delete(enc.Fields, "service")
	delete(enc.Fields, "version")

	return c.ring.Append(context.Background(), Entry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Context:   enc.Fields,
	})
}

// Sync is a no-op; ring appends are synchronous
func (c *RingCore) Sync() error {
	return nil
}
