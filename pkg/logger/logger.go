package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config represents logger configuration
type Config struct {
	Level        string                 `yaml:"level" json:"level" env:"LEVEL"`
	Format       string                 `yaml:"format" json:"format" env:"FORMAT"` // json or console
	Service      string                 `yaml:"service" json:"service" env:"SERVICE"`
	Version      string                 `yaml:"version" json:"version" env:"VERSION"`
	EnableCaller bool                   `yaml:"enable_caller" json:"enable_caller" env:"ENABLE_CALLER"`
	Fields       map[string]interface{} `yaml:"fields" json:"fields"`
}

// DefaultConfig returns the default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:        "info",
		Format:       "json",
		Service:      "coursemirror",
		Version:      "1.0.0",
		EnableCaller: true,
	}
}

// ParseLevel parses a log level from string
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a zap logger from config. Extra cores (such as a sync log ring)
// receive every entry alongside the primary output.
func New(config *Config, extra ...zapcore.Core) (*zap.Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch config.Format {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console", "text":
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("unsupported log format %q (supported: json, console)", config.Format)
	}

	primary := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), zap.NewAtomicLevelAt(ParseLevel(config.Level)))
	core := zapcore.NewTee(append([]zapcore.Core{primary}, extra...)...)

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if config.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}

	fields := []zap.Field{}
	if config.Service != "" {
		fields = append(fields, zap.String("service", config.Service))
	}
	if config.Version != "" {
		fields = append(fields, zap.String("version", config.Version))
	}
	for k, v := range config.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	opts = append(opts, zap.Fields(fields...))

	return zap.New(core, opts...), nil
}

// Provider returns a child logger tagged with a provider slug
func Provider(l *zap.Logger, provider fmt.Stringer) *zap.Logger {
	return l.With(zap.String("provider", provider.String()))
}
