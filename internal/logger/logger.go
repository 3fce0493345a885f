package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a JSON zap.Logger at the given level (debug, info, warn, error).
// Test binaries are held at warn to keep output quiet.
func New(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if level == "" {
		level = "info"
	}
	if err := cfg.Level.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if runningTests() && cfg.Level.Level() < zapcore.WarnLevel {
		cfg.Level.SetLevel(zapcore.WarnLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	zap.ReplaceGlobals(logger)
	return logger, nil
}

func runningTests() bool {
	return os.Getenv("GO_ENV") == "test" || strings.HasSuffix(os.Args[0], ".test")
}

var sensitiveKeys = []string{
	"key", "token", "secret", "password", "signature", "authorization", "auth", "dsn",
}

// Redact returns a string field whose value is masked when the key looks
// like it carries a credential. Long values keep their first and last three
// characters so they can still be told apart in logs.
func Redact(key, value string) zap.Field {
	keyLower := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if !strings.Contains(keyLower, sensitive) {
			continue
		}
		if len(value) <= 8 {
			return zap.String(key, "[REDACTED]")
		}
		return zap.String(key, value[:3]+"..."+value[len(value)-3:])
	}
	return zap.String(key, value)
}
