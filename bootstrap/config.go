package bootstrap

import (
	"fmt"
	"os"
	"strings"

	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger builds the process logger on stdout. format is console (colored
// levels, ISO8601 timestamps) or json.
func InitLogger(level, format string) (*zap.Logger, *zap.SugaredLogger, error) {
	return initLogger(level, format, zapcore.AddSync(os.Stdout))
}

func initLogger(level, format string, sink zapcore.WriteSyncer) (*zap.Logger, *zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(format) {
	case "json":
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "", "console":
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder // Colored levels
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder        // Readable timestamps
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder      // Short file paths
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, nil, fmt.Errorf("invalid log format %q", format)
	}

	core := zapcore.NewCore(encoder, sink, lvl)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads the configuration and resolves secrets
func InitConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.LoadSecrets(cfg); err != nil {
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}
	return cfg, nil
}

// LogConfig writes the effective configuration summary at startup
func LogConfig(cfg *config.Config, sugar *zap.SugaredLogger) {
	sugar.Infow("Startup mode",
		"mode", string(cfg.StartupMode),
		"description", func() string {
			if cfg.IsGracefulMode() {
				return "will buffer work locally when the store is unreachable"
			}
			return "will fail fast when the store is unreachable"
		}())

	sugar.Infow("Config loaded",
		"redis_addr", cfg.Redis.Addr,
		"redis_tls", cfg.Redis.TLS.Enabled,
		"queue_max_size", cfg.Queue.MaxSize,
		"overflow_policy", cfg.Queue.OverflowPolicy,
		"stream", cfg.Stream.Key,
		"group", cfg.Stream.Group,
		"stream_worker", cfg.Stream.WorkerEnabled,
		"fallback_dir", cfg.Degradation.FallbackDir,
		"secrets_provider", cfg.Secrets.Provider)
}
