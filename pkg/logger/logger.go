// Package logger builds the zap loggers used by minidb binaries.
//
// Engine parts log through named loggers ("engine.storage.wal",
// "engine.mvcc", "session", ...). Config.Components sets a level per name, so
// one part can be traced at debug while the rest stays at the base level.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds all the configuration for the logger.
type Config struct {
	// Level is the base level ("debug", "info", "warn", "error"). An unknown
	// level falls back to info.
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
	// OutputFile is a path, or "stdout" / "stderr".
	OutputFile string `yaml:"output_file"`
	// Service is attached to every entry as the "service" field.
	Service string `yaml:"service"`
	// Components maps a logger name to its level. A name covers its children:
	// "engine" applies to "engine.mvcc" unless "engine.mvcc" is listed too.
	Components map[string]string `yaml:"components"`
}

// New creates the root logger. It is called once at startup.
func New(config Config) (*zap.Logger, error) {
	base := zap.NewAtomicLevel()
	if err := base.UnmarshalText([]byte(config.Level)); err != nil {
		base.SetLevel(zap.InfoLevel)
	}

	levels := make(map[string]zapcore.Level, len(config.Components))
	for name, text := range config.Components {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(text)); err != nil {
			return nil, fmt.Errorf("component %q: bad log level %q", name, text)
		}
		levels[name] = lvl
	}

	writeSyncer, err := getWriteSyncer(config.OutputFile)
	if err != nil {
		return nil, err
	}

	var core zapcore.Core
	if len(levels) == 0 {
		core = zapcore.NewCore(getEncoder(config.Format), writeSyncer, base)
	} else {
		// The inner core takes everything; componentCore does the filtering.
		inner := zapcore.NewCore(getEncoder(config.Format), writeSyncer, zapcore.DebugLevel)
		core = newComponentCore(inner, base, levels)
	}

	service := config.Service
	if service == "" {
		service = "minidb"
	}
	logger := zap.New(core, zap.AddCaller()).
		WithOptions(zap.Fields(zap.String("service", service)))

	return logger, nil
}

// componentCore filters entries by the level configured for their logger
// name, falling back to the base level.
type componentCore struct {
	zapcore.Core
	base   zapcore.LevelEnabler
	levels map[string]zapcore.Level
	lowest zapcore.Level
}

func newComponentCore(inner zapcore.Core, base zapcore.LevelEnabler, levels map[string]zapcore.Level) *componentCore {
	lowest := zapcore.FatalLevel
	for _, lvl := range levels {
		if lvl < lowest {
			lowest = lvl
		}
	}
	return &componentCore{Core: inner, base: base, levels: levels, lowest: lowest}
}

// Enabled is the loosest of all levels; Check applies the right one.
func (c *componentCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.lowest || c.base.Enabled(lvl)
}

func (c *componentCore) With(fields []zapcore.Field) zapcore.Core {
	return &componentCore{Core: c.Core.With(fields), base: c.base, levels: c.levels, lowest: c.lowest}
}

func (c *componentCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.enabledFor(ent.LoggerName, ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

// enabledFor looks up name, then each shorter dotted prefix of it.
func (c *componentCore) enabledFor(name string, lvl zapcore.Level) bool {
	for name != "" {
		if want, ok := c.levels[name]; ok {
			return lvl >= want
		}
		i := strings.LastIndexByte(name, '.')
		if i < 0 {
			break
		}
		name = name[:i]
	}
	return c.base.Enabled(lvl)
}

// getEncoder selects the log encoder based on the configured format.
func getEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// getWriteSyncer selects the output destination for the logs.
func getWriteSyncer(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), nil
	}
}
