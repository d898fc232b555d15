package logger

import (
	"fmt"
	"io"
	"os"
)

// Config holds the configuration for the logger
type Config struct {
	Level        LogLevel
	Format       OutputFormat
	Outputs      []io.Writer
	Environment  string // "development" or "production"
	Subsystem    string
	FileConfig   *FileConfig
	EnableCaller bool
}

// FileConfig holds file rotation configuration
type FileConfig struct {
	Filename   string
	MaxSize    int // megabytes
	MaxAge     int // days
	MaxBackups int
	Compress   bool
}

// DefaultConfig returns a console configuration suitable for development and tests
func DefaultConfig() *Config {
	return &Config{
		Level:       InfoLevel,
		Format:      DefaultFormat,
		Outputs:     []io.Writer{os.Stdout},
		Environment: "development",
	}
}

// ProductionConfig returns a JSON configuration that also writes to a rotated file
func ProductionConfig(appName string) *Config {
	return &Config{
		Level:       InfoLevel,
		Format:      JSONFormat,
		Outputs:     []io.Writer{os.Stdout},
		Environment: "production",
		FileConfig: &FileConfig{
			Filename:   fmt.Sprintf("logs/%s.log", appName),
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
		},
		EnableCaller: true,
	}
}
