package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"agentdash/config"
)

// setupLogging points the standard logger at stderr plus an optional file.
// Returns a closer for the file sink; callers close it on shutdown.
func setupLogging(cfg config.LoggingConfig) (io.Closer, error) {
	flags := 0
	if cfg.WithTimestamps {
		flags = log.LstdFlags
	}
	log.SetFlags(flags)

	path := strings.TrimSpace(cfg.File)
	if path == "" {
		log.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open %s: %w", path, err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
