package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/ratchetml/ratchet/internal/logger"
)

var (
	modelDir  string
	logLevel  string
	logFormat string
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to a model directory",
			Destination: &modelDir,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (text, json)",
			Value:       "text",
			Destination: &logFormat,
		},
	}
}

func buildLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	if logFormat == "json" {
		return logger.JSON(os.Stderr, level)
	}
	return logger.Text(os.Stderr, level)
}

// parsePrompt converts a comma-separated token id list to a row.
func parsePrompt(s string) ([]int32, error) {
	parts := strings.Split(s, ",")
	row := make([]int32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("prompt token %q: %w", p, err)
		}
		row = append(row, int32(n))
	}
	if len(row) == 0 {
		return nil, fmt.Errorf("prompt %q has no tokens", s)
	}
	return row, nil
}

// parseAdapterSpec splits a name=path adapter argument.
func parseAdapterSpec(spec string) (name, path string, err error) {
	name, path, ok := strings.Cut(spec, "=")
	if !ok || name == "" || path == "" {
		return "", "", fmt.Errorf("adapter %q: want name=path", spec)
	}
	return name, path, nil
}
