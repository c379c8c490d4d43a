// Package observability wires the process-wide logging pipeline.
//
// Logs always go to stderr via log/slog (text or JSON). When an OpenTelemetry
// log exporter is selected through the standard OTEL_LOGS_EXPORTER variable,
// records are additionally bridged to it through otelslog, severity-filtered
// so the export pipeline honors the configured level.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

const instrumentationName = "tenantbridge"

// Instrument installs the process default logger. Must be called before any
// component starts logging.
func Instrument(level slog.Level, format string) error {
	opts := &slog.HandlerOptions{Level: level}

	var console slog.Handler
	switch format {
	case "json":
		console = slog.NewJSONHandler(os.Stderr, opts)
	default:
		console = slog.NewTextHandler(os.Stderr, opts)
	}

	provider, err := newLoggerProvider(context.Background(), level)
	if err != nil {
		return fmt.Errorf("creating log exporter: %w", err)
	}
	if provider == nil {
		slog.SetDefault(slog.New(console))
		return nil
	}

	bridge := otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(provider))
	slog.SetDefault(slog.New(newFanoutHandler(console, bridge)))
	return nil
}

// newLoggerProvider builds the OTel log pipeline, or nil when no exporter is
// configured. Exporter selection follows the OTEL_LOGS_EXPORTER convention;
// OTLP protocol selection follows OTEL_EXPORTER_OTLP_PROTOCOL.
func newLoggerProvider(ctx context.Context, level slog.Level) (*sdklog.LoggerProvider, error) {
	var exporter sdklog.Exporter
	var err error

	switch os.Getenv("OTEL_LOGS_EXPORTER") {
	case "", "none":
		return nil, nil
	case "otlp":
		if os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL") == "grpc" {
			exporter, err = otlploggrpc.New(ctx)
		} else {
			exporter, err = otlploghttp.New(ctx)
		}
	case "console":
		exporter, err = stdoutlog.New()
	default:
		return nil, fmt.Errorf("unsupported OTEL_LOGS_EXPORTER value %q", os.Getenv("OTEL_LOGS_EXPORTER"))
	}
	if err != nil {
		return nil, err
	}

	processor := minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), minSeverity(level))
	return sdklog.NewLoggerProvider(sdklog.WithProcessor(processor)), nil
}

// minSeverity maps an slog level to the minimum OTel severity to export.
func minSeverity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
