/*
Package log provides structured logging for Hutch using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers and configurable log levels. All logs include
timestamps and support filtering by severity level.

# Usage

Initialize once at startup:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Create component loggers:

	logger := log.WithComponent("deployer")
	logger.Info().Str("tenant_id", tenant).Msg("Service deployed")

Service-scoped loggers carry tenant_id and service_id on every line:

	logger := log.WithService("acme", "billing")
	logger.Warn().Int("inbox_len", n).Msg("Inbox depth over limit")
*/
package log
