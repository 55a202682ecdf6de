/*
Package log provides structured logging for xapiand using zerolog.

The package wraps github.com/rs/zerolog behind a package-level global
Logger, initialized once via Init, plus a handful of helpers for the
contexts xapiand's components actually tag their log lines with:
component name, node name, endpoint path, and shard revision.

# Usage

Initializing the logger:

	import "github.com/xapiand/xapiand/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("node joined cluster")
	log.Warn("heartbeat missed")
	log.Errorf("checkout failed", err)
	log.Fatal("cannot start without a data directory")

Context loggers:

	endpointLog := log.WithEndpoint("/data/shard-1")
	endpointLog.Info().Uint64("revision", 42).Msg("applied changeset")

	nodeLog := log.WithNode("node-a")
	nodeLog.Warn().Msg("discovery socket read timeout")

# Levels

DebugLevel, InfoLevel, WarnLevel, and ErrorLevel map directly onto
zerolog's levels; Fatal logs at zerolog's Fatal level and then exits
the process, matching zerolog's own behavior.
*/
package log
