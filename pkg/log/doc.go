/*
Package log provides structured logging for the host using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-scoped child loggers, configurable levels, and
helpers for the fields this domain keys on: guest module, VFS namespace,
block height, and transaction hash.

# Usage

Initialize once at startup:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Then log through the package helpers or a scoped child logger:

	log.Info("host started")

	logger := log.WithModule("bank")
	logger.Debug().Str("key", "accounts/a1").Msg("state read")

	log.WithHeight(42).Info().Int("txs", 3).Msg("block finalized")

Guest host_log calls are forwarded here with the calling module attached,
so guest output and host output interleave in one stream with consistent
fields.

Levels follow zerolog's: debug < info < warn < error. Console (human)
output is the default; JSON output is for production collection.
*/
package log
