// Command evolution-token obtains bearer tokens for the Evolution API using
// the same environment configuration as the bridge. It is intended for shell
// use, e.g. `curl -H "Authorization: Bearer $(evolution-token print)"`.
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// stdout is reserved for command output
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger().
		Level(zerolog.WarnLevel)

	if err := newRootCommand(loadSession).ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("evolution-token failed")
		os.Exit(1)
	}
}
