package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

const serviceName = "boardwire"

var version = "0.0.0"

func main() {
	setupLogging()

	app := &cli.App{
		Name:    serviceName,
		Usage:   "Realtime board event pipeline over RabbitMQ, Redis, WebSocket and SSE",
		Version: version,
		Commands: []*cli.Command{
			serverCmd(),
			workerCmd(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("boardwire exited")
	}
}

// setupLogging configures the global logger before config is loaded so that
// config warnings use the right format.
func setupLogging() {
	level, err := zerolog.ParseLevel(os.Getenv("BOARDWIRE_LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if os.Getenv("BOARDWIRE_LOG_FORMAT") == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()
	}
}
