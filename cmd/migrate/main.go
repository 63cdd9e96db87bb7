package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/whisper/messenger/internal/history"
	"github.com/whisper/messenger/internal/logging"
)

func main() {
	logger := logging.New(true, os.Getenv("LOG_LEVEL"))

	if err := godotenv.Load(); err != nil {
		logger.Info().Msg("No .env file found")
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Fatal().Msg("DATABASE_URL environment variable is required")
	}

	cmd := "up"
	var args []string
	if len(os.Args) > 1 {
		cmd = os.Args[1]
		args = os.Args[2:]
	}

	if err := history.RunMigrations(logger, dsn, cmd, args); err != nil {
		logger.Fatal().Err(err).Str("command", cmd).Msg("migration failed")
	}
}
