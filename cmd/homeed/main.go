package main

import (
	"encoding/json"
	"errors"
	"flag"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/homeed/internal/app"
	"github.com/dokzlo13/homeed/internal/config"
	"github.com/dokzlo13/homeed/internal/ledger"
)

func main() {
	// Support both -c and --config for config path
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "config.yaml", "Path to configuration file (shorthand)")
	envFile := flag.String("env", ".env", "Optional dotenv file loaded before the configuration")
	resetState := flag.Bool("reset-state", false, "Clear the stored hub snapshot on startup")
	dumpState := flag.Bool("dump-state", false, "Print the stored hub snapshot as JSON and exit")
	dumpLedger := flag.String("dump-ledger", "", "Print ledger entries of this type (e.g. error) as JSON and exit")
	ledgerSession := flag.String("ledger-session", "", "With -dump-ledger: select entries of one session instead")
	ledgerSince := flag.Duration("ledger-since", 0, "With -dump-ledger: select entries newer than this instead")
	ledgerLimit := flag.Int("ledger-limit", 100, "With -dump-ledger: maximum number of entries")
	flag.Parse()

	// Credentials may live in a .env file; a missing file is fine
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatal().Err(err).Str("path", *envFile).Msg("Failed to load env file")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg.Log.Level, cfg.Log.JSON, cfg.Log.Colors)

	log.Info().Str("config", configPath).Msg("Starting homeed")

	application, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create application")
	}

	if *dumpState {
		snap, err := application.Services().Snapshot()
		if err == nil {
			err = printJSON(snap)
		}
		application.Stop()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to dump state")
		}
		return
	}

	if *dumpLedger != "" || *ledgerSession != "" || *ledgerSince > 0 {
		entries, err := application.Services().LedgerEntries(app.LedgerQuery{
			Type:    ledger.EventType(*dumpLedger),
			Session: *ledgerSession,
			Since:   *ledgerSince,
			Limit:   *ledgerLimit,
		})
		if err == nil {
			err = printJSON(entries)
		}
		application.Stop()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to dump ledger")
		}
		return
	}

	if *resetState {
		log.Info().Msg("Clearing stored hub snapshot (--reset-state)")
		if err := application.ClearState(); err != nil {
			log.Warn().Err(err).Msg("Failed to clear stored state")
		}
	}

	// Create context that cancels on shutdown signal
	ctx := app.SignalContext()

	if err := application.Start(ctx); err != nil {
		application.Stop()
		log.Fatal().Err(err).Msg("Failed to start application")
	}

	fatal := application.Wait()

	if err := application.Stop(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}
	if fatal != nil {
		os.Exit(1)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setupLogging(level string, useJSON bool, colors bool) {
	// ISO 8601 format with timezone
	zerolog.TimeFieldFormat = time.RFC3339

	if useJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !colors,
		})
	}

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
