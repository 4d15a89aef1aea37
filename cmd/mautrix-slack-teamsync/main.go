// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-slack-teamsync keeps the channels and users of Slack teams
// bridged into a Matrix homeserver. It runs as a Matrix appservice and
// provisions rooms and ghost users for everything the team sync policy
// allows.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "maunium.net/go/mauflag"

	"github.com/aiku/mautrix-slack-teamsync/pkg/connector"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath      = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
	noSaveConfig    = flag.MakeFull("n", "no-update", "Don't save updated config to disk.", "false").Bool()
	generateExample = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
	version         = flag.MakeFull("v", "version", "View team sync version and quit.", "false").Bool()
	wantHelp, _     = flag.MakeHelpFlag()
)

const shutdownTimeout = 10 * time.Second

func main() {
	flag.SetHelpTitles(
		"mautrix-slack-teamsync - Slack team sync for Matrix bridges.",
		"mautrix-slack-teamsync [-hnev] [-c <path>]",
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Printf("mautrix-slack-teamsync %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		os.Exit(0)
	} else if *generateExample {
		if err := os.WriteFile(*configPath, []byte(connector.ExampleConfig), 0600); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(10)
		}
		fmt.Println("Wrote example config to", *configPath)
		os.Exit(0)
	}

	cfg, err := connector.LoadConfig(*configPath, !*noSaveConfig)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(11)
	}
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Initializing team sync")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tsc := connector.NewConnector(cfg, *log)
	if err = tsc.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start team sync")
	}
	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err = tsc.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop team sync cleanly")
	}
}
