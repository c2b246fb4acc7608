/*
Uniqdemo opens a uniqdoc store, declares Products.Gtin unique, and runs three
scenarios against it to show unique constraint enforcement at work:

  - insert-conflict: two products with the same Gtin saved in one batch
  - update-conflict: a saved product updated to another product's Gtin
  - check-first: a speculative check of a product before it is stored

Each scenario prints its outcome. The program exits with a non-zero status if
any scenario does not behave as expected.

Usage:

	uniqdemo [flags]

The flags are:

	-c, --config PATH
		Load configuration from the given JSON or YAML file. Constraints
		declared in the file are added to the one on Products.Gtin.

	-d, --db CONN
		Use the given DB connection string instead of the one in the config
		file, e.g. "inmem", "sqlite:./data" or "filedb:dir=./data,compress=true".
		Defaults to "inmem" if neither this nor a config file gives one.

	-l, --log PROVIDER
		Log with the given provider: "jellog", "std", "zap" or "none".
		Defaults to "jellog".

	--verify
		After running the scenarios, compare the stored constraint entries
		against the stored documents and report any difference.
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/dekarrin/uniqdoc"
	"github.com/dekarrin/uniqdoc/constraint"
	"github.com/dekarrin/uniqdoc/db"
	"github.com/dekarrin/uniqdoc/docstore"
	"github.com/dekarrin/uniqdoc/internal/config"
	"github.com/dekarrin/uniqdoc/logging"
	"github.com/spf13/pflag"
)

const (
	exitSuccess   = 0
	exitError     = 1
	exitPanic     = 2
	exitInterrupt = 3
	exitScenario  = 4
)

var exitCode int

var (
	flagConf   = pflag.StringP("config", "c", "", "Path to configuration file")
	flagDB     = pflag.StringP("db", "d", "", "DB connection string")
	flagLog    = pflag.StringP("log", "l", "jellog", "Log provider")
	flagVerify = pflag.Bool("verify", false, "Verify constraint entries after running")
)

func main() {
	ctx := context.Background()
	ctx, cancelMainContext := context.WithCancel(ctx)
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	defer func() {
		signal.Stop(signalChan)
		cancelMainContext()
	}()
	// listen for signals
	go func() {
		select {
		case <-signalChan: // first signal, cancel context
			cancelMainContext()
		case <-ctx.Done():
		}

		<-signalChan // second signal, hard exit
		os.Exit(exitInterrupt)
	}()

	defer func() {
		if panicErr := recover(); panicErr != nil {
			fmt.Fprintf(os.Stderr, "fatal panic: %v\n", panicErr)
			exitCode = exitPanic
		}
		os.Exit(exitCode)
	}()

	pflag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())
		exitCode = exitError
		return
	}

	log := logging.Discard()
	if cfg.Log.Enabled {
		log, err = logging.New(cfg.Log.Provider, cfg.Log.File)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())
			exitCode = exitError
			return
		}
	}

	var connectors db.ConnectorRegistry
	log.Infof("Opening %s DB...", cfg.DB.Type)
	store, err := connectors.Connect(ctx, cfg.DB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())
		exitCode = exitError
		return
	}

	st := docstore.New(store, docstore.Options{Logger: log})
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn(err.Error())
		}
	}()

	if err := st.DeclareUnique(productCollection, gtinField); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())
		exitCode = exitError
		return
	}
	for _, c := range cfg.Constraints {
		var opts []constraint.Option
		if c.CaseInsensitive {
			opts = append(opts, constraint.CaseInsensitive())
		}
		if err := st.DeclareUnique(c.Collection, c.Field, opts...); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: constraint %s: %s\n", c, err.Error())
			exitCode = exitError
			return
		}
	}

	failed := 0
	for _, sc := range scenarios {
		if ctx.Err() != nil {
			log.Info("Interrupted; skipping remaining scenarios")
			exitCode = exitInterrupt
			return
		}

		log.Debugf("Running scenario %s...", sc.name)
		outcome, err := sc.run(ctx, st)
		if err != nil {
			failed++
			fmt.Printf("[FAIL] %s: %s\n", sc.name, err.Error())
			continue
		}
		fmt.Printf("[ OK ] %s: %s\n", sc.name, outcome)
	}

	if *flagVerify {
		report, err := st.Verify(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: verify: %s\n", err.Error())
			exitCode = exitError
			return
		}
		fmt.Printf("verify: %s\n", report)
		for _, e := range report.Missing {
			fmt.Printf("  missing %s\n", e)
		}
		for _, e := range report.Stale {
			fmt.Printf("  stale   %s\n", e)
		}
	}

	if failed > 0 {
		log.Errorf("%d of %d scenarios failed", failed, len(scenarios))
		exitCode = exitScenario
		return
	}
	exitCode = exitSuccess
}

// loadConfig builds the Config from the config file, if any, and the flags.
func loadConfig() (config.Config, error) {
	var cfg config.Config

	if *flagConf != "" {
		var err error
		cfg, err = config.Load(*flagConf)
		if err != nil {
			return cfg, err
		}
	}

	if *flagDB != "" {
		dbCfg, err := uniqdoc.ParseDBConnString(*flagDB)
		if err != nil {
			return cfg, fmt.Errorf("--db: %w", err)
		}
		cfg.DB = dbCfg
	}

	if *flagConf == "" || pflag.CommandLine.Changed("log") {
		provider, err := uniqdoc.ParseLogProvider(*flagLog)
		if err != nil {
			return cfg, fmt.Errorf("--log: %w", err)
		}
		cfg.Log.Provider = provider
		cfg.Log.Enabled = provider != uniqdoc.NoLog
	}

	cfg = cfg.FillDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
