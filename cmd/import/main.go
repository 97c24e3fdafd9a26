/*
main.go - Command-line payment import

PURPOSE:
  Runs one reconciliation of a payments spreadsheet (CSV export) against the
  configured store and prints the JSON result. The run is recorded in the
  import history like an upload through the API.

COMMAND-LINE FLAGS:
  -config  Directory containing config.yaml (default: ./configs)
  -file    CSV file to import (required)
  -source  Label stored with the run (default: the file name)

EXIT STATUS:
  0  All rows reconciled
  1  The import could not run (config, store, unreadable file)
  2  The import ran but some rows reported errors

EXAMPLES:
  ./import -file planilla-2025.csv
  DUES_STORE_DRIVER=postgres DUES_STORE_POSTGRES_DSN=postgres://... ./import -file pagos.csv
*/
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/warp/dues-engine/app"
	"github.com/warp/dues-engine/config"
	"github.com/warp/dues-engine/reconcile"
	"go.uber.org/zap"
)

func main() {
	var configPath, file, source string
	flag.StringVar(&configPath, "config", "./configs", "Path to the configuration directory")
	flag.StringVar(&file, "file", "", "CSV file to import")
	flag.StringVar(&source, "source", "", "Label stored with the import run")
	flag.Parse()

	if file == "" {
		fmt.Fprintln(os.Stderr, "-file is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := run(ctx, configPath, file, source, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "import failed: %v\n", err)
		os.Exit(1)
	}
	if len(res.Errors) > 0 {
		os.Exit(2)
	}
}

func run(ctx context.Context, configPath, file, source string, out io.Writer) (reconcile.Result, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return reconcile.Result{}, err
	}
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return reconcile.Result{}, err
	}
	defer logger.Sync()

	a, err := app.New(cfg, logger)
	if err != nil {
		return reconcile.Result{}, err
	}
	defer a.Close()

	f, err := os.Open(file)
	if err != nil {
		return reconcile.Result{}, err
	}
	defer f.Close()

	rows, err := reconcile.ReadCSV(f)
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("%s: %w", file, err)
	}
	if source == "" {
		source = filepath.Base(file)
	}

	res, err := a.Reconciler.Reconcile(ctx, source, rows)
	if err != nil {
		logger.Warn("Import interrupted", zap.Error(err), zap.Int("processed_rows", res.ProcessedRows))
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(res); encErr != nil {
		return res, encErr
	}
	return res, err
}
