package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/NicolasHaas/gokarma/pkg/datastore"
	"github.com/NicolasHaas/gokarma/pkg/logging"
	"github.com/NicolasHaas/gokarma/pkg/server"
	"github.com/NicolasHaas/gokarma/pkg/version"
)

func main() {
	fs := pflag.NewFlagSet("gokarma-server", pflag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file")
	exportUsers := fs.Bool("export-users", false, "Export all users with karma as YAML and exit")
	showVersion := fs.Bool("version", false, "Print version and exit")
	server.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	cfg, err := server.LoadConfig(*configPath, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	st, err := datastore.New(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "path", cfg.DBPath, "err", err)
		os.Exit(1)
	}
	if v, err := st.SchemaVersion(context.Background()); err == nil {
		slog.Info("database ready", "path", cfg.DBPath, "schema_version", v)
	}

	// Handle export command (run and exit)
	if *exportUsers {
		data, err := server.ExportUsersYAML(context.Background(), st)
		_ = st.Close()
		if err != nil {
			slog.Error("export users", "err", err)
			os.Exit(1)
		}
		fmt.Print(string(data))
		return
	}

	srv, err := server.New(cfg, server.Dependencies{Store: st})
	if err != nil {
		_ = st.Close()
		slog.Error("create server", "err", err)
		os.Exit(1)
	}
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
