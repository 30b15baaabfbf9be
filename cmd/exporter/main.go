package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rpattn/tidyexport/internal/config"
	"github.com/rpattn/tidyexport/internal/db"
	"github.com/rpattn/tidyexport/internal/domain"
	"github.com/rpattn/tidyexport/internal/export"
	"github.com/rpattn/tidyexport/internal/pipeline"
	"github.com/rpattn/tidyexport/internal/schema"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v := viper.New()
	rootCmd := &cobra.Command{
		Use:           "tidyexport",
		Short:         "Convert Tidepool JSON exports into CSV and xlsx",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", ".", "directory containing config.yaml")
	rootCmd.PersistentFlags().String("schema", "", "type schema file (YAML or JSON); the built-in schema when empty")
	rootCmd.PersistentFlags().String("units", "", "target BG units (mg/dL or mmol/L)")
	mustBind(v, "schema.path", rootCmd.PersistentFlags().Lookup("schema"))
	mustBind(v, "units.target", rootCmd.PersistentFlags().Lookup("units"))

	rootCmd.AddCommand(exportCmd(v))
	rootCmd.AddCommand(serveCmd(v))
	rootCmd.AddCommand(columnsCmd(v))
	rootCmd.AddCommand(importCmd(v))

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}

// app is everything a command needs to run an export.
type app struct {
	cfg     config.ExportConfig
	cache   *schema.Cache
	archive *db.Connection
}

func (a *app) Close() {
	if a.archive != nil {
		a.archive.Close()
	}
}

func loadApp(cmd *cobra.Command, v *viper.Viper) (*app, error) {
	configDir, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, configDir)
	if err != nil {
		return nil, err
	}

	var specs []domain.TypeSpec
	if cfg.SchemaPath != "" {
		specs, err = schema.LoadFile(cfg.SchemaPath)
	} else {
		specs, err = schema.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	rt := &app{cfg: cfg, cache: schema.Build(specs)}

	if cfg.Archive {
		if err := db.RunMigrations(cfg.Database); err != nil {
			return nil, err
		}
		conn, err := db.NewConnection(cmd.Context(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect archive database: %w", err)
		}
		rt.archive = conn
	}
	return rt, nil
}

func (a *app) service() *export.Service {
	policy := pipeline.DefaultUnitPolicy(domain.Units(a.cfg.Units))
	policy.ExemptTypes = a.cfg.ExemptTypes
	opts := []export.Option{
		export.WithExportDirectory(a.cfg.OutputDir),
		export.WithSalt(a.cfg.Salt),
		export.WithCommitTimeout(a.cfg.WorkbookTimeout),
		export.WithUnitPolicy(policy),
		export.WithLogger(log.Default()),
	}
	if a.archive != nil {
		opts = append(opts, export.WithArchive(a.archive))
	}
	return export.NewService(a.cache, opts...)
}
