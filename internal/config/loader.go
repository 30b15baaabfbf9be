package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/rpattn/tidyexport/internal/db"
	"github.com/rpattn/tidyexport/internal/domain"
)

// ExportConfig is the resolved configuration of the exporter.
type ExportConfig struct {
	Units           string   `validate:"oneof=mg/dL mmol/L"`
	ExemptTypes     []string `validate:"dive,required"`
	Formats         []string `validate:"dive,oneof=csv csvs xlsx all"`
	OutputDir       string   `validate:"required"`
	Salt            string
	SchemaPath      string
	WorkbookTimeout time.Duration `validate:"gt=0"`
	Archive         bool
	Database        db.Config
	Server          ServerConfig
}

type ServerConfig struct {
	Addr           string `validate:"required"`
	AllowedOrigins []string
}

// Default returns the configuration used when nothing overrides it.
func Default() ExportConfig {
	return ExportConfig{
		Units:           "mmol/L",
		ExemptTypes:     []string{"bloodKetone"},
		Formats:         []string{"all"},
		OutputDir:       filepath.Join(os.TempDir(), "tidyexport"),
		WorkbookTimeout: 30 * time.Second,
		Database:        db.DefaultConfig(),
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
	}
}

// LoadExportConfig reads config.yaml from configPath, if present, and the
// EXPORT_* environment.
func LoadExportConfig(configPath string) (ExportConfig, error) {
	return Load(viper.New(), configPath)
}

// Load resolves the configuration from v. Flags bound to v by the caller take
// precedence over the config file, which takes precedence over defaults.
func Load(v *viper.Viper, configPath string) (ExportConfig, error) {
	cfg := Default()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix("EXPORT") // EXPORT_UNITS_TARGET, EXPORT_DATABASE_HOST, ...
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, missing := err.(viper.ConfigFileNotFoundError); !missing {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		log.Printf("[config] no config.yaml found, using defaults and env vars")
	} else {
		log.Printf("[config] loaded %s", v.ConfigFileUsed())
	}

	if v.IsSet("units.target") {
		cfg.Units = v.GetString("units.target")
	}
	if v.IsSet("units.exemptTypes") {
		cfg.ExemptTypes = v.GetStringSlice("units.exemptTypes")
	}
	if v.IsSet("formats") {
		cfg.Formats = v.GetStringSlice("formats")
	}
	if v.IsSet("output.dir") {
		cfg.OutputDir = v.GetString("output.dir")
	}
	if v.IsSet("output.salt") {
		cfg.Salt = v.GetString("output.salt")
	}
	if v.IsSet("schema.path") {
		cfg.SchemaPath = v.GetString("schema.path")
	}
	if v.IsSet("workbook.timeout") {
		cfg.WorkbookTimeout = v.GetDuration("workbook.timeout")
	}
	if v.IsSet("database.archive") {
		cfg.Archive = v.GetBool("database.archive")
	}
	if v.IsSet("server.addr") {
		cfg.Server.Addr = v.GetString("server.addr")
	}
	if v.IsSet("server.allowedOrigins") {
		cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowedOrigins")
	}
	loadDatabase(v, &cfg.Database)

	if units, err := domain.ParseUnits(cfg.Units); err == nil {
		cfg.Units = string(units)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadDatabase(v *viper.Viper, cfg *db.Config) {
	if v.IsSet("database.host") {
		cfg.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.SSLMode = v.GetString("database.sslmode")
	}
}
