package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Default()
	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("unexpected config\n got: %+v\nwant: %+v", cfg, want)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
units:
  target: MG/DL
  exemptTypes: [bloodKetone, cgmSettings]
formats: [csv, xlsx]
output:
  dir: /var/exports
  salt: pepper
workbook:
  timeout: 5s
database:
  archive: true
  host: db.internal
  port: 6543
server:
  addr: ":9090"
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(viper.New(), dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Units != "mg/dL" {
		t.Fatalf("expected normalized units, got %q", cfg.Units)
	}
	if !reflect.DeepEqual(cfg.ExemptTypes, []string{"bloodKetone", "cgmSettings"}) {
		t.Fatalf("unexpected exempt types %v", cfg.ExemptTypes)
	}
	if !reflect.DeepEqual(cfg.Formats, []string{"csv", "xlsx"}) {
		t.Fatalf("unexpected formats %v", cfg.Formats)
	}
	if cfg.OutputDir != "/var/exports" || cfg.Salt != "pepper" || cfg.WorkbookTimeout != 5*time.Second {
		t.Fatalf("unexpected output settings %+v", cfg)
	}
	if !cfg.Archive || cfg.Database.Host != "db.internal" || cfg.Database.Port != 6543 {
		t.Fatalf("unexpected database settings %+v", cfg.Database)
	}
	if cfg.Database.DBName != Default().Database.DBName {
		t.Fatalf("unset database keys must keep defaults, got %q", cfg.Database.DBName)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("unexpected server addr %q", cfg.Server.Addr)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("EXPORT_UNITS_TARGET", "mg/dL")
	t.Setenv("EXPORT_OUTPUT_DIR", "/srv/out")

	cfg, err := Load(viper.New(), t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Units != "mg/dL" || cfg.OutputDir != "/srv/out" {
		t.Fatalf("environment ignored: %+v", cfg)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"EXPORT_UNITS_TARGET":     "kelvin",
		"EXPORT_WORKBOOK_TIMEOUT": "0s",
		"EXPORT_FORMATS":          "pdf",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load(viper.New(), t.TempDir())
			if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}
