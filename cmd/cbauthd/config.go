package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/critiquebrainz/cbauth/catalog"
	"github.com/critiquebrainz/cbauth/server"
)

// Store backends selectable with --store
const (
	storeMemory = "memory"
	storeSQLite = "sqlite"
	storeMySQL  = "mysql"
	storeValkey = "valkey"
)

// daemonConfig is the resolved configuration of a cbauthd invocation
type daemonConfig struct {
	Listen          string
	MetricsListen   string
	ShutdownTimeout time.Duration

	LogLevel  string
	LogFormat string

	Store           string
	SQLitePath      string
	MySQL           mysqlConfig
	Valkey          valkeyConfig
	CleanupInterval time.Duration

	ClientsFile string

	Server server.Config

	TrustedUserHeader string
	TrustProxy        bool
	TrustedProxyCount int
	HSTS              bool

	OTLPEndpoint string
	OTLPInsecure bool

	CatalogBaseURL string
	CatalogRPS     float64
}

type mysqlConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

type valkeyConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// bindConfig reads the flag, environment and config file values bound in viper.
func bindConfig() (*daemonConfig, error) {
	cfg := &daemonConfig{
		Listen:          viper.GetString("listen"),
		MetricsListen:   viper.GetString("metrics-listen"),
		ShutdownTimeout: viper.GetDuration("shutdown-timeout"),
		LogLevel:        viper.GetString("log-level"),
		LogFormat:       viper.GetString("log-format"),
		Store:           strings.ToLower(strings.TrimSpace(viper.GetString("store"))),
		SQLitePath:      viper.GetString("sqlite-path"),
		MySQL: mysqlConfig{
			Host:     viper.GetString("mysql-host"),
			Port:     viper.GetInt("mysql-port"),
			User:     viper.GetString("mysql-user"),
			Password: viper.GetString("mysql-password"),
			Database: viper.GetString("mysql-database"),
		},
		Valkey: valkeyConfig{
			Address:  viper.GetString("valkey-addr"),
			Password: viper.GetString("valkey-password"),
			DB:       viper.GetInt("valkey-db"),
			Prefix:   viper.GetString("valkey-prefix"),
		},
		CleanupInterval: viper.GetDuration("cleanup-interval"),
		ClientsFile:     viper.GetString("clients-file"),
		Server: server.Config{
			SupportedScopes:      viper.GetStringSlice("scopes"),
			AuthorizationCodeTTL: viper.GetDuration("code-ttl"),
			AccessTokenTTL:       viper.GetDuration("access-token-ttl"),
		},
		TrustedUserHeader: viper.GetString("trusted-user-header"),
		TrustProxy:        viper.GetBool("trust-proxy"),
		TrustedProxyCount: viper.GetInt("trusted-proxy-count"),
		HSTS:              viper.GetBool("hsts"),
		OTLPEndpoint:      viper.GetString("otlp-endpoint"),
		OTLPInsecure:      viper.GetBool("otlp-insecure"),
		CatalogBaseURL:    viper.GetString("catalog-base-url"),
		CatalogRPS:        viper.GetFloat64("catalog-rps"),
	}

	switch cfg.Store {
	case storeMemory, storeSQLite, storeMySQL, storeValkey:
	default:
		return nil, fmt.Errorf("unknown store %q (want memory, sqlite, mysql or valkey)", cfg.Store)
	}
	if cfg.CatalogBaseURL == "" {
		cfg.CatalogBaseURL = catalog.DefaultBaseURL
	}
	return cfg, nil
}

// loadConfigFile reads the file named by --config, if any.
func loadConfigFile() (string, error) {
	path := strings.TrimSpace(viper.GetString("config"))
	if path == "" {
		return "", nil
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", path, err)
	}
	return path, nil
}

// newLogger builds the process logger from --log-format and --log-level.
func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", format)
	}
}
