package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	oauth "github.com/critiquebrainz/cbauth"
	"github.com/critiquebrainz/cbauth/catalog"
	"github.com/critiquebrainz/cbauth/server"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cbauthd",
		Short:         "cbauthd is the critiquebrainz OAuth 2.0 authorization server",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # In-memory store, clients seeded from a file
  cbauthd serve --clients-file clients.yaml

  # SQLite store with Prometheus metrics on a separate port
  CBAUTH_STORE=sqlite CBAUTH_SQLITE_PATH=/var/lib/cbauth/cbauth.db cbauthd serve --metrics-listen :9090

  # Hash a client secret for the clients file
  cbauthd hash-secret s3cr3t`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			_, err := loadConfigFile()
			return err
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.String("config", "", "path to a YAML config file (keys match flag names)")
	persistent.String("log-level", "info", "log level: debug, info, warn or error")
	persistent.String("log-format", "text", "log format: text or json")

	persistent.String("store", storeMemory, "storage backend: memory, sqlite, mysql or valkey")
	persistent.String("sqlite-path", "cbauth.db", "SQLite database file")
	persistent.String("mysql-host", "localhost", "MySQL host")
	persistent.Int("mysql-port", 3306, "MySQL port")
	persistent.String("mysql-user", "cbauth", "MySQL user")
	persistent.String("mysql-password", "", "MySQL password")
	persistent.String("mysql-database", "cbauth", "MySQL database name")
	persistent.String("valkey-addr", "localhost:6379", "Valkey address")
	persistent.String("valkey-password", "", "Valkey password")
	persistent.Int("valkey-db", 0, "Valkey database number")
	persistent.String("valkey-prefix", "cbauth:", "prefix for all Valkey keys")
	persistent.Duration("cleanup-interval", time.Minute, "how often expired grants are removed")

	serve := newServeCommand()
	sf := serve.Flags()
	sf.String("listen", ":8080", "HTTP listen address")
	sf.String("metrics-listen", "", "Prometheus metrics listen address (disabled when empty)")
	sf.Duration("shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
	sf.String("clients-file", "", "YAML file of clients to register at startup")
	sf.StringSlice("scopes", server.DefaultSupportedScopes, "supported scopes")
	sf.Duration("code-ttl", server.DefaultAuthorizationCodeTTL, "authorization code lifetime")
	sf.Duration("access-token-ttl", server.DefaultAccessTokenTTL, "access token lifetime")
	sf.String("trusted-user-header", oauth.DefaultTrustedUserHeader, "header carrying the user authenticated by the web application")
	sf.Bool("trust-proxy", false, "trust X-Forwarded-For for client IPs")
	sf.Int("trusted-proxy-count", 1, "number of trusted proxies in front of the server")
	sf.Bool("hsts", false, "send Strict-Transport-Security")
	sf.String("otlp-endpoint", "", "OTLP/HTTP trace collector endpoint (tracing disabled when empty)")
	sf.Bool("otlp-insecure", false, "use plain HTTP for the OTLP endpoint")

	cat := newCatalogCommand()
	cf := cat.PersistentFlags()
	cf.String("catalog-base-url", catalog.DefaultBaseURL, "Spotify Web API root")
	cf.Float64("catalog-rps", catalog.DefaultRequestsPerSecond, "upstream requests per second")

	viper.SetEnvPrefix("CBAUTH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindFlags(cmd,
		"config", "log-level", "log-format",
		"store", "sqlite-path", "mysql-host", "mysql-port", "mysql-user", "mysql-password", "mysql-database",
		"valkey-addr", "valkey-password", "valkey-db", "valkey-prefix", "cleanup-interval")
	bindFlags(serve,
		"listen", "metrics-listen", "shutdown-timeout", "clients-file",
		"scopes", "code-ttl", "access-token-ttl",
		"trusted-user-header", "trust-proxy", "trusted-proxy-count", "hsts",
		"otlp-endpoint", "otlp-insecure")
	bindFlags(cat, "catalog-base-url", "catalog-rps")

	cmd.AddCommand(serve)
	cmd.AddCommand(newHashSecretCommand())
	cmd.AddCommand(newClientsCommand())
	cmd.AddCommand(cat)
	return cmd
}

// bindFlags binds the named flags of cmd to viper keys of the same name.
func bindFlags(cmd *cobra.Command, names ...string) {
	for _, name := range names {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			flag = cmd.PersistentFlags().Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
}
