package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/critiquebrainz/cbauth/catalog"
)

func newCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Look up album metadata through the shared catalog cache",
	}

	var limit, offset int
	search := &cobra.Command{
		Use:   "search QUERY",
		Short: "Search albums, artists or tracks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, _ := cmd.Flags().GetString("type")
			return withCatalog(cmd, func(ctx context.Context, c *catalog.Client) (json.RawMessage, error) {
				return c.Search(ctx, args[0], typ, limit, offset)
			})
		},
	}
	search.Flags().String("type", "album", "comma-separated item types")
	search.Flags().IntVar(&limit, "limit", catalog.DefaultSearchLimit, "page size")
	search.Flags().IntVar(&offset, "offset", 0, "page offset")

	album := &cobra.Command{
		Use:   "album ID...",
		Short: "Get one or more albums by Spotify ID",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(cmd, func(ctx context.Context, c *catalog.Client) (json.RawMessage, error) {
				if len(args) == 1 {
					return c.GetAlbum(ctx, args[0])
				}
				return c.GetMultipleAlbums(ctx, args)
			})
		},
	}

	cmd.AddCommand(search, album)
	return cmd
}

// withCatalog builds a catalog client, caching in Valkey when the store is
// valkey, runs fn and prints its JSON result.
func withCatalog(cmd *cobra.Command, fn func(context.Context, *catalog.Client) (json.RawMessage, error)) error {
	cfg, err := bindConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}

	cache, closeCache, err := openCatalogCache(cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	client, err := catalog.New(catalog.Config{
		BaseURL:           cfg.CatalogBaseURL,
		Cache:             cache,
		RequestsPerSecond: cfg.CatalogRPS,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	result, err := fn(cmd.Context(), client)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

func openCatalogCache(cfg *daemonConfig, logger *slog.Logger) (catalog.Cache, func(), error) {
	if cfg.Store != storeValkey {
		return catalog.NewMemoryCache(), func() {}, nil
	}
	client, err := valkeygo.NewClient(valkeygo.ClientOption{
		InitAddress: []string{cfg.Valkey.Address},
		Password:    cfg.Valkey.Password,
		SelectDB:    cfg.Valkey.DB,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create valkey client: %w", err)
	}
	logger.Debug("Using Valkey catalog cache", "address", cfg.Valkey.Address)
	return catalog.NewValkeyCache(client, cfg.Valkey.Prefix+"catalog:"), client.Close, nil
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
