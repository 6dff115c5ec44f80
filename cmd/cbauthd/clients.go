package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/critiquebrainz/cbauth/server"
)

// clientsFile is the YAML document of clients registered at startup:
//
//	clients:
//	  - client_id: critiquebrainz-web
//	    client_secret_hash: $2a$10$...
//	    redirect_uri: https://critiquebrainz.org/oauth/callback
//	    name: CritiqueBrainz
type clientsFile struct {
	Clients []server.ClientRegistration `yaml:"clients"`
}

// loadClientsFile parses the clients file at path.
func loadClientsFile(path string) ([]server.ClientRegistration, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open clients file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return decodeClients(f)
}

func decodeClients(r io.Reader) ([]server.ClientRegistration, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc clientsFile
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse clients file: %w", err)
	}

	seen := make(map[string]struct{}, len(doc.Clients))
	for i, c := range doc.Clients {
		if c.ClientID == "" {
			return nil, fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if _, dup := seen[c.ClientID]; dup {
			return nil, fmt.Errorf("clients[%d]: duplicate client_id %q", i, c.ClientID)
		}
		seen[c.ClientID] = struct{}{}
	}
	return doc.Clients, nil
}

// registerClients stores every client of the file at path through srv.
func registerClients(ctx context.Context, srv *server.Server, path string) (int, error) {
	regs, err := loadClientsFile(path)
	if err != nil {
		return 0, err
	}
	for _, reg := range regs {
		if _, err := srv.RegisterClient(ctx, reg); err != nil {
			return 0, fmt.Errorf("register client %q: %w", reg.ClientID, err)
		}
	}
	return len(regs), nil
}

func newClientsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Manage registered OAuth clients",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, func(ctx context.Context, b *backend, _ *server.Server) error {
				clients, err := b.ListClients(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CLIENT ID\tNAME\tREDIRECT URI\tCREATED")
				for _, c := range clients {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ClientID, c.Name, c.RedirectURI, c.CreatedAt.Format("2006-01-02"))
				}
				return tw.Flush()
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "import FILE",
		Short: "Register the clients of a YAML file in the configured store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, _ *backend, srv *server.Server) error {
				n, err := registerClients(ctx, srv, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "registered %d client(s)\n", n)
				return nil
			})
		},
	})
	return cmd
}

// withBackend opens the configured store for a one-shot command.
func withBackend(cmd *cobra.Command, fn func(context.Context, *backend, *server.Server) error) error {
	cfg, err := bindConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	srv, err := server.New(b, b, b, &cfg.Server, logger)
	if err != nil {
		return err
	}
	return fn(ctx, b, srv)
}
