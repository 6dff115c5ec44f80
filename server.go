package oauth

import (
	"log/slog"

	"github.com/critiquebrainz/cbauth/server"
	"github.com/critiquebrainz/cbauth/storage"
)

// Server is the authorization service the handler delegates to
type Server = server.Server

// NewServer creates an authorization service backed by a single store that
// holds clients, grants and tokens.
func NewServer(store storage.Store, config *server.Config, logger *slog.Logger) (*Server, error) {
	return server.New(store, store, store, config, logger)
}
