package server

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/critiquebrainz/cbauth/instrumentation"
	"github.com/critiquebrainz/cbauth/security"
	"github.com/critiquebrainz/cbauth/storage"
)

// Server implements the authorization service. It is safe for concurrent use;
// all state lives in the injected stores.
type Server struct {
	clientStore storage.ClientStore
	grantStore  storage.GrantStore
	tokenStore  storage.TokenStore

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Config          *Config

	tracer trace.Tracer
}

// New creates a new authorization server
func New(
	clientStore storage.ClientStore,
	grantStore storage.GrantStore,
	tokenStore storage.TokenStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if grantStore == nil {
		return nil, fmt.Errorf("grant store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config, logger)
	if err := config.validate(); err != nil {
		return nil, err
	}

	return &Server{
		clientStore: clientStore,
		grantStore:  grantStore,
		tokenStore:  tokenStore,
		Config:      config,
		Logger:      logger,
		tracer:      noop.NewTracerProvider().Tracer(""),
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation sets the OpenTelemetry instrumentation for flow spans and metrics
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	}
}

func (s *Server) metrics() *instrumentation.Metrics {
	if s.Instrumentation == nil {
		return nil
	}
	return s.Instrumentation.Metrics()
}

func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name)
}

// finish records the outcome of a flow on its span and, for rejected
// requests, in the rejection counter.
func (s *Server) finish(ctx context.Context, span trace.Span, endpoint string, err error) {
	defer span.End()

	if err == nil {
		instrumentation.SetSpanSuccess(span)
		return
	}

	code := ErrorCode(err)
	span.SetAttributes(attribute.String(instrumentation.AttrError, code))
	if code == ErrorCodeServerError {
		instrumentation.RecordError(span, err)
		return
	}
	instrumentation.SetSpanError(span, code)
	s.metrics().RecordValidationFailure(ctx, endpoint, code)
}
