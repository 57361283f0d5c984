package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// SidecarCompleteMethod is the unary RPC a sidecar serves. Request and reply
// are google.protobuf.Struct so no generated stubs are shared.
const SidecarCompleteMethod = "/questline.llm.v1.Completion/Complete"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errSidecarResponse          = errors.New("sidecar returned error")
)

// SidecarConfig holds configuration for the gRPC sidecar client.
type SidecarConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultSidecarConfig returns default configuration.
func DefaultSidecarConfig(addr string) SidecarConfig {
	return SidecarConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// SidecarProvider forwards completions to an out-of-process model server.
type SidecarProvider struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// NewSidecar connects to the sidecar and fails fast if it is not ready.
func NewSidecar(cfg SidecarConfig, logger *slog.Logger) (*SidecarProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to llm sidecar at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("llm sidecar at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to LLM sidecar", "address", cfg.Address)
	return &SidecarProvider{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Name implements Provider.
func (p *SidecarProvider) Name() string { return "sidecar" }

// Complete implements Provider.
func (p *SidecarProvider) Complete(ctx context.Context, req Request) (Response, error) {
	in, err := requestStruct(req)
	if err != nil {
		return Response{}, err
	}
	out := new(structpb.Struct)
	if err := p.conn.Invoke(ctx, SidecarCompleteMethod, in, out); err != nil {
		return Response{}, fmt.Errorf("sidecar complete: %w", err)
	}

	fields := out.GetFields()
	if msg := fields["error"].GetStringValue(); msg != "" {
		return Response{}, fmt.Errorf("%w: %s", errSidecarResponse, msg)
	}
	text := fields["text"].GetStringValue()
	if text == "" {
		return Response{}, fmt.Errorf("sidecar: %w", ErrEmptyResponse)
	}
	return Response{
		Text:     text,
		Model:    fields["model"].GetStringValue(),
		Provider: p.Name(),
	}, nil
}

// Close closes the gRPC connection.
func (p *SidecarProvider) Close() {
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

func requestStruct(req Request) (*structpb.Struct, error) {
	msgs := make([]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, map[string]any{"role": string(m.Role), "content": m.Content})
	}
	s, err := structpb.NewStruct(map[string]any{
		"model":       req.Model,
		"system":      req.System,
		"messages":    msgs,
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("encode sidecar request: %w", err)
	}
	return s, nil
}
