package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/leetcoach/internal/stuck"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// AssessNeedMethod is the full gRPC method name of the oracle call. Request
// and response are google.protobuf.Struct values carrying the same JSON
// shapes as the HTTP transport.
const AssessNeedMethod = "/leetcoach.oracle.v1.AssistanceOracle/AssessNeed"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCConfig holds configuration for the gRPC client.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended to the defaults. Tests use them to dial an
	// in-memory listener.
	DialOptions []grpc.DialOption
}

func (c GRPCConfig) withDefaults() GRPCConfig {
	if c.Address == "" {
		c.Address = "localhost:50051"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.KeepaliveTime <= 0 {
		c.KeepaliveTime = 2 * time.Minute
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = 10 * time.Second
	}
	return c
}

// GRPCClient calls the oracle over gRPC.
type GRPCClient struct {
	conn    *grpc.ClientConn
	addr    string
	timeout time.Duration
	logger  *slog.Logger
}

// NewGRPCClient connects to the oracle and waits until the connection is
// ready, so a bad endpoint fails at startup rather than on the first tick.
func NewGRPCClient(cfg GRPCConfig, logger *slog.Logger) (*GRPCClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: false,
		}),
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create oracle client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("[ORACLE] Failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("oracle at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("[ORACLE] Connected to gRPC oracle", "address", cfg.Address)
	return &GRPCClient{
		conn:    conn,
		addr:    cfg.Address,
		timeout: cfg.RequestTimeout,
		logger:  logger,
	}, nil
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

// Mode returns ModeGRPC.
func (c *GRPCClient) Mode() Mode { return ModeGRPC }

// Close closes the connection.
func (c *GRPCClient) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close oracle connection: %w", err)
	}
	return nil
}

// Assess invokes AssessNeed with the context encoded as a Struct.
func (c *GRPCClient) Assess(ctx context.Context, sc stuck.Context) (bool, error) {
	req, err := contextToStruct(sc)
	if err != nil {
		return false, err
	}

	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, AssessNeedMethod, req, resp); err != nil {
		return false, fmt.Errorf("AssessNeed failed: %w", err)
	}
	v, err := verdictFromStruct(resp)
	if err != nil {
		return false, err
	}
	return resolve(v, sc, c.logger), nil
}

func contextToStruct(sc stuck.Context) (*structpb.Struct, error) {
	raw, err := json.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("encode oracle request: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode oracle request: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode oracle request: %w", err)
	}
	return s, nil
}

func verdictFromStruct(s *structpb.Struct) (Verdict, error) {
	fields := s.GetFields()
	needs, ok := fields["needs_assistance"]
	if !ok {
		return Verdict{}, fmt.Errorf("%w: missing needs_assistance", ErrBadResponse)
	}
	if _, isBool := needs.GetKind().(*structpb.Value_BoolValue); !isBool {
		return Verdict{}, fmt.Errorf("%w: needs_assistance is not a bool", ErrBadResponse)
	}

	v := Verdict{
		Success:         true,
		NeedsAssistance: needs.GetBoolValue(),
		Reasoning:       fields["reasoning"].GetStringValue(),
		Confidence:      fields["confidence"].GetNumberValue(),
	}
	if success, ok := fields["success"]; ok {
		v.Success = success.GetBoolValue()
	}
	return v, nil
}

// VerdictStruct encodes v for the gRPC transport.
func VerdictStruct(v Verdict) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"success":          structpb.NewBoolValue(v.Success),
		"needs_assistance": structpb.NewBoolValue(v.NeedsAssistance),
		"reasoning":        structpb.NewStringValue(v.Reasoning),
		"confidence":       structpb.NewNumberValue(v.Confidence),
	}}
}

// ContextFromStruct decodes a request Struct back into a Context.
func ContextFromStruct(s *structpb.Struct) (stuck.Context, error) {
	raw, err := s.MarshalJSON()
	if err != nil {
		return stuck.Context{}, fmt.Errorf("decode oracle request: %w", err)
	}
	var sc stuck.Context
	if err := json.Unmarshal(raw, &sc); err != nil {
		return stuck.Context{}, fmt.Errorf("decode oracle request: %w", err)
	}
	return sc, nil
}
