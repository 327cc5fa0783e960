package oracle

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/leetcoach/internal/stuck"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// AssessFunc decides whether the user described by c needs assistance.
type AssessFunc func(ctx context.Context, c stuck.Context) (Verdict, error)

// HeuristicAssess answers with the context indicators alone.
func HeuristicAssess(_ context.Context, c stuck.Context) (Verdict, error) {
	needs := Indicators(c)
	reason := "no indicator triggered"
	if needs {
		reason = "context indicators suggest the user is stuck"
	}
	return Verdict{Success: true, NeedsAssistance: needs, Reasoning: reason, Confidence: 0.5}, nil
}

// Server exposes an AssessFunc over both oracle transports.
type Server struct {
	assess AssessFunc
	logger *slog.Logger
}

// NewServer wraps fn. A nil fn uses HeuristicAssess.
func NewServer(fn AssessFunc, logger *slog.Logger) *Server {
	if fn == nil {
		fn = HeuristicAssess
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{assess: fn, logger: logger}
}

// ServeHTTP handles POST AssistanceNeedPath.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var c stuck.Context
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxResponseBytes)).Decode(&c); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid context"})
		return
	}

	v, err := s.assess(r.Context(), c)
	if err != nil {
		s.logger.Warn("[ORACLE] Assessment failed", "error", err)
		writeJSON(w, http.StatusOK, Verdict{Success: false})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// RegisterGRPC registers the AssessNeed service on g.
func (s *Server) RegisterGRPC(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

type assessNeedServer interface {
	assessNeed(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func (s *Server) assessNeed(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	c, err := ContextFromStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	v, err := s.assess(ctx, c)
	if err != nil {
		s.logger.Warn("[ORACLE] Assessment failed", "error", err)
		return VerdictStruct(Verdict{Success: false}), nil
	}
	return VerdictStruct(v), nil
}

func assessNeedHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(assessNeedServer).assessNeed(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: AssessNeedMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(assessNeedServer).assessNeed(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "leetcoach.oracle.v1.AssistanceOracle",
	HandlerType: (*assessNeedServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AssessNeed", Handler: assessNeedHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "leetcoach/oracle/v1/oracle.proto",
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	//nolint:errcheck // headers are already sent
	json.NewEncoder(w).Encode(v)
}
