package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/leetcoach/internal/oracle"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

func newOracleStubCmd() *cobra.Command {
	var httpAddr, grpcAddr string
	cmd := &cobra.Command{
		Use:   "oracle-stub",
		Short: "Serve the heuristic assistance oracle over HTTP and gRPC",
		Long: `Serve the heuristic assistance oracle for local development.

The server answers POST /api/screen/assistance-need over HTTP and the
AssessNeed RPC over gRPC, deciding from the context indicators alone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serveOracle(ctx, cmd, httpAddr, grpcAddr)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", ":8090", "HTTP listen address (empty disables)")
	cmd.Flags().StringVar(&grpcAddr, "grpc", ":9090", "gRPC listen address (empty disables)")
	return cmd
}

func serveOracle(ctx context.Context, cmd *cobra.Command, httpAddr, grpcAddr string) error {
	if httpAddr == "" && grpcAddr == "" {
		return errors.New("at least one of --http and --grpc is required")
	}
	logger := newLogger(cmd.ErrOrStderr())
	srv := oracle.NewServer(oracle.HeuristicAssess, logger)
	errc := make(chan error, 2)

	if httpAddr != "" {
		r := chi.NewRouter()
		r.Post(oracle.AssistanceNeedPath, srv.ServeHTTP)
		hs := &http.Server{Addr: httpAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("http oracle: %w", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = hs.Shutdown(shutdownCtx)
		}()
		fmt.Fprintf(cmd.OutOrStdout(), "http oracle listening on %s\n", httpAddr)
	}

	if grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", grpcAddr, err)
		}
		gs := grpc.NewServer()
		srv.RegisterGRPC(gs)
		go func() {
			if err := gs.Serve(lis); err != nil {
				errc <- fmt.Errorf("grpc oracle: %w", err)
			}
		}()
		defer gs.GracefulStop()
		fmt.Fprintf(cmd.OutOrStdout(), "grpc oracle listening on %s\n", grpcAddr)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}
