package localWallet

import (
	"context"
	"net/http"

	"github.com/Layr-Labs/multichain-aa-go/pkg/logger"
	"github.com/Layr-Labs/multichain-aa-go/pkg/metrics"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Server exposes a Wallet over HTTP JSON-RPC.
//
// Routes:
//
//	POST /         JSON-RPC: personal_sign, eth_*, wallet_*
//	GET  /metrics  Prometheus metrics
type Server struct {
	wallet     *Wallet
	rpcServer  *rpc.Server
	httpServer *http.Server
	logger     *zap.Logger
}

// NewServer creates a server for w listening on listenAddress. A nil gatherer disables /metrics.
func NewServer(w *Wallet, listenAddress string, gatherer prometheus.Gatherer, l *zap.Logger) (*Server, error) {
	rpcServer, err := w.RPCServer()
	if err != nil {
		return nil, err
	}
	s := &Server{
		wallet:    w,
		rpcServer: rpcServer,
		logger:    l,
	}

	mux := http.NewServeMux()
	mux.Handle("/", rpcServer)
	if gatherer != nil {
		mux.Handle("/metrics", metrics.Handler(gatherer))
	}

	s.httpServer = &http.Server{
		Addr:    listenAddress,
		Handler: logger.HttpLoggerMiddleware(mux, l),
	}
	return s, nil
}

// Start serves in the background.
func (s *Server) Start() error {
	go func() {
		s.logger.Sugar().Infow("Starting wallet server",
			"address", s.wallet.Address().Hex(),
			"listen", s.httpServer.Addr,
		)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Sugar().Errorw("wallet server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down, waiting for in-flight requests until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.rpcServer.Stop()
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
