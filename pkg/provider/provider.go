// Package provider bridges an external wallet into the rest of the module.
// Every component receives an IProvider explicitly; there is no process-wide wallet.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Layr-Labs/multichain-aa-go/pkg/logger"
	"github.com/Layr-Labs/multichain-aa-go/pkg/metrics"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// IProvider sends a single request to a wallet and returns its raw result.
// Implementations never retry and impose no timeout beyond the caller's context.
type IProvider interface {
	// Request sends method with the ordered params and returns the raw JSON result.
	//
	// Parameters:
	//   - ctx: Context bounding the request; a hung wallet blocks until ctx is done
	//   - method: The JSON-RPC method name, e.g. "personal_sign"
	//   - params: The ordered parameter list
	//
	// Returns:
	//   - json.RawMessage: The raw result
	//   - error: *ProviderError when the wallet rejects the request, *NetworkError when it cannot be reached
	Request(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error)
}

// RPCProviderConfig configures an RPCProvider.
type RPCProviderConfig struct {
	// URL of the wallet JSON-RPC endpoint (http, https, ws or wss)
	URL string
	// Headers are added to every HTTP request, e.g. an API key for a hosted wallet
	Headers map[string]string
}

// RPCProvider is an IProvider backed by a go-ethereum rpc.Client.
type RPCProvider struct {
	client    *rpc.Client
	logger    *zap.Logger
	collector metrics.ICollector
}

// NewRPCProvider dials the wallet endpoint described by cfg.
//
// Parameters:
//   - ctx: Context for dialing
//   - cfg: The endpoint configuration
//   - collector: Metrics collector, may be nil
//   - l: Logger
//
// Returns:
//   - *RPCProvider: The connected provider
//   - error: An error if the URL cannot be dialed
func NewRPCProvider(ctx context.Context, cfg *RPCProviderConfig, collector metrics.ICollector, l *zap.Logger) (*RPCProvider, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("provider url is required")
	}
	client, err := Dial(ctx, cfg.URL, cfg.Headers, l)
	if err != nil {
		return nil, fmt.Errorf("failed to dial wallet at %s: %w", cfg.URL, err)
	}
	return NewRPCProviderFromClient(client, collector, l), nil
}

// NewRPCProviderFromClient wraps an already connected rpc.Client.
func NewRPCProviderFromClient(client *rpc.Client, collector metrics.ICollector, l *zap.Logger) *RPCProvider {
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}
	return &RPCProvider{
		client:    client,
		logger:    l,
		collector: collector,
	}
}

// Dial opens an rpc.Client whose HTTP traffic goes through the logging transport.
// It is shared by the wallet provider and the bundler client.
func Dial(ctx context.Context, url string, headers map[string]string, l *zap.Logger) (*rpc.Client, error) {
	opts := []rpc.ClientOption{
		rpc.WithHTTPClient(&http.Client{Transport: logger.NewHttpLoggerTransport(http.DefaultTransport, l)}),
	}
	for k, v := range headers {
		opts = append(opts, rpc.WithHeader(k, v))
	}
	return rpc.DialOptions(ctx, url, opts...)
}

func (p *RPCProvider) Request(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	start := time.Now()
	var result json.RawMessage
	err := p.client.CallContext(ctx, &result, method, params...)
	p.collector.ProviderRequest(method, start, err)

	p.logger.Debug("wallet request",
		zap.String("method", method),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("ok", err == nil),
	)
	if err != nil {
		return nil, ClassifyError(method, err)
	}
	return result, nil
}

// Close releases the underlying connection.
func (p *RPCProvider) Close() {
	p.client.Close()
}

// Call sends method through p and decodes the result into result.
// A nil result discards the response body.
func Call(ctx context.Context, p IProvider, result interface{}, method string, params ...interface{}) error {
	raw, err := p.Request(ctx, method, params...)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}
