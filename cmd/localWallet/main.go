package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Layr-Labs/multichain-aa-go/pkg/chainManager"
	"github.com/Layr-Labs/multichain-aa-go/pkg/config"
	"github.com/Layr-Labs/multichain-aa-go/pkg/keySigner"
	"github.com/Layr-Labs/multichain-aa-go/pkg/localWallet"
	"github.com/Layr-Labs/multichain-aa-go/pkg/logger"
	"github.com/Layr-Labs/multichain-aa-go/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	cli "github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:  "localWallet",
		Usage: "JSON-RPC wallet backed by a private key or AWS KMS key",
		Description: `The localWallet serves the wallet methods used by the aa CLI
(personal_sign, eth_signTypedData_v4, eth_signTransaction, eth_sendTransaction,
wallet_switchEthereumChain, wallet_sendCalls and wallet_getCallsStatus) for a single
key on the configured test networks. Keep it bound to localhost.`,
		Version: "1.0.0",
		Authors: []*cli.Author{
			{
				Name:  "EigenLayer",
				Email: "support@eigenlayer.xyz",
			},
		},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				EnvVars: []string{"DEBUG"},
			},
			&cli.StringFlag{
				Name:    "listen",
				Aliases: []string{"l"},
				Usage:   "Address the JSON-RPC server listens on",
				Value:   "127.0.0.1:8545",
				EnvVars: []string{"LISTEN_ADDRESS"},
			},
			&cli.StringSliceFlag{
				Name:    "chains",
				Aliases: []string{"c"},
				Usage:   "Blockchain configurations in format 'chainId:rpcUrl'; without chains the wallet only signs",
				EnvVars: []string{"CHAINS"},
			},
			&cli.Uint64Flag{
				Name:    "chain-id",
				Usage:   "Chain the wallet starts on (defaults to the first configured chain)",
				EnvVars: []string{"CHAIN_ID"},
			},
			// Key options
			&cli.StringFlag{
				Name:    "private-key",
				Usage:   "Private key (hex format, with or without 0x prefix)",
				EnvVars: []string{"PRIVATE_KEY"},
			},
			&cli.StringFlag{
				Name:    "aws-kms-key-id",
				Usage:   "AWS KMS key ID (ECC_SECG_P256K1)",
				EnvVars: []string{"AWS_KMS_KEY_ID"},
			},
			&cli.StringFlag{
				Name:    "aws-region",
				Usage:   "AWS region of the KMS key",
				Value:   "us-east-1",
				EnvVars: []string{"AWS_REGION"},
			},
		},
		Before: validateFlags,
		Action: serveAction,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func validateFlags(c *cli.Context) error {
	hasPrivateKey := c.String("private-key") != ""
	hasKMS := c.String("aws-kms-key-id") != ""
	if hasPrivateKey == hasKMS {
		return fmt.Errorf("exactly one of --private-key or --aws-kms-key-id must be provided")
	}
	if id := c.Uint64("chain-id"); id != 0 && !config.IsSupportedChain(id) {
		return fmt.Errorf("unsupported chain ID %d, supported: %s", id, config.GetSupportedChainIDsString())
	}
	return nil
}

func setupKeySigner(ctx context.Context, c *cli.Context, l *zap.Logger) (keySigner.IKeySigner, error) {
	if keyID := c.String("aws-kms-key-id"); keyID != "" {
		l.Sugar().Infow("Using AWS KMS signer", "keyId", keyID, "region", c.String("aws-region"))
		return keySigner.NewAWSKMSSignerFromRegion(ctx, keyID, c.String("aws-region"), l)
	}
	l.Sugar().Infow("Using private key signer")
	return keySigner.NewPrivateKeySigner(c.String("private-key"))
}

func setupChainManager(ctx context.Context, c *cli.Context, collector metrics.ICollector, l *zap.Logger) (*chainManager.ChainManager, error) {
	order, urls, err := config.ParseChainPairs(c.StringSlice("chains"))
	if err != nil {
		return nil, err
	}
	cm := chainManager.NewChainManager(collector, l)
	for _, id := range order {
		if !config.IsSupportedChain(id) {
			cm.Close()
			return nil, fmt.Errorf("unsupported chain ID %d, supported: %s", id, config.GetSupportedChainIDsString())
		}
		if err := cm.AddChain(ctx, &chainManager.ChainConfig{ChainID: id, RPCUrl: urls[id]}); err != nil {
			cm.Close()
			return nil, fmt.Errorf("failed to add chain %d: %w", id, err)
		}
	}
	return cm, nil
}

func serveAction(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: c.Bool("debug")})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg, l)

	signer, err := setupKeySigner(ctx, c, l)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}
	cm, err := setupChainManager(ctx, c, collector, l)
	if err != nil {
		return err
	}
	defer cm.Close()

	w, err := localWallet.NewWallet(signer, cm, &localWallet.Config{ChainID: c.Uint64("chain-id")}, l)
	if err != nil {
		return err
	}
	server, err := localWallet.NewServer(w, c.String("listen"), reg, l)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	l.Sugar().Infow("Shutting down wallet server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	return server.Stop(shutdownCtx)
}
