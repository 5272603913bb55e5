package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/Layr-Labs/multichain-aa-go/pkg/account"
	"github.com/Layr-Labs/multichain-aa-go/pkg/authorization"
	"github.com/Layr-Labs/multichain-aa-go/pkg/callBatch"
	"github.com/Layr-Labs/multichain-aa-go/pkg/chainManager"
	"github.com/Layr-Labs/multichain-aa-go/pkg/config"
	"github.com/Layr-Labs/multichain-aa-go/pkg/delegation"
	"github.com/Layr-Labs/multichain-aa-go/pkg/journal"
	"github.com/Layr-Labs/multichain-aa-go/pkg/kernel"
	"github.com/Layr-Labs/multichain-aa-go/pkg/logger"
	"github.com/Layr-Labs/multichain-aa-go/pkg/orchestrator"
	"github.com/Layr-Labs/multichain-aa-go/pkg/provider"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "aa",
		Usage: "Account abstraction toolkit for an external wallet",
		Description: `The aa CLI drives an external wallet over JSON-RPC to sign EIP-7702
authorizations, send EIP-5792 call batches and submit one ERC-4337 user operation
per chain from a Kernel smart account, approving every chain with a single signature.
Only test networks are supported.`,
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
				Name:     "wallet-url",
				Aliases:  []string{"w"},
				Usage:    "Wallet JSON-RPC endpoint (e.g., 'http://localhost:8545' for the localWallet binary)",
				Required: true,
				EnvVars:  []string{"WALLET_URL"},
			},
			&cli.StringSliceFlag{
				Name:     "chains",
				Aliases:  []string{"c"},
				Usage:    "Node configurations in format 'chainId:rpcUrl' (e.g., '11155111:https://ethereum-sepolia-rpc.publicnode.com')",
				Required: true,
				EnvVars:  []string{"CHAINS"},
			},
			&cli.StringSliceFlag{
				Name:    "bundlers",
				Usage:   "ERC-4337 bundler endpoints in format 'chainId:bundlerUrl'",
				EnvVars: []string{"BUNDLERS"},
			},
			&cli.StringSliceFlag{
				Name:    "paymasters",
				Usage:   "ERC-7677 paymaster endpoints in format 'chainId:paymasterUrl'",
				EnvVars: []string{"PAYMASTERS"},
			},
			// Contract deployments
			&cli.StringFlag{
				Name:    "entry-point",
				Usage:   "ERC-4337 EntryPoint address",
				Value:   config.EntryPointV07Address.Hex(),
				EnvVars: []string{"ENTRY_POINT_ADDRESS"},
			},
			&cli.StringFlag{
				Name:    "kernel-factory",
				Usage:   "Kernel account factory address",
				Value:   config.KernelV31FactoryAddress.Hex(),
				EnvVars: []string{"KERNEL_FACTORY_ADDRESS"},
			},
			&cli.StringFlag{
				Name:    "kernel-validator",
				Usage:   "Kernel root validator address",
				Value:   config.MultiChainECDSAValidatorAddress.Hex(),
				EnvVars: []string{"KERNEL_VALIDATOR_ADDRESS"},
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "Delay between status and receipt polls",
				Value:   config.DefaultPollInterval,
				EnvVars: []string{"POLL_INTERVAL"},
			},
			&cli.DurationFlag{
				Name:    "max-wait",
				Usage:   "Maximum time to wait for a batch status or receipt (0 waits indefinitely)",
				EnvVars: []string{"MAX_WAIT"},
			},
			// Journal options
			&cli.StringFlag{
				Name:    "journal-type",
				Usage:   "Where submissions are journaled: memory, badger or redis",
				Value:   config.JournalType_Memory,
				EnvVars: []string{"JOURNAL_TYPE"},
			},
			&cli.StringFlag{
				Name:    "journal-path",
				Usage:   "Badger journal directory",
				EnvVars: []string{"JOURNAL_PATH"},
			},
			&cli.StringFlag{
				Name:    "journal-redis-address",
				Usage:   "Redis address for the redis journal (host:port)",
				EnvVars: []string{"JOURNAL_REDIS_ADDRESS"},
			},
			&cli.StringFlag{
				Name:    "journal-redis-password",
				Usage:   "Redis password for the redis journal",
				EnvVars: []string{"JOURNAL_REDIS_PASSWORD"},
			},
			&cli.IntFlag{
				Name:    "journal-redis-db",
				Usage:   "Redis database for the redis journal",
				EnvVars: []string{"JOURNAL_REDIS_DB"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:    "accounts",
				Aliases: []string{"a"},
				Usage:   "Show the wallet's account and active chain",
				Action:  accountsAction,
			},
			{
				Name:  "authorize",
				Usage: "Sign an EIP-7702 authorization, optionally sending it in a set-code transaction",
				Description: `Ask the wallet to sign an authorization delegating its account to a
contract. With --send, the wallet also signs a self-sponsored set-code transaction
carrying the authorization, which is sent to the chain's node and awaited.`,
				Flags: []cli.Flag{
					&cli.Uint64Flag{
						Name:     "chain-id",
						Usage:    "Chain the authorization is valid on",
						Required: true,
						EnvVars:  []string{"CHAIN_ID"},
					},
					&cli.StringFlag{
						Name:    "delegate",
						Usage:   "Contract the account delegates to",
						Value:   config.StatelessDeleGatorAddress.Hex(),
						EnvVars: []string{"DELEGATE_ADDRESS"},
					},
					&cli.Uint64Flag{
						Name:  "nonce",
						Usage: "Authorization nonce (ignored with --send, which uses the pending nonce)",
					},
					&cli.BoolFlag{
						Name:  "send",
						Usage: "Send a set-code transaction carrying the authorization",
					},
				},
				Action: authorizeAction,
			},
			{
				Name:  "send-calls",
				Usage: "Send an EIP-5792 call batch and wait for its status",
				Flags: []cli.Flag{
					&cli.Uint64SliceFlag{
						Name:     "chain-id",
						Usage:    "Chain the batch is sent on; repeat to send on several chains in order",
						Required: true,
						EnvVars:  []string{"CHAIN_IDS"},
					},
					&cli.StringFlag{
						Name:  "to",
						Usage: "Target of every call",
						Value: config.DemoCallTarget.Hex(),
					},
					&cli.StringFlag{
						Name:  "data",
						Usage: "Hex call data of every call",
						Value: "0x",
					},
					&cli.IntFlag{
						Name:  "count",
						Usage: "Number of calls in the batch",
						Value: 2,
					},
					&cli.BoolFlag{
						Name:  "atomic",
						Usage: "Require the wallet to execute the batch atomically",
					},
				},
				Action: sendCallsAction,
			},
			{
				Name:  "userops",
				Usage: "Submit one user operation per chain, signed with a single wallet request",
				Description: `Prepare a user operation from the owner's Kernel account on every
configured chain with a bundler, sign all of them at once with a merkle root, then
submit them in chain order. A failure on one chain never undoes earlier chains.`,
				Flags: []cli.Flag{
					&cli.Uint64Flag{
						Name:  "account-index",
						Usage: "Kernel account index for the owner",
					},
					&cli.BoolFlag{
						Name:  "parallel",
						Usage: "Submit to all chains concurrently instead of in order",
					},
					&cli.StringFlag{
						Name:    "sponsorship-policy-id",
						Usage:   "Paymaster sponsorship policy passed as paymaster context",
						EnvVars: []string{"SPONSORSHIP_POLICY_ID"},
					},
				},
				Action: userOpsAction,
			},
			{
				Name:  "history",
				Usage: "List the journal entries of a run",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "run-id",
						Usage:    "Run to list",
						Required: true,
					},
				},
				Action: historyAction,
			},
		},
		Before: validateFlags,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// validateFlags builds the configuration once so malformed flags fail before any command runs.
func validateFlags(c *cli.Context) error {
	if c.Args().Len() == 0 {
		return nil
	}
	_, err := loadConfig(c)
	return err
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	chains, err := config.BuildChainEndpoints(c.StringSlice("chains"), c.StringSlice("bundlers"), c.StringSlice("paymasters"))
	if err != nil {
		return nil, err
	}
	addresses := map[string]common.Address{}
	for _, name := range []string{"entry-point", "kernel-factory", "kernel-validator"} {
		value := c.String(name)
		if !common.IsHexAddress(value) {
			return nil, fmt.Errorf("invalid %s address: %s", name, value)
		}
		addresses[name] = common.HexToAddress(value)
	}

	cfg := &config.Config{
		WalletURL:       c.String("wallet-url"),
		Chains:          chains,
		EntryPoint:      addresses["entry-point"],
		KernelFactory:   addresses["kernel-factory"],
		KernelValidator: addresses["kernel-validator"],
		PollInterval:    c.Duration("poll-interval"),
		MaxWait:         c.Duration("max-wait"),
		Journal: config.JournalConfig{
			Type:          c.String("journal-type"),
			Path:          c.String("journal-path"),
			RedisAddress:  c.String("journal-redis-address"),
			RedisPassword: c.String("journal-redis-password"),
			RedisDB:       c.Int("journal-redis-db"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogger(c *cli.Context) (*zap.Logger, error) {
	return logger.NewLogger(&logger.LoggerConfig{Debug: c.Bool("debug")})
}

// commandContext is cancelled on SIGINT or SIGTERM.
func commandContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

// setup loads the configuration, creates the logger and connects to the wallet.
func setup(ctx context.Context, c *cli.Context) (*config.Config, *zap.Logger, *account.Account, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, nil, err
	}
	l, err := setupLogger(c)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	p, err := provider.NewRPCProvider(ctx, &provider.RPCProviderConfig{URL: cfg.WalletURL}, nil, l)
	if err != nil {
		return nil, nil, nil, err
	}
	acct, err := account.Connect(ctx, provider.NewBridge(p, l), l)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, l, acct, nil
}

func setupChainManager(ctx context.Context, cfg *config.Config, l *zap.Logger) (*chainManager.ChainManager, error) {
	cm := chainManager.NewChainManager(nil, l)
	for _, chain := range cfg.Chains {
		err := cm.AddChain(ctx, &chainManager.ChainConfig{
			ChainID:      chain.ChainID,
			RPCUrl:       chain.RPCUrl,
			BundlerUrl:   chain.BundlerUrl,
			PaymasterUrl: chain.PaymasterUrl,
			EntryPoint:   cfg.EntryPoint,
		})
		if err != nil {
			cm.Close()
			return nil, fmt.Errorf("failed to add chain %d: %w", chain.ChainID, err)
		}
	}
	return cm, nil
}

func accountsAction(c *cli.Context) error {
	ctx, cancel := commandContext(c)
	defer cancel()

	_, _, acct, err := setup(ctx, c)
	if err != nil {
		return err
	}
	chainID, err := acct.Bridge().ChainID(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("account: %s\n", acct.Address().Hex())
	fmt.Printf("chainId: %d\n", chainID)
	return nil
}

func authorizeAction(c *cli.Context) error {
	ctx, cancel := commandContext(c)
	defer cancel()

	cfg, l, acct, err := setup(ctx, c)
	if err != nil {
		return err
	}
	chainID := c.Uint64("chain-id")
	delegate := c.String("delegate")
	if !common.IsHexAddress(delegate) {
		return fmt.Errorf("invalid delegate address: %s", delegate)
	}

	if !c.Bool("send") {
		auth, err := acct.SignAuthorization(ctx, authorization.Request{
			ChainID: chainID,
			Address: delegate,
			Nonce:   c.Uint64("nonce"),
		})
		if err != nil {
			return err
		}
		printAuthorization(auth)
		return nil
	}

	cm, err := setupChainManager(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer cm.Close()
	j, err := openJournal(&cfg.Journal, l)
	if err != nil {
		return err
	}
	defer closeJournal(j, l)

	runID := uuid.New().String()
	d := delegation.NewDelegator(&delegation.Config{PollInterval: cfg.PollInterval}, cm, acct, j, l)
	res, err := d.Delegate(ctx, runID, chainID, common.HexToAddress(delegate), nil)
	if err != nil {
		return err
	}
	printAuthorization(res.Authorization)
	fmt.Printf("runId: %s\n", runID)
	fmt.Printf("transaction: %s\n", res.Transaction.Hash().Hex())
	fmt.Printf("block: %s\n", res.Receipt.BlockNumber.String())
	return nil
}

func printAuthorization(auth *authorization.Signature) {
	fmt.Printf("chainId: %d\n", auth.ChainID)
	fmt.Printf("address: %s\n", auth.Address)
	fmt.Printf("nonce: %d\n", auth.Nonce)
	fmt.Printf("yParity: %d\n", auth.YParity)
	fmt.Printf("r: %s\n", auth.R)
	fmt.Printf("s: %s\n", auth.S)
}

func sendCallsAction(c *cli.Context) error {
	ctx, cancel := commandContext(c)
	defer cancel()

	cfg, l, acct, err := setup(ctx, c)
	if err != nil {
		return err
	}
	to := c.String("to")
	if !common.IsHexAddress(to) {
		return fmt.Errorf("invalid call target: %s", to)
	}
	data, err := hexutil.Decode(c.String("data"))
	if err != nil {
		return fmt.Errorf("invalid call data: %w", err)
	}
	if c.Int("count") < 1 {
		return fmt.Errorf("count must be at least 1")
	}
	calls := make([]callBatch.Call, 0, c.Int("count"))
	for i := 0; i < c.Int("count"); i++ {
		calls = append(calls, callBatch.Call{To: common.HexToAddress(to), Data: data, Value: big.NewInt(0)})
	}

	j, err := openJournal(&cfg.Journal, l)
	if err != nil {
		return err
	}
	defer closeJournal(j, l)
	runID := uuid.New().String()

	chainIDs := c.Uint64Slice("chain-id")
	for _, id := range chainIDs {
		if !config.IsSupportedChain(id) {
			return fmt.Errorf("unsupported chain ID %d, supported: %s", id, config.GetSupportedChainIDsString())
		}
	}
	submitter := callBatch.NewSubmitter(acct.Bridge(), &callBatch.Config{
		ChainID:        chainIDs[0],
		From:           acct.Address(),
		PollInterval:   cfg.PollInterval,
		MaxWait:        cfg.MaxWait,
		AtomicRequired: c.Bool("atomic"),
	}, nil, l)

	fmt.Printf("runId: %s\n", runID)
	_, err = submitter.SendOnChains(ctx, chainIDs, calls, func(b *callBatch.ChainBatch) {
		switch {
		case b.Status == nil && b.Err == nil:
			fmt.Printf("batch: %s on chain %d\n", b.ID, b.ChainID)
			recordBatch(ctx, j, l, runID, b.ChainID, b.ID, journal.Status_Submitted, "")
		case b.Status == nil:
			recordBatch(ctx, j, l, runID, b.ChainID, b.ID, journal.Status_Failed, b.Err.Error())
		default:
			printBatchStatus(b.Status)
			if b.Status.Status == callBatch.StatusConfirmed {
				recordBatch(ctx, j, l, runID, b.ChainID, b.ID, journal.Status_Confirmed, "")
			} else {
				recordBatch(ctx, j, l, runID, b.ChainID, b.ID, journal.Status_Failed, fmt.Sprintf("status %d", b.Status.StatusCode))
			}
		}
	})
	return err
}

func printBatchStatus(status *callBatch.Status) {
	fmt.Printf("chain %d status: %s (%d)\n", status.ChainID, status.Status, status.StatusCode)
	fmt.Printf("atomic: %t\n", status.Atomic)
	for _, r := range status.Receipts {
		fmt.Printf("receipt: %s block %d status %d\n", r.TransactionHash.Hex(), uint64(r.BlockNumber), uint64(r.Status))
	}
}

func recordBatch(ctx context.Context, j journal.IJournal, l *zap.Logger, runID string, chainID uint64, id string, status string, detail string) {
	err := j.Record(context.WithoutCancel(ctx), &journal.Entry{
		RunID:     runID,
		Kind:      journal.Kind_Batch,
		ChainID:   chainID,
		Reference: id,
		Status:    status,
		Detail:    detail,
	})
	if err != nil {
		l.Sugar().Warnw("failed to record journal entry", zap.Error(err))
	}
}

func userOpsAction(c *cli.Context) error {
	ctx, cancel := commandContext(c)
	defer cancel()

	cfg, l, acct, err := setup(ctx, c)
	if err != nil {
		return err
	}
	cm, err := setupChainManager(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer cm.Close()
	j, err := openJournal(&cfg.Journal, l)
	if err != nil {
		return err
	}
	defer closeJournal(j, l)

	var paymasterContext map[string]interface{}
	if policy := c.String("sponsorship-policy-id"); policy != "" {
		paymasterContext = map[string]interface{}{"sponsorshipPolicyId": policy}
	}
	opts := []orchestrator.Option{orchestrator.WithJournal(j)}
	if c.Bool("parallel") {
		opts = append(opts, orchestrator.WithParallelSubmission())
	}

	o := orchestrator.NewOrchestrator(&orchestrator.Config{
		Factory:          cfg.KernelFactory,
		Validator:        cfg.KernelValidator,
		EntryPoint:       cfg.EntryPoint,
		AccountIndex:     c.Uint64("account-index"),
		Calls:            []kernel.Call{{To: config.DemoCallTarget, Value: big.NewInt(0)}},
		PaymasterContext: paymasterContext,
		ReceiptMaxWait:   cfg.MaxWait,
	}, cm, acct.Address(), acct, l, opts...)

	chainIDs := cfg.BundlerChainIDs()
	if len(chainIDs) == 0 {
		return fmt.Errorf("no bundler configured; pass --bundlers 'chainId:bundlerUrl'")
	}

	run, runErr := o.Run(ctx, chainIDs)
	if run != nil {
		fmt.Printf("runId: %s\n", run.ID)
		for _, res := range run.Results {
			printResult(res)
		}
	}
	return runErr
}

func printResult(res *orchestrator.Result) {
	name := config.ChainIdToName[config.ChainId(res.ChainID)]
	switch {
	case res.Err != nil:
		fmt.Printf("%s: %s failed: %v\n", name, res.UserOpHash.Hex(), res.Err)
	case res.Receipt != nil && res.Receipt.Receipt != nil:
		fmt.Printf("%s: %s included in %s (success %t)\n", name, res.UserOpHash.Hex(), res.Receipt.Receipt.TxHash.Hex(), res.Receipt.Success)
	case res.Receipt != nil:
		fmt.Printf("%s: %s included (success %t)\n", name, res.UserOpHash.Hex(), res.Receipt.Success)
	default:
		fmt.Printf("%s: %s submitted\n", name, res.UserOpHash.Hex())
	}
}

func historyAction(c *cli.Context) error {
	ctx, cancel := commandContext(c)
	defer cancel()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	l, err := setupLogger(c)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	j, err := openJournal(&cfg.Journal, l)
	if err != nil {
		return err
	}
	defer closeJournal(j, l)

	entries, err := j.List(ctx, c.String("run-id"))
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Printf("no entries for run %s\n", c.String("run-id"))
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s %-14s chain %-9d %-9s %s %s\n",
			e.CreatedAt.Format("2006-01-02T15:04:05Z"), e.Kind, e.ChainID, e.Status, e.Reference, e.Detail)
	}
	return nil
}

func closeJournal(j journal.IJournal, l *zap.Logger) {
	if err := j.Close(); err != nil {
		l.Sugar().Warnw("failed to close journal", zap.Error(err))
	}
}
