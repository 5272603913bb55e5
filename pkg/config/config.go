// Package config holds the validated configuration shared by the aa and localWallet
// binaries: which test networks to talk to, where their nodes, bundlers and paymasters
// live, and which contract deployments to use.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Layr-Labs/multichain-aa-go/pkg/util"
	"github.com/ethereum/go-ethereum/common"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

const (
	DefaultPollInterval = 2 * time.Second

	JournalType_Memory = "memory"
	JournalType_Badger = "badger"
	JournalType_Redis  = "redis"
)

// ChainEndpoints groups the endpoints used for a single chain.
type ChainEndpoints struct {
	ChainID      uint64 `json:"chainId" yaml:"chainId"`
	RPCUrl       string `json:"rpcUrl" yaml:"rpcUrl"`
	BundlerUrl   string `json:"bundlerUrl,omitempty" yaml:"bundlerUrl,omitempty"`
	PaymasterUrl string `json:"paymasterUrl,omitempty" yaml:"paymasterUrl,omitempty"`
}

type JournalConfig struct {
	Type          string `json:"type" yaml:"type"`
	Path          string `json:"path,omitempty" yaml:"path,omitempty"`
	RedisAddress  string `json:"redisAddress,omitempty" yaml:"redisAddress,omitempty"`
	RedisPassword string `json:"-" yaml:"-"`
	RedisDB       int    `json:"redisDb,omitempty" yaml:"redisDb,omitempty"`
}

// Config is the top level configuration of the aa CLI.
type Config struct {
	WalletURL       string            `json:"walletUrl" yaml:"walletUrl"`
	Chains          []*ChainEndpoints `json:"chains" yaml:"chains"`
	EntryPoint      common.Address    `json:"entryPoint" yaml:"entryPoint"`
	KernelFactory   common.Address    `json:"kernelFactory" yaml:"kernelFactory"`
	KernelValidator common.Address    `json:"kernelValidator" yaml:"kernelValidator"`
	PollInterval    time.Duration     `json:"pollInterval" yaml:"pollInterval"`
	MaxWait         time.Duration     `json:"maxWait" yaml:"maxWait"`
	Journal         JournalConfig     `json:"journal" yaml:"journal"`
}

// Validate checks the configuration and aggregates every problem found.
func (c *Config) Validate() error {
	var allErrors field.ErrorList

	if c.WalletURL == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("walletUrl"), "walletUrl is required"))
	} else if err := validateURL(c.WalletURL); err != nil {
		allErrors = append(allErrors, field.Invalid(field.NewPath("walletUrl"), c.WalletURL, err.Error()))
	}

	chainsPath := field.NewPath("chains")
	if len(c.Chains) == 0 {
		allErrors = append(allErrors, field.Required(chainsPath, "at least one chain is required"))
	}
	seen := map[uint64]struct{}{}
	for i, chain := range c.Chains {
		allErrors = append(allErrors, chain.validate(chainsPath.Index(i))...)
		if _, dup := seen[chain.ChainID]; dup {
			allErrors = append(allErrors, field.Duplicate(chainsPath.Index(i).Child("chainId"), chain.ChainID))
		}
		seen[chain.ChainID] = struct{}{}
	}

	if c.PollInterval < 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("pollInterval"), c.PollInterval.String(), "must not be negative"))
	}
	if c.MaxWait < 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("maxWait"), c.MaxWait.String(), "must not be negative"))
	}
	allErrors = append(allErrors, c.Journal.validate(field.NewPath("journal"))...)

	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

func (ce *ChainEndpoints) validate(path *field.Path) field.ErrorList {
	var allErrors field.ErrorList
	if !IsSupportedChain(ce.ChainID) {
		allErrors = append(allErrors, field.NotSupported(path.Child("chainId"), ce.ChainID, supportedChainStrings()))
	}
	if ce.RPCUrl == "" {
		allErrors = append(allErrors, field.Required(path.Child("rpcUrl"), "rpcUrl is required"))
	} else if err := validateURL(ce.RPCUrl); err != nil {
		allErrors = append(allErrors, field.Invalid(path.Child("rpcUrl"), ce.RPCUrl, err.Error()))
	}
	if ce.BundlerUrl != "" {
		if err := validateURL(ce.BundlerUrl); err != nil {
			allErrors = append(allErrors, field.Invalid(path.Child("bundlerUrl"), ce.BundlerUrl, err.Error()))
		}
	}
	if ce.PaymasterUrl != "" {
		if err := validateURL(ce.PaymasterUrl); err != nil {
			allErrors = append(allErrors, field.Invalid(path.Child("paymasterUrl"), ce.PaymasterUrl, err.Error()))
		}
	}
	return allErrors
}

func (jc *JournalConfig) validate(path *field.Path) field.ErrorList {
	var allErrors field.ErrorList
	switch jc.Type {
	case "", JournalType_Memory:
	case JournalType_Badger:
		if jc.Path == "" {
			allErrors = append(allErrors, field.Required(path.Child("path"), "path is required for badger journals"))
		}
	case JournalType_Redis:
		if jc.RedisAddress == "" {
			allErrors = append(allErrors, field.Required(path.Child("redisAddress"), "redisAddress is required for redis journals"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(path.Child("type"), jc.Type,
			[]string{JournalType_Memory, JournalType_Badger, JournalType_Redis}))
	}
	return allErrors
}

// BundlerChainIDs returns, in configuration order, the ids of chains that have a bundler.
func (c *Config) BundlerChainIDs() []uint64 {
	withBundler := util.Filter(c.Chains, func(ce *ChainEndpoints) bool {
		return ce.BundlerUrl != ""
	})
	return util.Map(withBundler, func(ce *ChainEndpoints, _ uint64) uint64 {
		return ce.ChainID
	})
}

// ParseChainPairs parses values of the form 'chainId:url' into an ordered list of ids
// and a map from id to url. Only the first ':' separates the id, so urls keep their scheme.
func ParseChainPairs(values []string) ([]uint64, map[uint64]string, error) {
	order := make([]uint64, 0, len(values))
	urls := make(map[uint64]string, len(values))
	for _, value := range values {
		parts := strings.SplitN(value, ":", 2)
		if len(parts) != 2 || parts[1] == "" {
			return nil, nil, fmt.Errorf("invalid chain configuration: %s (expected format: 'chainId:url')", value)
		}
		chainID, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid chain ID: %s", parts[0])
		}
		if _, exists := urls[chainID]; exists {
			return nil, nil, fmt.Errorf("chain %d configured more than once", chainID)
		}
		order = append(order, chainID)
		urls[chainID] = parts[1]
	}
	return order, urls, nil
}

// BuildChainEndpoints combines node, bundler and paymaster 'chainId:url' lists.
// The node list decides which chains exist and in which order; bundlers and
// paymasters for unknown chains are rejected.
func BuildChainEndpoints(rpcs, bundlers, paymasters []string) ([]*ChainEndpoints, error) {
	order, rpcUrls, err := ParseChainPairs(rpcs)
	if err != nil {
		return nil, err
	}
	_, bundlerUrls, err := ParseChainPairs(bundlers)
	if err != nil {
		return nil, fmt.Errorf("bundlers: %w", err)
	}
	_, paymasterUrls, err := ParseChainPairs(paymasters)
	if err != nil {
		return nil, fmt.Errorf("paymasters: %w", err)
	}
	for id := range bundlerUrls {
		if _, ok := rpcUrls[id]; !ok {
			return nil, fmt.Errorf("bundler configured for chain %d which has no rpc url", id)
		}
	}
	for id := range paymasterUrls {
		if _, ok := rpcUrls[id]; !ok {
			return nil, fmt.Errorf("paymaster configured for chain %d which has no rpc url", id)
		}
	}

	endpoints := make([]*ChainEndpoints, 0, len(order))
	for _, id := range order {
		endpoints = append(endpoints, &ChainEndpoints{
			ChainID:      id,
			RPCUrl:       rpcUrls[id],
			BundlerUrl:   bundlerUrls[id],
			PaymasterUrl: paymasterUrls[id],
		})
	}
	return endpoints, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func supportedChainStrings() []string {
	ids := GetSupportedChainIDs()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, strconv.FormatUint(uint64(id), 10))
	}
	return out
}
