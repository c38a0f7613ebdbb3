package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// NetworkConfig is the static, checked-in overlay for the details that
// change per blockchain network rather than per deployment: contract
// address, RPC endpoint, gas ceiling, and retry/backoff tuning for the
// broker reconnect and mint retry loops (§4.5, §4.8).
type NetworkConfig struct {
	Networks map[string]NetworkEntry `yaml:"networks"`
	Retry    RetrySettings           `yaml:"retry"`
}

// NetworkEntry holds the per-network (testnet/mainnet) contract and RPC
// details consumed by the anchor minter.
type NetworkEntry struct {
	RPCURL          string `yaml:"rpc_url"`
	ChainID         int64  `yaml:"chain_id"`
	ContractAddress string `yaml:"contract_address"`
	GasLimit        uint64 `yaml:"gas_limit"`
	MaxGasPriceGwei int64  `yaml:"max_gas_price_gwei"`
}

// RetrySettings tunes the broker reconnect backoff (§4.5) and the
// per-attempt timeout of the mint call (§4.8); the mint retry delays
// themselves are fixed in pkg/anchor. Durations are parsed from YAML
// `30s`-style text via the Duration wrapper below.
type RetrySettings struct {
	BrokerReconnectMin Duration `yaml:"broker_reconnect_min"`
	BrokerReconnectMax Duration `yaml:"broker_reconnect_max"`
	MintAttemptTimeout Duration `yaml:"mint_attempt_timeout"`
}

// Duration wraps time.Duration so the YAML overlay can express `30s`-style
// text instead of raw nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// substituteEnvVars replaces ${VAR_NAME} and ${VAR_NAME:-default} the same
// way the environment-variable layer does, so a checked-in network.yaml can
// still pull secrets (RPC API keys embedded in the URL) from the
// environment rather than the repo.
func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// LoadNetworkConfig reads and parses the YAML overlay at path, substituting
// ${VAR} references against the process environment before unmarshaling.
func LoadNetworkConfig(path string) (*NetworkConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read network config %s: %w", path, err)
	}
	expanded := substituteEnvVars(string(data))

	var cfg NetworkConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse network config %s: %w", path, err)
	}
	if cfg.Retry.BrokerReconnectMin == 0 {
		cfg.Retry.BrokerReconnectMin = Duration(time.Second)
	}
	if cfg.Retry.BrokerReconnectMax == 0 {
		cfg.Retry.BrokerReconnectMax = Duration(30 * time.Second)
	}
	if cfg.Retry.MintAttemptTimeout == 0 {
		cfg.Retry.MintAttemptTimeout = Duration(30 * time.Second)
	}
	return &cfg, nil
}

// Entry returns the NetworkEntry for name ("testnet" or "mainnet"),
// erroring if the overlay doesn't define it.
func (nc *NetworkConfig) Entry(name string) (NetworkEntry, error) {
	entry, ok := nc.Networks[name]
	if !ok {
		return NetworkEntry{}, fmt.Errorf("network config: no entry for %q", name)
	}
	return entry, nil
}
