package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("INFURA_PROJECT_ID", "abc123")
	in := `rpc_url: "https://sepolia.infura.io/v3/${INFURA_PROJECT_ID}"`
	out := substituteEnvVars(in)
	want := `rpc_url: "https://sepolia.infura.io/v3/abc123"`
	if out != want {
		t.Errorf("substituteEnvVars() = %q, want %q", out, want)
	}
}

func TestSubstituteEnvVarsDefault(t *testing.T) {
	clearEnv(t, "ANCHOR_CONTRACT_ADDRESS_TESTNET")
	in := `addr: "${ANCHOR_CONTRACT_ADDRESS_TESTNET:-0x0}"`
	if got := substituteEnvVars(in); got != `addr: "0x0"` {
		t.Errorf("substituteEnvVars() = %q, want default applied", got)
	}
}

func TestLoadNetworkConfig(t *testing.T) {
	t.Setenv("ANCHOR_CONTRACT_ADDRESS_TESTNET", "0xdeadbeef")
	dir := t.TempDir()
	path := filepath.Join(dir, "network.yaml")
	content := `
networks:
  testnet:
    rpc_url: "https://example.test/rpc"
    chain_id: 11155111
    contract_address: "${ANCHOR_CONTRACT_ADDRESS_TESTNET}"
    gas_limit: 300000
    max_gas_price_gwei: 50
retry:
  broker_reconnect_min: 2s
  broker_reconnect_max: 20s
  mint_attempt_timeout: 15s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	nc, err := LoadNetworkConfig(path)
	if err != nil {
		t.Fatalf("LoadNetworkConfig: %v", err)
	}
	entry, err := nc.Entry("testnet")
	if err != nil {
		t.Fatalf("Entry(testnet): %v", err)
	}
	if entry.ContractAddress != "0xdeadbeef" {
		t.Errorf("ContractAddress = %q, want 0xdeadbeef", entry.ContractAddress)
	}
	if entry.ChainID != 11155111 {
		t.Errorf("ChainID = %d, want 11155111", entry.ChainID)
	}
	if nc.Retry.BrokerReconnectMin.Duration() != 2*time.Second {
		t.Errorf("BrokerReconnectMin = %v, want 2s", nc.Retry.BrokerReconnectMin.Duration())
	}

	if _, err := nc.Entry("devnet"); err == nil {
		t.Error("expected error for unknown network entry")
	}
}

func TestLoadNetworkConfigAppliesRetryDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "network.yaml")
	content := `
networks:
  testnet:
    rpc_url: "https://example.test/rpc"
    chain_id: 1
    contract_address: "0x0"
    gas_limit: 21000
    max_gas_price_gwei: 10
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	nc, err := LoadNetworkConfig(path)
	if err != nil {
		t.Fatalf("LoadNetworkConfig: %v", err)
	}
	if nc.Retry.BrokerReconnectMin.Duration() != time.Second {
		t.Errorf("default BrokerReconnectMin = %v, want 1s", nc.Retry.BrokerReconnectMin.Duration())
	}
	if nc.Retry.MintAttemptTimeout.Duration() != 30*time.Second {
		t.Errorf("default MintAttemptTimeout = %v, want 30s", nc.Retry.MintAttemptTimeout.Duration())
	}
}
