package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"grantvault/native/escrow"
	"grantvault/native/escrow/datum"
)

// APIKeyConfig is one key + secret pair accepted by the service.
type APIKeyConfig struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// PolicyConfig carries the tunable escrow policy, loaded from a TOML file so
// operators can adjust thresholds without rebuilding.
type PolicyConfig struct {
	ThresholdBps    uint64 `toml:"threshold_bps"`
	MinEvidence     int    `toml:"min_evidence"`
	FeeLovelace     int64  `toml:"fee_lovelace"`
	DustThreshold   int64  `toml:"dust_threshold"`
	CollateralMin   int64  `toml:"collateral_min"`
	MaxVoterSigners int    `toml:"max_voter_signers"`
	SubmitAttempts  int    `toml:"submit_attempts"`
	SubmitBackoff   string `toml:"submit_backoff"`
	ReconcileEvery  string `toml:"reconcile_every"`
	ReleaseQueue    int    `toml:"release_queue"`
}

// DefaultPolicy returns the policy applied when no file is configured.
func DefaultPolicy() PolicyConfig {
	return PolicyConfig{
		ThresholdBps:   escrow.DefaultThresholdBps,
		SubmitAttempts: 3,
		SubmitBackoff:  "500ms",
		ReconcileEvery: "1m",
		ReleaseQueue:   64,
	}
}

// Backoff parses the submit backoff, falling back to 500ms.
func (p PolicyConfig) Backoff() time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(p.SubmitBackoff)); err == nil && d > 0 {
		return d
	}
	return 500 * time.Millisecond
}

// ReconcileInterval parses the reconciliation cadence; zero disables sweeps.
func (p PolicyConfig) ReconcileInterval() time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(p.ReconcileEvery)); err == nil && d > 0 {
		return d
	}
	return 0
}

// Config captures runtime configuration for the escrow service.
type Config struct {
	ListenAddress   string
	NodeURL         string
	NodeAuthToken   string
	DatabasePath    string
	ContractAddress string
	Network         string
	Environment     string
	LogLevel        string
	WebhookURL      string
	TimestampSkew   time.Duration
	NonceCapacity   int
	APIKeys         []APIKeyConfig
	Policy          PolicyConfig
}

// LoadConfigFromEnv builds a configuration from ESCROWD_* environment
// variables, pulling the policy from the TOML file ESCROWD_POLICY_FILE points
// at when set.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		ListenAddress:   getenvDefault("ESCROWD_LISTEN", ":8085"),
		NodeURL:         os.Getenv("ESCROWD_NODE_URL"),
		NodeAuthToken:   os.Getenv("ESCROWD_NODE_TOKEN"),
		DatabasePath:    getenvDefault("ESCROWD_DB_PATH", "escrowd.db"),
		ContractAddress: os.Getenv("ESCROWD_CONTRACT_ADDRESS"),
		Network:         getenvDefault("ESCROWD_NETWORK", "testnet"),
		Environment:     os.Getenv("ESCROWD_ENV"),
		LogLevel:        getenvDefault("ESCROWD_LOG_LEVEL", "info"),
		WebhookURL:      os.Getenv("ESCROWD_WEBHOOK_URL"),
		TimestampSkew:   2 * time.Minute,
		NonceCapacity:   4096,
		Policy:          DefaultPolicy(),
	}

	if cfg.NodeURL == "" {
		return Config{}, errors.New("ESCROWD_NODE_URL is required")
	}
	if strings.TrimSpace(cfg.ContractAddress) == "" {
		return Config{}, errors.New("ESCROWD_CONTRACT_ADDRESS is required")
	}
	if _, err := networkFrom(cfg.Network); err != nil {
		return Config{}, err
	}

	if raw := strings.TrimSpace(os.Getenv("ESCROWD_TIMESTAMP_SKEW")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse ESCROWD_TIMESTAMP_SKEW: %w", err)
		}
		cfg.TimestampSkew = dur
	}
	if raw := strings.TrimSpace(os.Getenv("ESCROWD_NONCE_CAP")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return Config{}, fmt.Errorf("ESCROWD_NONCE_CAP must be a positive integer")
		}
		cfg.NonceCapacity = val
	}
	if raw := strings.TrimSpace(os.Getenv("ESCROWD_API_KEYS")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.APIKeys); err != nil {
			return Config{}, fmt.Errorf("parse ESCROWD_API_KEYS: %w", err)
		}
		for _, key := range cfg.APIKeys {
			if strings.TrimSpace(key.Key) == "" || strings.TrimSpace(key.Secret) == "" {
				return Config{}, errors.New("ESCROWD_API_KEYS entries need key and secret")
			}
		}
	}
	if path := strings.TrimSpace(os.Getenv("ESCROWD_POLICY_FILE")); path != "" {
		policy, err := LoadPolicyFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg.Policy = policy
	}
	return cfg, nil
}

// LoadPolicyFile reads a policy TOML, layering it over the defaults.
func LoadPolicyFile(path string) (PolicyConfig, error) {
	policy := DefaultPolicy()
	if _, err := toml.DecodeFile(path, &policy); err != nil {
		return PolicyConfig{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if policy.ThresholdBps > 10_000 {
		return PolicyConfig{}, fmt.Errorf("policy threshold_bps %d exceeds 10000", policy.ThresholdBps)
	}
	if policy.MinEvidence < 0 {
		return PolicyConfig{}, errors.New("policy min_evidence must not be negative")
	}
	if _, err := time.ParseDuration(strings.TrimSpace(policy.SubmitBackoff)); policy.SubmitBackoff != "" && err != nil {
		return PolicyConfig{}, fmt.Errorf("policy submit_backoff: %w", err)
	}
	return policy, nil
}

func networkFrom(raw string) (datum.Network, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "testnet":
		return datum.Testnet, nil
	case "mainnet":
		return datum.Mainnet, nil
	default:
		return 0, fmt.Errorf("unknown network %q", raw)
	}
}

func getenvDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
