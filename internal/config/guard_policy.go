package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// GuardFailMode decides what happens when the model-assisted analysis
// stage fails (timeout, provider error, malformed output).
type GuardFailMode string

const (
	// GuardFailOpen allows the message through at confidence 0.5 and logs
	// the failure for review. Transient provider failures never block
	// legitimate traffic.
	GuardFailOpen GuardFailMode = "open"

	// GuardFailClosed blocks the message when analysis fails. Stricter
	// deployments prefer this over availability.
	GuardFailClosed GuardFailMode = "closed"
)

// Validate checks the value and fills in the default (open) when empty.
func (m *GuardFailMode) Validate() error {
	switch *m {
	case "":
		*m = GuardFailOpen
		return nil
	case GuardFailOpen, GuardFailClosed:
		return nil
	default:
		return fmt.Errorf(
			"bad GuardFailMode value: must be empty or one of %q, %q",
			string(GuardFailOpen),
			string(GuardFailClosed),
		)
	}
}

// GuardPolicy is the tunable part of the safety gate, loadable from a
// YAML file so deployments can tighten thresholds without a rebuild.
type GuardPolicy struct {
	// FailMode picks the behavior on classifier failure.
	FailMode GuardFailMode `yaml:"fail_mode"`

	// BlockThreshold is the combined decision threshold: a verdict blocks
	// only when malicious AND confidence >= BlockThreshold.
	BlockThreshold float64 `yaml:"block_threshold"`

	// PatternThreshold is the minimum per-category confidence for a
	// pattern match to short-circuit without a classifier call.
	PatternThreshold float64 `yaml:"pattern_threshold"`

	// MaxPromptLen rejects longer prompts outright before any analysis.
	MaxPromptLen int `yaml:"max_prompt_len"`

	// ClassifierTimeout bounds the model-assisted stage.
	ClassifierTimeout time.Duration `yaml:"classifier_timeout"`
}

// DefaultGuardPolicy mirrors the shipped defaults.
func DefaultGuardPolicy() GuardPolicy {
	return GuardPolicy{
		FailMode:          GuardFailOpen,
		BlockThreshold:    0.8,
		PatternThreshold:  0.94,
		MaxPromptLen:      4000,
		ClassifierTimeout: 5 * time.Second,
	}
}

// LoadGuardPolicy reads a policy YAML from the given reader, applying
// defaults for omitted fields.
func LoadGuardPolicy(reader io.Reader) (GuardPolicy, error) {
	policy := DefaultGuardPolicy()

	decoder := yaml.NewDecoder(reader)
	if err := decoder.Decode(&policy); err != nil && err != io.EOF {
		return policy, fmt.Errorf("decode guard policy: %w", err)
	}

	if err := policy.FailMode.Validate(); err != nil {
		return policy, err
	}
	if policy.BlockThreshold <= 0 || policy.BlockThreshold > 1 {
		return policy, fmt.Errorf("bad block_threshold %v: must be in (0,1]", policy.BlockThreshold)
	}
	if policy.PatternThreshold <= 0 || policy.PatternThreshold > 1 {
		return policy, fmt.Errorf("bad pattern_threshold %v: must be in (0,1]", policy.PatternThreshold)
	}

	return policy, nil
}

// GuardPolicyFromConfig builds a policy from the loaded app config,
// preferring the YAML file when one is configured.
func GuardPolicyFromConfig(cfg *Config) (GuardPolicy, error) {
	if cfg.GuardPolicyFile != "" {
		f, err := os.Open(cfg.GuardPolicyFile)
		if err != nil {
			return GuardPolicy{}, fmt.Errorf("open guard policy file: %w", err)
		}
		defer f.Close()
		return LoadGuardPolicy(f)
	}

	policy := DefaultGuardPolicy()
	policy.FailMode = GuardFailMode(cfg.GuardFailMode)
	if err := policy.FailMode.Validate(); err != nil {
		return policy, err
	}
	policy.MaxPromptLen = cfg.GuardMaxPromptLen
	policy.ClassifierTimeout = cfg.GuardClassifierTimeout
	return policy, nil
}
