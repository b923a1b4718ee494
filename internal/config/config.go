package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetops/fleetctl/fleet"
	"github.com/fleetops/fleetctl/resilience"
)

// ValidationError is a configuration error. It is fatal at startup and maps
// to exit code 2; security-relevant fields are never silently defaulted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Config is the full fleetctl configuration. Every duration in the schema is
// an integer number of seconds; there is exactly one time unit throughout.
type Config struct {
	StateRoot    string                `yaml:"state_root"`
	ControlAPI   ControlAPIConfig      `yaml:"control_api"`
	Dependencies map[string]Dependency `yaml:"dependencies"`
	Token        TokenConfig           `yaml:"token"`
	Groups       map[string]Group      `yaml:"groups"`
	Archive      *ArchiveConfig        `yaml:"archive,omitempty"`
}

type ControlAPIConfig struct {
	Endpoint       string `yaml:"endpoint"`
	CredentialFile string `yaml:"credential_file"`
}

type Dependency struct {
	FailureThreshold    int `yaml:"failure_threshold"`
	ResetTimeoutSeconds int `yaml:"reset_timeout_seconds"`
	CallTimeoutSeconds  int `yaml:"call_timeout_seconds"`
	MaxAttempts         int `yaml:"max_attempts"`
	BaseDelaySeconds    int `yaml:"base_delay_seconds"`
	MaxDelaySeconds     int `yaml:"max_delay_seconds"`
}

type TokenConfig struct {
	SafetyMarginSeconds   int `yaml:"safety_margin_seconds"`
	RotateIntervalSeconds int `yaml:"rotate_interval_seconds"`
}

type Group struct {
	MinRunners            int     `yaml:"min_runners"`
	MaxRunners            int     `yaml:"max_runners"`
	ScaleUpThreshold      int     `yaml:"scale_up_threshold"`
	ScaleDownThreshold    float64 `yaml:"scale_down_threshold"`
	MaxWaitSeconds        int     `yaml:"max_wait_seconds"`
	CooldownUpSeconds     int     `yaml:"cooldown_up_seconds"`
	CooldownDownSeconds   int     `yaml:"cooldown_down_seconds"`
	SustainSeconds        int     `yaml:"sustain_seconds"`
	SampleIntervalSeconds int     `yaml:"sample_interval_seconds"`
	DirectApply           bool    `yaml:"direct_apply"`
	ReviewRequired        bool    `yaml:"review_required"`
	Frozen                bool    `yaml:"frozen"`
}

type ArchiveConfig struct {
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	S3Region string `yaml:"s3_region"`
}

// Load reads, parses, and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, ValidationError{Field: path, Reason: err.Error()}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.StateRoot == "" {
		return ValidationError{Field: "state_root", Reason: "required"}
	}
	if c.ControlAPI.Endpoint == "" {
		return ValidationError{Field: "control_api.endpoint", Reason: "required"}
	}
	if c.ControlAPI.CredentialFile == "" {
		return ValidationError{Field: "control_api.credential_file", Reason: "required, never defaulted"}
	}
	if c.Token.SafetyMarginSeconds <= 0 {
		return ValidationError{Field: "token.safety_margin_seconds", Reason: "must be positive"}
	}

	for name, dep := range c.Dependencies {
		if dep.FailureThreshold < 0 || dep.MaxAttempts < 0 {
			return ValidationError{Field: "dependencies." + name, Reason: "thresholds must be non-negative"}
		}
		if dep.MaxDelaySeconds > 0 && dep.BaseDelaySeconds > dep.MaxDelaySeconds {
			return ValidationError{Field: "dependencies." + name, Reason: "base_delay_seconds exceeds max_delay_seconds"}
		}
	}

	if len(c.Groups) == 0 {
		return ValidationError{Field: "groups", Reason: "at least one group required"}
	}
	for name, group := range c.Groups {
		if group.MinRunners < 0 {
			return ValidationError{Field: "groups." + name + ".min_runners", Reason: "must be non-negative"}
		}
		if group.MaxRunners < group.MinRunners {
			return ValidationError{Field: "groups." + name + ".max_runners", Reason: "must be >= min_runners"}
		}
		if group.ScaleDownThreshold < 0 || group.ScaleDownThreshold > 1 {
			return ValidationError{Field: "groups." + name + ".scale_down_threshold", Reason: "must be within [0, 1]"}
		}
	}

	if c.Archive != nil && c.Archive.S3Bucket == "" {
		return ValidationError{Field: "archive.s3_bucket", Reason: "required when archive is configured"}
	}
	return nil
}

// ReadCredential loads the controller's own control API credential from the
// configured file.
func (c *Config) ReadCredential() (string, error) {
	data, err := os.ReadFile(c.ControlAPI.CredentialFile)
	if err != nil {
		return "", ValidationError{Field: "control_api.credential_file", Reason: err.Error()}
	}
	credential := strings.TrimSpace(string(data))
	if credential == "" {
		return "", ValidationError{Field: "control_api.credential_file", Reason: "file is empty"}
	}
	return credential, nil
}

// BreakerSettings converts a dependency entry to breaker settings, falling
// back to the documented defaults for unset values.
func (c *Config) BreakerSettings(dependencyID string) resilience.Settings {
	settings := resilience.DefaultSettings()
	dep, ok := c.Dependencies[dependencyID]
	if !ok {
		return settings
	}
	if dep.FailureThreshold > 0 {
		settings.FailureThreshold = dep.FailureThreshold
	}
	if dep.ResetTimeoutSeconds > 0 {
		settings.ResetTimeout = time.Duration(dep.ResetTimeoutSeconds) * time.Second
	}
	if dep.CallTimeoutSeconds > 0 {
		settings.CallTimeout = time.Duration(dep.CallTimeoutSeconds) * time.Second
	}
	return settings
}

// BackoffPolicy converts a dependency entry to a retry policy.
func (c *Config) BackoffPolicy(dependencyID string) resilience.Backoff {
	backoff := resilience.DefaultBackoff()
	dep, ok := c.Dependencies[dependencyID]
	if !ok {
		return backoff
	}
	if dep.MaxAttempts > 0 {
		backoff.MaxAttempts = dep.MaxAttempts
	}
	if dep.BaseDelaySeconds > 0 {
		backoff.BaseDelay = time.Duration(dep.BaseDelaySeconds) * time.Second
	}
	if dep.MaxDelaySeconds > 0 {
		backoff.MaxDelay = time.Duration(dep.MaxDelaySeconds) * time.Second
	}
	return backoff
}

// GroupPolicy converts a group entry to the autoscaler's policy.
func (c *Config) GroupPolicy(groupID string) (fleet.GroupPolicy, error) {
	group, ok := c.Groups[groupID]
	if !ok {
		return fleet.GroupPolicy{}, ValidationError{Field: "groups." + groupID, Reason: "not configured"}
	}
	sustain := group.SustainSeconds
	if sustain <= 0 {
		sustain = 300
	}
	return fleet.GroupPolicy{
		GroupID:            groupID,
		MinRunners:         group.MinRunners,
		MaxRunners:         group.MaxRunners,
		ScaleUpThreshold:   group.ScaleUpThreshold,
		ScaleDownThreshold: group.ScaleDownThreshold,
		MaxWait:            time.Duration(group.MaxWaitSeconds) * time.Second,
		CooldownUp:         time.Duration(group.CooldownUpSeconds) * time.Second,
		CooldownDown:       time.Duration(group.CooldownDownSeconds) * time.Second,
		SustainWindow:      time.Duration(sustain) * time.Second,
	}, nil
}

// Capabilities returns the apply-route flags for a group.
func (c *Config) Capabilities(groupID string) fleet.Capabilities {
	group := c.Groups[groupID]
	return fleet.Capabilities{
		DirectApply:    group.DirectApply,
		ReviewRequired: group.ReviewRequired,
		Frozen:         group.Frozen,
	}
}
