package ca

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	enc "github.com/named-data/ndnd/std/encoding"
)

type Config struct {
	// Prefix is the name under which this CA issues certificates.
	Prefix string `json:"prefix"`
	// Info is a human-readable description served in the CA profile.
	Info string `json:"info"`
	// MaxValidityPeriod_s caps the validity of issued certificates.
	MaxValidityPeriod_s uint64 `json:"max_validity_period"`
	// MaxSuffixLength caps the suffix of probe-suggested names.
	MaxSuffixLength uint64 `json:"max_suffix_length"`
	// ProbeKeys are the parameter keys consulted by PROBE.
	ProbeKeys []string `json:"probe_parameter_keys"`
	// Challenges are the supported challenge type identifiers.
	Challenges []string `json:"supported_challenges"`

	// KeyChainUri specifies the KeyChain holding the CA key.
	KeyChainUri string `json:"keychain"`

	// Storage selects and locates the storage backend.
	Storage StorageConfig `json:"storage"`

	// ChallengeTries is the retry budget for one challenge phase.
	ChallengeTries int `json:"challenge_tries"`
	// ChallengeTimeout_s is the deadline of one challenge phase.
	ChallengeTimeout_s uint64 `json:"challenge_timeout"`

	// IdleWindow_s reclaims requests that never select a challenge.
	IdleWindow_s uint64 `json:"idle_window"`
	// RetentionWindow_s reclaims terminal requests.
	RetentionWindow_s uint64 `json:"retention_window"`
	// SweepInterval_s is the period of the reclamation sweep.
	SweepInterval_s uint64 `json:"sweep_interval"`

	// Parsed CA prefix
	prefixN enc.Name
}

type StorageConfig struct {
	// Backend is one of "sqlite", "badger" or "memory".
	Backend string `json:"backend"`
	// Dir is the directory holding the backend's files.
	Dir string `json:"dir"`
}

func DefaultConfig() *Config {
	return &Config{
		Prefix:              "", // invalid
		Info:                "",
		MaxValidityPeriod_s: 86400,
		MaxSuffixLength:     1,
		Challenges:          []string{"pin"},
		KeyChainUri:         "insecure",
		Storage: StorageConfig{
			Backend: "sqlite",
		},
		ChallengeTries:     3,
		ChallengeTimeout_s: 300,
		IdleWindow_s:       600,
		RetentionWindow_s:  3600,
		SweepInterval_s:    60,
	}
}

func (c *Config) Parse() (err error) {
	c.prefixN, err = enc.NameFromStr(c.Prefix)
	if err != nil || len(c.prefixN) == 0 {
		return fmt.Errorf("failed to parse or invalid CA prefix (%s): %w", c.Prefix, err)
	}

	if c.MaxValidityPeriod_s == 0 {
		return fmt.Errorf("max-validity-period must be positive")
	}
	if c.MaxSuffixLength == 0 {
		c.MaxSuffixLength = 1
	}
	if len(c.Challenges) == 0 {
		return fmt.Errorf("at least one supported challenge must be configured")
	}
	if c.ChallengeTries <= 0 {
		return fmt.Errorf("challenge-tries must be positive")
	}
	if c.ChallengeTimeout_s == 0 {
		return fmt.Errorf("challenge-timeout must be positive")
	}
	if c.SweepInterval_s == 0 {
		return fmt.Errorf("sweep-interval must be positive")
	}

	switch c.Storage.Backend {
	case "memory":
	case "sqlite", "badger":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage dir must be set for backend %s", c.Storage.Backend)
		}
		path, err := filepath.Abs(c.Storage.Dir)
		if err != nil {
			return fmt.Errorf("failed to get absolute path: %w", err)
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
		c.Storage.Dir = path
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}

	return nil
}

// PrefixN is the parsed CA prefix.
func (c *Config) PrefixN() enc.Name {
	return c.prefixN
}

// MaxValidityPeriod returns the validity cap as a duration.
func (c *Config) MaxValidityPeriod() time.Duration {
	return time.Duration(c.MaxValidityPeriod_s) * time.Second
}

// ChallengeTimeout returns the challenge deadline as a duration.
func (c *Config) ChallengeTimeout() time.Duration {
	return time.Duration(c.ChallengeTimeout_s) * time.Second
}

// IdleWindow returns the handshake idle window as a duration.
func (c *Config) IdleWindow() time.Duration {
	return time.Duration(c.IdleWindow_s) * time.Second
}

// RetentionWindow returns the terminal retention window as a duration.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionWindow_s) * time.Second
}

// SweepInterval returns the reclamation period as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepInterval_s) * time.Second
}
