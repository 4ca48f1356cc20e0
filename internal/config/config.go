package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"clusterd/internal/codec"
	"clusterd/internal/coordinator"
	"clusterd/internal/detector"
	"clusterd/internal/member"
	"clusterd/internal/membership"
	"clusterd/internal/ring"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// FailureDetector holds the phi accrual settings.
type FailureDetector struct {
	Threshold                float64       `yaml:"threshold"`
	MaxSampleSize            int           `yaml:"max-sample-size"`
	MinStdDeviation          time.Duration `yaml:"min-std-deviation"`
	AcceptableHeartbeatPause time.Duration `yaml:"acceptable-heartbeat-pause"`
	FirstHeartbeatEstimate   time.Duration `yaml:"first-heartbeat-estimate"`
}

// Etcd configures seed discovery. Discovery is off without endpoints.
type Etcd struct {
	Endpoints []string      `yaml:"endpoints"`
	Prefix    string        `yaml:"prefix"`
	LeaseTTL  time.Duration `yaml:"lease-ttl"`
}

// Config holds the node configuration.
type Config struct {
	Listen      string   `yaml:"listen"`
	// AdminListen is the admin HTTP address. Empty disables the admin API.
	AdminListen string   `yaml:"admin-listen"`
	Seeds       []string `yaml:"seeds"`
	Roles       []string `yaml:"roles"`

	GossipInterval            time.Duration `yaml:"gossip-interval"`
	HeartbeatInterval         time.Duration `yaml:"heartbeat-interval"`
	LeaderActionsInterval     time.Duration `yaml:"leader-actions-interval"`
	UnreachableReaperInterval time.Duration `yaml:"unreachable-reaper-interval"`
	RetryJoinAfter            time.Duration `yaml:"retry-unsuccessful-join-after"`
	PruneTombstonesAfter      time.Duration `yaml:"prune-gossip-tombstones-after"`
	ExpectedResponseAfter     time.Duration `yaml:"expected-response-after"`

	FailureDetector FailureDetector `yaml:"failure-detector"`

	MonitoredByNrOfMembers int    `yaml:"monitored-by-nr-of-members"`
	VirtualNodesFactor     int    `yaml:"virtual-nodes-factor"`
	HashFunction           string `yaml:"hash-function"`

	GossipDifferentViewProbability       float64 `yaml:"gossip-different-view-probability"`
	ReduceGossipDifferentViewProbability int     `yaml:"reduce-gossip-different-view-probability"`

	WeaklyUpAsUp                 bool `yaml:"weakly-up-as-up"`
	AllowWeaklyUpMembers         bool `yaml:"allow-weakly-up-members"`
	StrictUnreachableConvergence bool `yaml:"strict-unreachable-convergence"`

	MailboxSize   int           `yaml:"mailbox-size"`
	Codec         string        `yaml:"codec"`
	Compression   bool          `yaml:"compression"`
	SendTimeout   time.Duration `yaml:"send-timeout"`
	SendQueueSize int           `yaml:"send-queue-size"`

	Etcd Etcd `yaml:"etcd"`

	LogLevel string `yaml:"log-level"`
}

// Default returns the configuration used for every option that is not set.
func Default() Config {
	cc := coordinator.DefaultConfig()
	return Config{
		Listen:                    "127.0.0.1:7946",
		AdminListen:               "127.0.0.1:8080",
		GossipInterval:            cc.GossipInterval,
		HeartbeatInterval:         cc.HeartbeatInterval,
		LeaderActionsInterval:     cc.LeaderActionsInterval,
		UnreachableReaperInterval: cc.UnreachableReaperInterval,
		RetryJoinAfter:            cc.RetryJoinInterval,
		PruneTombstonesAfter:      cc.PruneTombstonesAfter,
		ExpectedResponseAfter:     cc.ExpectedResponseAfter,
		FailureDetector: FailureDetector{
			Threshold:                cc.Detector.Threshold,
			MaxSampleSize:            cc.Detector.MaxSampleSize,
			MinStdDeviation:          cc.Detector.MinStdDeviation,
			AcceptableHeartbeatPause: cc.Detector.AcceptableHeartbeatPause,
			FirstHeartbeatEstimate:   cc.Detector.FirstHeartbeatEstimate,
		},
		MonitoredByNrOfMembers:               cc.MonitoredByNrOfMembers,
		VirtualNodesFactor:                   cc.VirtualNodesFactor,
		HashFunction:                         "murmur3",
		GossipDifferentViewProbability:       cc.GossipDifferentViewProbability,
		ReduceGossipDifferentViewProbability: cc.ReduceGossipDifferentViewProbability,
		AllowWeaklyUpMembers:                 cc.AllowWeaklyUpMembers,
		MailboxSize:                          cc.MailboxSize,
		Codec:                                "proto",
		SendTimeout:                          2 * time.Second,
		SendQueueSize:                        1024,
		Etcd: Etcd{
			Prefix:   "/clusterd/nodes",
			LeaseTTL: 10 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads a yaml file on top of Default. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseSeeds parses a comma-separated list of seed addresses in the format:
// "host1:port1,host2:port2"
func ParseSeeds(seedsStr string) ([]member.Address, error) {
	if strings.TrimSpace(seedsStr) == "" {
		return []member.Address{}, nil
	}

	parts := strings.Split(seedsStr, ",")
	seeds := make([]member.Address, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, err := member.ParseAddress(part)
		if err != nil {
			return nil, fmt.Errorf("invalid seed %q: %w", part, err)
		}
		seeds = append(seeds, addr)
	}
	return seeds, nil
}

// SeedAddresses parses the configured seeds in order.
func (c Config) SeedAddresses() ([]member.Address, error) {
	return ParseSeeds(strings.Join(c.Seeds, ","))
}

// ListenAddress parses the gossip listen address.
func (c Config) ListenAddress() (member.Address, error) {
	return member.ParseAddress(c.Listen)
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs *multierror.Error
	add := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if _, err := c.ListenAddress(); err != nil {
		add("listen: %v", err)
	}
	if _, err := c.SeedAddresses(); err != nil {
		add("seeds: %v", err)
	}
	for name, d := range map[string]time.Duration{
		"gossip-interval":               c.GossipInterval,
		"heartbeat-interval":            c.HeartbeatInterval,
		"leader-actions-interval":       c.LeaderActionsInterval,
		"unreachable-reaper-interval":   c.UnreachableReaperInterval,
		"retry-unsuccessful-join-after": c.RetryJoinAfter,
		"expected-response-after":       c.ExpectedResponseAfter,
		"send-timeout":                  c.SendTimeout,
	} {
		if d <= 0 {
			add("%s must be positive, got %s", name, d)
		}
	}
	if c.PruneTombstonesAfter < 0 {
		add("prune-gossip-tombstones-after must not be negative, got %s", c.PruneTombstonesAfter)
	}
	if err := c.detectorSettings().Validate(); err != nil {
		add("failure-detector: %v", err)
	}
	if c.MonitoredByNrOfMembers < 1 {
		add("monitored-by-nr-of-members must be positive, got %d", c.MonitoredByNrOfMembers)
	}
	if c.VirtualNodesFactor < 1 {
		add("virtual-nodes-factor must be positive, got %d", c.VirtualNodesFactor)
	}
	if _, err := ring.HasherByName(c.HashFunction); err != nil {
		add("hash-function: %v", err)
	}
	if p := c.GossipDifferentViewProbability; p < 0 || p > 1 {
		add("gossip-different-view-probability must be in [0, 1], got %v", p)
	}
	if c.ReduceGossipDifferentViewProbability < 0 {
		add("reduce-gossip-different-view-probability must not be negative, got %d", c.ReduceGossipDifferentViewProbability)
	}
	if c.MailboxSize < 1 {
		add("mailbox-size must be positive, got %d", c.MailboxSize)
	}
	if c.SendQueueSize < 1 {
		add("send-queue-size must be positive, got %d", c.SendQueueSize)
	}
	if _, err := codec.ByName(c.Codec, c.Compression); err != nil {
		add("codec: %v", err)
	}
	if len(c.Etcd.Endpoints) > 0 {
		if c.Etcd.Prefix == "" {
			add("etcd.prefix must be set with endpoints")
		}
		if c.Etcd.LeaseTTL < time.Second {
			add("etcd.lease-ttl must be at least 1s, got %s", c.Etcd.LeaseTTL)
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		add("log-level must be one of debug, info, warn, error, got %q", c.LogLevel)
	}
	return errs.ErrorOrNil()
}

func (c Config) detectorSettings() detector.Settings {
	return detector.Settings{
		Threshold:                c.FailureDetector.Threshold,
		MaxSampleSize:            c.FailureDetector.MaxSampleSize,
		MinStdDeviation:          c.FailureDetector.MinStdDeviation,
		AcceptableHeartbeatPause: c.FailureDetector.AcceptableHeartbeatPause,
		FirstHeartbeatEstimate:   c.FailureDetector.FirstHeartbeatEstimate,
	}
}

// Coordinator converts the protocol options into coordinator settings.
func (c Config) Coordinator() (coordinator.Config, error) {
	hasher, err := ring.HasherByName(c.HashFunction)
	if err != nil {
		return coordinator.Config{}, err
	}
	return coordinator.Config{
		Roles:                     c.Roles,
		GossipInterval:            c.GossipInterval,
		HeartbeatInterval:         c.HeartbeatInterval,
		LeaderActionsInterval:     c.LeaderActionsInterval,
		UnreachableReaperInterval: c.UnreachableReaperInterval,
		RetryJoinInterval:         c.RetryJoinAfter,
		PruneTombstonesAfter:      c.PruneTombstonesAfter,
		ExpectedResponseAfter:     c.ExpectedResponseAfter,
		MonitoredByNrOfMembers:    c.MonitoredByNrOfMembers,
		VirtualNodesFactor:        c.VirtualNodesFactor,
		Hasher:                    hasher,
		Detector:                  c.detectorSettings(),
		Policy: membership.Policy{
			WeaklyUpAsUp:                 c.WeaklyUpAsUp,
			StrictUnreachableConvergence: c.StrictUnreachableConvergence,
		},
		AllowWeaklyUpMembers:                 c.AllowWeaklyUpMembers,
		GossipDifferentViewProbability:       c.GossipDifferentViewProbability,
		ReduceGossipDifferentViewProbability: c.ReduceGossipDifferentViewProbability,
		MailboxSize:                          c.MailboxSize,
	}, nil
}
