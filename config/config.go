// Package config loads the go-failover TOML configuration.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"

	"github.com/go-mysql-org/go-failover/failover"
	"github.com/go-mysql-org/go-failover/topology"
)

// Duration is a time.Duration written as a string like "10s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.Annotatef(err, "bad duration %q", text)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type FailoverConfig struct {
	PollingInterval  Duration `toml:"polling_interval"`
	FailureThreshold int      `toml:"failure_threshold"`
	Cooldown         Duration `toml:"cooldown"`
	Enabled          bool     `toml:"enabled"`
	// Run one last election when the process stops.
	ElectOnShutdown bool `toml:"elect_on_shutdown"`

	ProbeTimeout    Duration `toml:"probe_timeout"`
	PeerTimeout     Duration `toml:"peer_timeout"`
	PromoteTimeout  Duration `toml:"promote_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// ServiceConfig seeds a service when the catalog has no copy of the tier.
type ServiceConfig struct {
	Name  string   `toml:"name"`
	ID    uint32   `toml:"id"`
	Addr  string   `toml:"addr"`
	Score int      `toml:"score"`
	Ops   []string `toml:"ops"`
}

type TierConfig struct {
	ID        uint32          `toml:"id"`
	Name      string          `toml:"name"`
	PrimaryID uint32          `toml:"primary_id"`
	Services  []ServiceConfig `toml:"services"`
}

type Config struct {
	// Service id of this process in the tier.
	ServiceID uint32 `toml:"service_id"`

	// Local MySQL server
	Addr     string `toml:"addr"`
	User     string `toml:"user"`
	Password string `toml:"password"`

	// Credentials replicas use in CHANGE MASTER TO
	ReplUser     string `toml:"repl_user"`
	ReplPassword string `toml:"repl_password"`

	ConnectTimeout Duration `toml:"connect_timeout"`

	// HTTP address serving status, params and metrics
	HTTPAddr string `toml:"http_addr"`
	// Port peers serve their HTTP status on
	PeerStatusPort int `toml:"peer_status_port"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	Catalog  topology.CatalogConfig `toml:"catalog"`
	Tier     TierConfig             `toml:"tier"`
	Failover FailoverConfig         `toml:"failover"`
}

func NewConfigWithFile(name string) (*Config, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return NewConfig(string(data))
}

// NewConfig decodes data over the defaults, so a file only needs the keys
// it changes.
func NewConfig(data string) (*Config, error) {
	c := NewDefaultConfig()

	_, err := toml.Decode(data, c)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return c, nil
}

func NewDefaultConfig() *Config {
	c := new(Config)

	c.Addr = "127.0.0.1:3306"
	c.User = "root"
	c.ReplUser = "root"
	c.ConnectTimeout = Duration{5 * time.Second}

	c.HTTPAddr = ":8780"
	c.PeerStatusPort = 8780

	c.LogLevel = "info"
	c.LogFormat = "text"

	c.Catalog.Storage = topology.CatalogType_Boltdb
	c.Catalog.Path = "./var/topology.db"

	c.Failover.PollingInterval = Duration{failover.DefaultPollingInterval}
	c.Failover.FailureThreshold = failover.DefaultFailureThreshold
	c.Failover.Cooldown = Duration{failover.DefaultCooldown}
	c.Failover.Enabled = true
	c.Failover.ElectOnShutdown = failover.DefaultElectOnShutdown
	c.Failover.ProbeTimeout = Duration{failover.DefaultProbeTimeout}
	c.Failover.PeerTimeout = Duration{failover.DefaultPeerTimeout}
	c.Failover.PromoteTimeout = Duration{failover.DefaultPromoteTimeout}
	c.Failover.ShutdownTimeout = Duration{failover.DefaultShutdownTimeout}

	return c
}

// Params builds the live failover parameters from the file values.
func (c *Config) Params() *failover.Params {
	p := failover.NewDefaultParams()
	p.SetPollingInterval(c.Failover.PollingInterval.Duration)
	p.SetFailureThreshold(c.Failover.FailureThreshold)
	p.SetCooldown(c.Failover.Cooldown.Duration)
	p.SetEnabled(c.Failover.Enabled)
	p.SetElectOnShutdown(c.Failover.ElectOnShutdown)
	p.SetProbeTimeout(c.Failover.ProbeTimeout.Duration)
	p.SetPeerTimeout(c.Failover.PeerTimeout.Duration)
	p.SetPromoteTimeout(c.Failover.PromoteTimeout.Duration)
	p.SetShutdownTimeout(c.Failover.ShutdownTimeout.Duration)
	return p
}

// SeedTier converts the [tier] section. It is used only when the catalog
// does not know the tier yet.
func (c *Config) SeedTier() (*topology.ServiceTier, error) {
	if c.Tier.ID == 0 {
		return nil, errors.Trace(&topology.ConfigError{Reason: "tier id is required"})
	}

	tier := &topology.ServiceTier{
		Name:      c.Tier.Name,
		ID:        c.Tier.ID,
		PrimaryID: c.Tier.PrimaryID,
	}
	for _, sc := range c.Tier.Services {
		mask, err := topology.ParseOpMask(sc.Ops)
		if err != nil {
			return nil, errors.Trace(&topology.ConfigError{TierID: c.Tier.ID, Reason: err.Error()})
		}
		tier.Services = append(tier.Services, topology.Service{
			Name:   sc.Name,
			ID:     sc.ID,
			Addr:   sc.Addr,
			Score:  sc.Score,
			OpMask: mask,
		})
	}
	return tier, nil
}
