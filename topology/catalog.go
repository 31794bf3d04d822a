package topology

import (
	"time"

	"github.com/pingcap/errors"
)

const (
	CatalogType_Boltdb string = "boltdb"
	CatalogType_Mysql  string = "mysql"
)

// Catalog persists tiers, services and write preferences.
type Catalog interface {
	// LoadTopology returns the stored tier, or a NotFoundError if the catalog
	// has never seen it.
	LoadTopology(tierID uint32) (*ServiceTier, error)

	// PersistTopology replaces the stored copy of the tier.
	PersistTopology(tier *ServiceTier) error

	// TouchService stamps the service's heartbeat timestamp.
	TouchService(tierID uint32, serviceID uint32, now time.Time) error

	Close() error
}

// CatalogConfig selects and configures a catalog backend.
type CatalogConfig struct {
	// Storage type, boltdb or mysql
	Storage string `toml:"storage"`

	// Boltdb file path
	Path string `toml:"path"`

	// MySQL info to connect
	Addr     string `toml:"addr"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
}

// NewCatalog opens the backend named by cfg.Storage.
func NewCatalog(cfg CatalogConfig, timeout time.Duration) (Catalog, error) {
	switch cfg.Storage {
	case CatalogType_Boltdb:
		c, err := NewBoltCatalog(cfg.Path)
		if err != nil {
			return nil, err
		}
		return c, nil
	case CatalogType_Mysql:
		c, err := NewMySQLCatalog(cfg.Addr, cfg.User, cfg.Password, cfg.Database, timeout)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, errors.Errorf("unknown catalog storage %q", cfg.Storage)
	}
}
