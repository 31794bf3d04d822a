package topology

import (
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pingcap/errors"
)

var initQueries = []string{
	`CREATE TABLE IF NOT EXISTS service_tiers (
		id INT UNSIGNED NOT NULL,
		name VARCHAR(255) NOT NULL DEFAULT '',
		primary_id INT UNSIGNED NOT NULL DEFAULT 0 COMMENT 'service id of the current primary',
		PRIMARY KEY(id)
	)`,
	`CREATE TABLE IF NOT EXISTS services (
		id INT UNSIGNED NOT NULL,
		tier_id INT UNSIGNED NOT NULL,
		name VARCHAR(255) NOT NULL DEFAULT '',
		addr VARCHAR(255) NOT NULL DEFAULT '' COMMENT 'host:port',
		op_mask INT UNSIGNED NOT NULL DEFAULT 0,
		updated DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		deleted TINYINT(1) NOT NULL DEFAULT 0,
		PRIMARY KEY(id),
		KEY tier_idx(tier_id)
	)`,
	`CREATE TABLE IF NOT EXISTS write_preferences (
		service_id INT UNSIGNED NOT NULL,
		score INT NOT NULL DEFAULT 0 COMMENT 'lower is preferred',
		PRIMARY KEY(service_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ` + "`databases`" + ` (
		service_id INT UNSIGNED NOT NULL,
		database_name VARCHAR(64) NOT NULL,
		op_mask INT UNSIGNED NOT NULL DEFAULT 0,
		PRIMARY KEY(service_id, database_name)
	)`,
}

type tierRow struct {
	ID        uint32 `db:"id"`
	Name      string `db:"name"`
	PrimaryID uint32 `db:"primary_id"`
}

type serviceRow struct {
	ID      uint32    `db:"id"`
	Name    string    `db:"name"`
	Addr    string    `db:"addr"`
	OpMask  uint32    `db:"op_mask"`
	Updated time.Time `db:"updated"`
	Deleted bool      `db:"deleted"`
	Score   int       `db:"score"`
}

type databaseRow struct {
	ServiceID uint32 `db:"service_id"`
	Name      string `db:"database_name"`
	OpMask    uint32 `db:"op_mask"`
}

// MySQLCatalog stores the topology in a MySQL schema shared by the tier.
type MySQLCatalog struct {
	db *sqlx.DB
}

func NewMySQLCatalog(addr string, user string, password string, database string, timeout time.Duration) (*MySQLCatalog, error) {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = addr
	cfg.DBName = database
	cfg.ParseTime = true
	// TouchService relies on matched rows, not changed rows
	cfg.ClientFoundRows = true
	cfg.Timeout = timeout
	cfg.ReadTimeout = timeout
	cfg.WriteTimeout = timeout

	db, err := sqlx.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, errors.Trace(err)
	}

	for _, query := range initQueries {
		if _, err = db.Exec(query); err != nil {
			db.Close()
			return nil, errors.Annotate(err, "create topology tables")
		}
	}

	return &MySQLCatalog{db: db}, nil
}

func (o *MySQLCatalog) LoadTopology(tierID uint32) (*ServiceTier, error) {
	var t tierRow
	err := o.db.Get(&t, "SELECT id, name, primary_id FROM service_tiers WHERE id = ?", tierID)
	if err == sql.ErrNoRows {
		return nil, errors.Trace(&NotFoundError{TierID: tierID})
	} else if err != nil {
		return nil, errors.Trace(err)
	}

	var services []serviceRow
	err = o.db.Select(&services, `
		SELECT svcs.id, svcs.name, svcs.addr, svcs.op_mask, svcs.updated, svcs.deleted,
			COALESCE(wp.score, 0) AS score
		FROM services AS svcs
		LEFT JOIN write_preferences AS wp ON wp.service_id = svcs.id
		WHERE svcs.tier_id = ?
		ORDER BY score ASC, svcs.id ASC`, tierID)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var databases []databaseRow
	err = o.db.Select(&databases, `
		SELECT dbs.service_id, dbs.database_name, dbs.op_mask
		FROM `+"`databases`"+` AS dbs
		JOIN services AS svcs ON svcs.id = dbs.service_id
		WHERE svcs.tier_id = ?
		ORDER BY dbs.service_id, dbs.database_name`, tierID)
	if err != nil {
		return nil, errors.Trace(err)
	}

	tier := &ServiceTier{ID: t.ID, Name: t.Name, PrimaryID: t.PrimaryID}
	for _, r := range services {
		tier.Services = append(tier.Services, Service{
			Name:    r.Name,
			ID:      r.ID,
			Addr:    r.Addr,
			Score:   r.Score,
			OpMask:  OpMask(r.OpMask),
			Updated: r.Updated,
			Deleted: r.Deleted,
		})
	}
	for _, r := range databases {
		tier.Databases = append(tier.Databases, Database{
			ServiceID: r.ServiceID,
			Name:      r.Name,
			OpMask:    OpMask(r.OpMask),
		})
	}
	return tier, nil
}

func (o *MySQLCatalog) PersistTopology(tier *ServiceTier) (err error) {
	tx, err := o.db.Beginx()
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.Exec(`INSERT INTO service_tiers (id, name, primary_id) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE name = VALUES(name), primary_id = VALUES(primary_id)`,
		tier.ID, tier.Name, tier.PrimaryID)
	if err != nil {
		return errors.Trace(err)
	}

	for _, svc := range tier.Services {
		updated := svc.Updated
		if updated.IsZero() {
			updated = time.Now()
		}
		_, err = tx.Exec(`INSERT INTO services (id, tier_id, name, addr, op_mask, updated, deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE tier_id = VALUES(tier_id), name = VALUES(name), addr = VALUES(addr),
				op_mask = VALUES(op_mask), updated = VALUES(updated), deleted = VALUES(deleted)`,
			svc.ID, tier.ID, svc.Name, svc.Addr, uint32(svc.OpMask), updated, svc.Deleted)
		if err != nil {
			return errors.Trace(err)
		}

		_, err = tx.Exec(`INSERT INTO write_preferences (service_id, score) VALUES (?, ?)
			ON DUPLICATE KEY UPDATE score = VALUES(score)`, svc.ID, svc.Score)
		if err != nil {
			return errors.Trace(err)
		}

		if _, err = tx.Exec("DELETE FROM `databases` WHERE service_id = ?", svc.ID); err != nil {
			return errors.Trace(err)
		}
	}

	for _, d := range tier.Databases {
		_, err = tx.Exec("INSERT INTO `databases` (service_id, database_name, op_mask) VALUES (?, ?, ?)",
			d.ServiceID, d.Name, uint32(d.OpMask))
		if err != nil {
			return errors.Trace(err)
		}
	}

	return errors.Trace(tx.Commit())
}

func (o *MySQLCatalog) TouchService(tierID uint32, serviceID uint32, now time.Time) error {
	r, err := o.db.Exec("UPDATE services SET updated = ? WHERE id = ? AND tier_id = ?", now, serviceID, tierID)
	if err != nil {
		return errors.Trace(err)
	}

	n, err := r.RowsAffected()
	if err != nil {
		return errors.Trace(err)
	}
	if n == 0 {
		return errors.Trace(&NotFoundError{TierID: tierID, ServiceID: serviceID})
	}
	return nil
}

func (o *MySQLCatalog) Close() error {
	return errors.Trace(o.db.Close())
}
