package topology

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/goccy/go-json"
	"github.com/pingcap/errors"
)

var (
	bucketTiers = []byte("tiers")
	bucketMeta  = []byte("meta")
)

// BoltCatalog keeps the topology in a local boltdb file, one JSON encoded
// tier per key.
type BoltCatalog struct {
	db *bolt.DB
}

func NewBoltCatalog(path string) (*BoltCatalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Trace(err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Trace(err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTiers); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Trace(err)
	}

	return &BoltCatalog{db: db}, nil
}

func (o *BoltCatalog) LoadTopology(tierID uint32) (*ServiceTier, error) {
	var tier *ServiceTier

	err := o.db.View(func(tx *bolt.Tx) error {
		var err error
		tier, err = getTier(tx, tierID)
		return err
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return tier, nil
}

func (o *BoltCatalog) PersistTopology(tier *ServiceTier) error {
	err := o.db.Update(func(tx *bolt.Tx) error {
		if err := putTier(tx, tier); err != nil {
			return err
		}

		// Remember when the topology last changed
		meta := tx.Bucket(bucketMeta)
		ts, err := time.Now().MarshalBinary()
		if err != nil {
			return err
		}
		return meta.Put(makeKey(tier.ID), ts)
	})
	return errors.Trace(err)
}

func (o *BoltCatalog) TouchService(tierID uint32, serviceID uint32, now time.Time) error {
	err := o.db.Update(func(tx *bolt.Tx) error {
		tier, err := getTier(tx, tierID)
		if err != nil {
			return err
		}

		i := tier.indexOf(serviceID)
		if i < 0 {
			return &NotFoundError{TierID: tierID, ServiceID: serviceID}
		}
		tier.Services[i].Updated = now

		return putTier(tx, tier)
	})
	return errors.Trace(err)
}

func (o *BoltCatalog) Close() error {
	return errors.Trace(o.db.Close())
}

func getTier(tx *bolt.Tx, tierID uint32) (*ServiceTier, error) {
	data := tx.Bucket(bucketTiers).Get(makeKey(tierID))
	if data == nil {
		return nil, &NotFoundError{TierID: tierID}
	}

	tier := new(ServiceTier)
	if err := json.Unmarshal(data, tier); err != nil {
		return nil, errors.Annotatef(err, "decode tier %d", tierID)
	}
	return tier, nil
}

func putTier(tx *bolt.Tx, tier *ServiceTier) error {
	data, err := json.Marshal(tier)
	if err != nil {
		return errors.Annotatef(err, "encode tier %d", tier.ID)
	}
	return tx.Bucket(bucketTiers).Put(makeKey(tier.ID), data)
}

// Make a sortable key from a tier id
func makeKey(id uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, id)
	return key
}
