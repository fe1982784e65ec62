package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/faas/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketFunctions = []byte("functions")
	bucketCode      = []byte("code")
)

// BoltStore is a BoltDB-backed Store.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a BoltDB database at dbPath.
// dbPath is a file path, not a directory: callers pass the full
// registry_store_path from SystemConfig.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	if err := ensureParentDir(dbPath); err != nil {
		return nil, err
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketFunctions, bucketCode} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func ensureParentDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) CreateFunction(cfg *types.FunctionConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFunctions)
		if existing := b.Get([]byte(cfg.Name)); existing != nil {
			return fmt.Errorf("%w: %s", types.ErrFunctionExists, cfg.Name)
		}
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put([]byte(cfg.Name), data)
	})
}

func (s *BoltStore) GetFunction(name string) (*types.FunctionConfig, error) {
	var cfg types.FunctionConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFunctions)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("%w: %s", types.ErrFunctionNotFound, name)
		}
		return json.Unmarshal(data, &cfg)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *BoltStore) ListFunctions() ([]*types.FunctionConfig, error) {
	var out []*types.FunctionConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFunctions)
		return b.ForEach(func(k, v []byte) error {
			var cfg types.FunctionConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return err
			}
			out = append(out, &cfg)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateFunction(cfg *types.FunctionConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFunctions)
		if existing := b.Get([]byte(cfg.Name)); existing == nil {
			return fmt.Errorf("%w: %s", types.ErrFunctionNotFound, cfg.Name)
		}
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put([]byte(cfg.Name), data)
	})
}

func (s *BoltStore) DeleteFunction(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFunctions)
		if existing := b.Get([]byte(name)); existing == nil {
			return fmt.Errorf("%w: %s", types.ErrFunctionNotFound, name)
		}
		return b.Delete([]byte(name))
	})
}

func (s *BoltStore) PutCode(code *types.FunctionCode) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCode)
		return b.Put([]byte(code.FunctionName), code.Source)
	})
}

func (s *BoltStore) GetCode(functionName string) (*types.FunctionCode, error) {
	var code types.FunctionCode
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCode)
		data := b.Get([]byte(functionName))
		if data == nil {
			return fmt.Errorf("%w: code for %s", types.ErrFunctionNotFound, functionName)
		}
		code.FunctionName = functionName
		code.Source = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &code, nil
}

func (s *BoltStore) DeleteCode(functionName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCode).Delete([]byte(functionName))
	})
}
