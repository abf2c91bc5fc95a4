//go:build !js

package storage

import (
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/named-data/ndncert/ca/defn"
)

var badgerReqPfx = []byte("request/")
var badgerCertPfx = []byte("cert/")

// BadgerStore is a durable Store backed by a badger key-value database.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(path))
	if err != nil {
		return nil, err
	}

	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) String() string {
	return "badger-store"
}

// add inserts key under a single transaction, failing on a live key.
func (s *BadgerStore) add(key []byte, value any) error {
	wire, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return ErrDuplicate
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, wire)
	})
}

func (s *BadgerStore) update(key []byte, value any) error {
	wire, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return txn.Set(key, wire)
	})
}

func (s *BadgerStore) get(key []byte, value any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return item.Value(func(wire []byte) error {
			return json.Unmarshal(wire, value)
		})
	})
}

func (s *BadgerStore) delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

// list decodes every value stored under prefix.
func list[T any](s *BadgerStore, prefix []byte) ([]*T, error) {
	var recs []*T
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rec := new(T)
			err := it.Item().Value(func(wire []byte) error {
				return json.Unmarshal(wire, rec)
			})
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}

func (s *BadgerStore) AddRequest(rec *defn.RequestRecord) error {
	return s.add(append(badgerReqPfx, rec.RequestId...), rec)
}

func (s *BadgerStore) GetRequest(requestId string) (*defn.RequestRecord, error) {
	rec := &defn.RequestRecord{}
	if err := s.get(append(badgerReqPfx, requestId...), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BadgerStore) UpdateRequest(rec *defn.RequestRecord) error {
	return s.update(append(badgerReqPfx, rec.RequestId...), rec)
}

func (s *BadgerStore) DeleteRequest(requestId string) error {
	return s.delete(append(badgerReqPfx, requestId...))
}

func (s *BadgerStore) ListRequests() ([]*defn.RequestRecord, error) {
	return list[defn.RequestRecord](s, badgerReqPfx)
}

func (s *BadgerStore) AddCert(rec *defn.CertRecord) error {
	return s.add(append(badgerCertPfx, rec.CertId...), rec)
}

func (s *BadgerStore) GetCert(certId string) (*defn.CertRecord, error) {
	rec := &defn.CertRecord{}
	if err := s.get(append(badgerCertPfx, certId...), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BadgerStore) UpdateCert(rec *defn.CertRecord) error {
	return s.update(append(badgerCertPfx, rec.CertId...), rec)
}

func (s *BadgerStore) DeleteCert(certId string) error {
	return s.delete(append(badgerCertPfx, certId...))
}

func (s *BadgerStore) ListCerts() ([]*defn.CertRecord, error) {
	return list[defn.CertRecord](s, badgerCertPfx)
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
