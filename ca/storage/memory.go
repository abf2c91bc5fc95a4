package storage

import (
	"sync"

	"github.com/named-data/ndncert/ca/defn"
)

// MemoryStore is a non-durable Store backed by maps.
// It is intended for tests and ephemeral deployments.
type MemoryStore struct {
	mutex    sync.RWMutex
	requests map[string]*defn.RequestRecord
	certs    map[string]*defn.CertRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*defn.RequestRecord),
		certs:    make(map[string]*defn.CertRecord),
	}
}

func (s *MemoryStore) String() string {
	return "memory-store"
}

func (s *MemoryStore) AddRequest(rec *defn.RequestRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.requests[rec.RequestId]; ok {
		return ErrDuplicate
	}
	s.requests[rec.RequestId] = rec.Clone()
	return nil
}

func (s *MemoryStore) GetRequest(requestId string) (*defn.RequestRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rec, ok := s.requests[requestId]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) UpdateRequest(rec *defn.RequestRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.requests[rec.RequestId]; !ok {
		return ErrNotFound
	}
	s.requests[rec.RequestId] = rec.Clone()
	return nil
}

func (s *MemoryStore) DeleteRequest(requestId string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.requests[requestId]; !ok {
		return ErrNotFound
	}
	delete(s.requests, requestId)
	return nil
}

func (s *MemoryStore) ListRequests() ([]*defn.RequestRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	recs := make([]*defn.RequestRecord, 0, len(s.requests))
	for _, rec := range s.requests {
		recs = append(recs, rec.Clone())
	}
	return recs, nil
}

func (s *MemoryStore) AddCert(rec *defn.CertRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.certs[rec.CertId]; ok {
		return ErrDuplicate
	}
	s.certs[rec.CertId] = rec.Clone()
	return nil
}

func (s *MemoryStore) GetCert(certId string) (*defn.CertRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rec, ok := s.certs[certId]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) UpdateCert(rec *defn.CertRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.certs[rec.CertId]; !ok {
		return ErrNotFound
	}
	s.certs[rec.CertId] = rec.Clone()
	return nil
}

func (s *MemoryStore) DeleteCert(certId string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.certs[certId]; !ok {
		return ErrNotFound
	}
	delete(s.certs, certId)
	return nil
}

func (s *MemoryStore) ListCerts() ([]*defn.CertRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	recs := make([]*defn.CertRecord, 0, len(s.certs))
	for _, rec := range s.certs {
		recs = append(recs, rec.Clone())
	}
	return recs, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
