// Package storage provides the durable state of the CA: in-flight
// certificate requests and issued certificates. All backends enforce
// key uniqueness and atomic per-record mutation.
package storage

import (
	"errors"

	"github.com/named-data/ndncert/ca/defn"
)

// ErrDuplicate is returned by Add when the key already exists.
var ErrDuplicate = errors.New("record already exists")

// ErrNotFound is returned when no record exists for the key.
var ErrNotFound = errors.New("record not found")

// Store is the persistence contract of the CA.
//
// Each mutating call is atomic: a crash or concurrent access never
// yields a partially written record, and an Add followed by a Get on
// the same key observes the just-added value. List snapshots are
// consistent at some linearizable point; order is unspecified.
type Store interface {
	// AddRequest persists a new request record.
	// Fails with ErrDuplicate if the request id already exists.
	AddRequest(rec *defn.RequestRecord) error
	// GetRequest returns the request record for the id.
	GetRequest(requestId string) (*defn.RequestRecord, error)
	// UpdateRequest atomically replaces an existing request record.
	UpdateRequest(rec *defn.RequestRecord) error
	// DeleteRequest removes the request record for the id.
	DeleteRequest(requestId string) error
	// ListRequests returns all stored request records.
	ListRequests() ([]*defn.RequestRecord, error)

	// AddCert persists a newly issued certificate.
	// Fails with ErrDuplicate if the cert id already exists.
	AddCert(rec *defn.CertRecord) error
	// GetCert returns the certificate record for the id.
	GetCert(certId string) (*defn.CertRecord, error)
	// UpdateCert atomically replaces a stored certificate (re-issuance
	// under the same id).
	UpdateCert(rec *defn.CertRecord) error
	// DeleteCert removes the certificate record for the id.
	DeleteCert(certId string) error
	// ListCerts returns all issued certificates.
	ListCerts() ([]*defn.CertRecord, error)

	// Close releases the backing store.
	Close() error
}
