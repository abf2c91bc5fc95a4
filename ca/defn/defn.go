// Package defn holds the shared data model of the NDNCERT CA:
// protocol enums, the in-flight request record and the issued
// certificate record. It is imported by the storage backends, the
// challenge modules and the controller.
package defn

import (
	"time"
)

// RequestIdLength is the size of a request identifier on the wire.
const RequestIdLength = 8

// Status is the lifecycle status of a certificate request.
type Status uint64

const (
	StatusBeforeChallenge Status = 0
	StatusChallenge       Status = 1
	StatusPending         Status = 2
	StatusSuccess         Status = 3
	StatusFailure         Status = 4
	StatusNotStarted      Status = 5
	StatusEnded           Status = 6
)

func (s Status) String() string {
	switch s {
	case StatusBeforeChallenge:
		return "before-challenge"
	case StatusChallenge:
		return "challenge"
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusNotStarted:
		return "not-started"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further challenge progress is possible.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusEnded
}

// RequestType is the kind of certificate request.
type RequestType uint64

const (
	RequestTypeNotInitialized RequestType = 0
	RequestTypeNew            RequestType = 1
	RequestTypeRenew          RequestType = 2
	RequestTypeRevoke         RequestType = 3
)

func (t RequestType) String() string {
	switch t {
	case RequestTypeNew:
		return "new"
	case RequestTypeRenew:
		return "renew"
	case RequestTypeRevoke:
		return "revoke"
	default:
		return "not-initialized"
	}
}

// ParamMap carries challenge parameters between client and CA.
type ParamMap map[string][]byte

// ChallengeState is the opaque per-request state owned by the active
// challenge module. The controller persists it without interpreting it.
type ChallengeState map[string]string

// RequestRecord is one in-flight certificate request.
type RequestRecord struct {
	// RequestId is the unique identifier of the request.
	RequestId string
	// CaPrefix is the name under which the CA is issuing.
	CaPrefix string
	// Type is NEW, RENEW or REVOKE. Immutable after creation.
	Type RequestType
	// Status of the request state machine.
	Status Status
	// CertRequest is the client-submitted certificate request wire.
	CertRequest []byte
	// EncryptionKey is the AES key derived during the NEW handshake.
	EncryptionKey []byte
	// AeadCounter is the CA-side AES-GCM block counter for this key.
	AeadCounter uint32

	// ChallengeType is the selected challenge, empty before selection.
	ChallengeType string
	// ChallengeState is owned by the active challenge module.
	ChallengeState ChallengeState
	// ChalStatus is the last challenge status string sent to the client.
	ChalStatus string
	// RemainingTries before the request is failed.
	RemainingTries int
	// Expiry is the challenge deadline, checked lazily on contact.
	Expiry time.Time

	// ErrCode and ErrInfo retain the cause of a terminal failure.
	ErrCode ErrorCode
	ErrInfo string
	// CertId references the issued certificate once successful.
	CertId string

	// Created and Updated support reclamation by age.
	Created time.Time
	Updated time.Time
}

// Clone returns a deep copy of the record.
func (r *RequestRecord) Clone() *RequestRecord {
	c := *r
	c.CertRequest = append([]byte(nil), r.CertRequest...)
	c.EncryptionKey = append([]byte(nil), r.EncryptionKey...)
	if r.ChallengeState != nil {
		c.ChallengeState = make(ChallengeState, len(r.ChallengeState))
		for k, v := range r.ChallengeState {
			c.ChallengeState[k] = v
		}
	}
	return &c
}

// CertRecord is one certificate the CA has signed and handed out.
type CertRecord struct {
	// CertId is the unique identifier, independent of any request id.
	CertId string
	// Identity is the subject name the certificate is bound to.
	Identity string
	// Cert is the certificate wire.
	Cert []byte
	// Created is the issuance time.
	Created time.Time
}

// Clone returns a deep copy of the record.
func (r *CertRecord) Clone() *CertRecord {
	c := *r
	c.Cert = append([]byte(nil), r.Cert...)
	return &c
}
