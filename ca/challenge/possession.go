package challenge

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"

	enc "github.com/named-data/ndnd/std/encoding"
	spec "github.com/named-data/ndnd/std/ndn/spec_2022"
	sec "github.com/named-data/ndnd/std/security"

	"github.com/named-data/ndncert/ca/defn"
)

const possessionNonceSize = 16

const statePossNonce = "nonce"
const statePossCert = "cert"

// Possession proves ownership of a certificate previously issued by
// this CA: the CA hands out a nonce and the client signs it with the
// key of the prior credential. Used to gate RENEW requests.
type Possession struct {
	// Lookup resolves a credential by cert id in the CA's records.
	// Credentials the CA has no record of (never issued, or revoked)
	// are rejected at Init.
	Lookup func(certId string) ([]byte, bool)

	// Nonce overrides nonce generation, for tests.
	Nonce func() ([]byte, error)
}

func (*Possession) Name() string {
	return "possession"
}

func (c *Possession) Init(rec *defn.RequestRecord, params defn.ParamMap) (defn.ParamMap, error) {
	credWire, ok := params[KwCert]
	if !ok {
		return nil, fmt.Errorf("missing parameter: %s", KwCert)
	}

	cred, _, err := spec.Spec{}.ReadData(enc.NewBufferView(credWire))
	if err != nil {
		return nil, fmt.Errorf("malformed credential certificate: %w", err)
	}

	if c.Lookup != nil {
		if _, ok := c.Lookup(cred.Name().String()); !ok {
			return nil, fmt.Errorf("credential not issued by this CA: %s", cred.Name())
		}
	}

	// Credential subject must match the requested subject
	credId, err := sec.GetIdentityFromCertName(cred.Name())
	if err != nil {
		return nil, fmt.Errorf("invalid credential name: %w", err)
	}
	reqId, err := subjectOf(rec.CertRequest)
	if err != nil {
		return nil, err
	}
	if !credId.Equal(reqId) {
		return nil, fmt.Errorf("credential subject %s does not match request subject %s", credId, reqId)
	}

	nonce, err := c.makeNonce()
	if err != nil {
		return nil, err
	}

	rec.ChallengeState = defn.ChallengeState{
		statePossNonce: hex.EncodeToString(nonce),
		statePossCert:  hex.EncodeToString(credWire),
	}
	rec.ChalStatus = StatusNeedProof

	return defn.ParamMap{KwNonce: nonce}, nil
}

func (c *Possession) Verify(rec *defn.RequestRecord, params defn.ParamMap) (Outcome, error) {
	proof, ok := params[KwProof]
	if !ok {
		return Outcome{}, fmt.Errorf("missing parameter: %s", KwProof)
	}

	nonce, err := hex.DecodeString(rec.ChallengeState[statePossNonce])
	if err != nil {
		return Outcome{}, fmt.Errorf("corrupt challenge state: %w", err)
	}
	credWire, err := hex.DecodeString(rec.ChallengeState[statePossCert])
	if err != nil {
		return Outcome{}, fmt.Errorf("corrupt challenge state: %w", err)
	}

	cred, _, err := spec.Spec{}.ReadData(enc.NewBufferView(credWire))
	if err != nil {
		return Outcome{}, fmt.Errorf("corrupt challenge state: %w", err)
	}

	if !verifyProof(cred.Content().Join(), nonce, proof) {
		rec.ChalStatus = StatusWrongProof
		return Outcome{Result: ResultWrongAnswer, Status: StatusWrongProof}, nil
	}

	rec.ChalStatus = StatusSuccess
	return Outcome{Result: ResultSuccess, Status: StatusSuccess}, nil
}

func (c *Possession) makeNonce() ([]byte, error) {
	if c.Nonce != nil {
		return c.Nonce()
	}
	return randBytes(possessionNonceSize)
}

// subjectOf extracts the subject identity from a certificate request.
func subjectOf(certReq []byte) (enc.Name, error) {
	csr, _, err := spec.Spec{}.ReadData(enc.NewBufferView(certReq))
	if err != nil {
		return nil, fmt.Errorf("malformed certificate request: %w", err)
	}
	id, err := sec.GetIdentityFromCertName(csr.Name())
	if err != nil {
		return nil, fmt.Errorf("invalid certificate request name: %w", err)
	}
	return id, nil
}

// verifyProof checks the signature over nonce with the PKIX public key
// carried in the credential content.
func verifyProof(pkixKey []byte, nonce []byte, proof []byte) bool {
	pkey, err := x509.ParsePKIXPublicKey(pkixKey)
	if err != nil {
		return false
	}

	switch pub := pkey.(type) {
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(nonce)
		return ecdsa.VerifyASN1(pub, digest[:], proof)
	case ed25519.PublicKey:
		return ed25519.Verify(pub, nonce, proof)
	case *rsa.PublicKey:
		digest := sha256.Sum256(nonce)
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], proof) == nil
	default:
		return false
	}
}
