package ca

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"

	enc "github.com/named-data/ndnd/std/encoding"
	"github.com/named-data/ndnd/std/ndn"
	"github.com/named-data/ndnd/std/security/ndncert/tlv"
	"golang.org/x/crypto/hkdf"

	"github.com/named-data/ndncert/ca/defn"
)

const AeadKeySize = 16
const AeadNonceSize = 12
const AeadTagSize = 16
const AeadRandSize = 8

const SaltSize = 32

// EcdhKeygen generates the CA's ephemeral ECDH key pair for one
// request handshake.
func EcdhKeygen() (*ecdh.PrivateKey, error) {
	return ecdh.P256().GenerateKey(rand.Reader)
}

// DeriveKey computes the per-request symmetric key from the peer's
// public value using ECDH and HKDF-SHA256. The client performs the
// same derivation with the roles reversed; salt and requestId must be
// the values sent in the NEW response.
func DeriveKey(skey *ecdh.PrivateKey, peerPub []byte, salt []byte, requestId []byte) ([]byte, error) {
	pkey, err := ecdh.P256().NewPublicKey(peerPub)
	if err != nil {
		return nil, fmt.Errorf("invalid ECDH public value: %w", err)
	}

	secret, err := skey.ECDH(pkey)
	if err != nil {
		return nil, err
	}

	hkdf := hkdf.New(sha256.New, secret, salt, requestId)
	key := make([]byte, AeadKeySize)
	if _, err := io.ReadFull(hkdf, key); err != nil {
		return nil, err
	}

	return key, nil
}

// MakeRequestId generates a fresh request identifier.
func MakeRequestId() ([]byte, error) {
	return randBytes(defn.RequestIdLength)
}

// MakeSalt generates the HKDF salt for one handshake.
func MakeSalt() ([]byte, error) {
	return randBytes(SaltSize)
}

// AeadMessage is one AES-GCM encrypted challenge payload.
type AeadMessage struct {
	IV         [AeadNonceSize]byte
	AuthTag    [AeadTagSize]byte
	CipherText []byte
}

func (m *AeadMessage) TLV() *tlv.CipherMsg {
	return &tlv.CipherMsg{
		InitVec:  m.IV[:],
		AuthNTag: m.AuthTag[:],
		Payload:  m.CipherText,
	}
}

// FromTLV validates field sizes before adopting the message. Malformed
// client input must surface as an error, never a panic.
func (m *AeadMessage) FromTLV(t *tlv.CipherMsg) error {
	if len(t.InitVec) != AeadNonceSize {
		return fmt.Errorf("bad initialization vector size: %d", len(t.InitVec))
	}
	if len(t.AuthNTag) != AeadTagSize {
		return fmt.Errorf("bad authentication tag size: %d", len(t.AuthNTag))
	}
	m.IV = [AeadNonceSize]byte(t.InitVec)
	m.AuthTag = [AeadTagSize]byte(t.AuthNTag)
	m.CipherText = t.Payload
	return nil
}

// AeadEncrypt encrypts plaintext under the request key. The IV is
// eight fresh random bytes followed by the running block counter, so
// no IV repeats for one key as long as the counter is persisted with
// the request. counter is advanced by the number of blocks consumed.
func AeadEncrypt(key []byte, plaintext []byte, info []byte, counter *uint32) (*AeadMessage, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	random, err := randBytes(AeadRandSize)
	if err != nil {
		return nil, err
	}

	*counter += uint32((len(plaintext) + AeadTagSize - 1) / AeadTagSize)
	iv := make([]byte, 0, AeadNonceSize)
	iv = append(iv, random...)
	iv = binary.LittleEndian.AppendUint32(iv, *counter)

	output := aesgcm.Seal(nil, iv, plaintext, info)

	return &AeadMessage{
		IV:         [AeadNonceSize]byte(iv),
		AuthTag:    [AeadTagSize]byte(output[len(plaintext):]),
		CipherText: output[:len(plaintext)],
	}, nil
}

// AeadDecrypt decrypts and authenticates one challenge payload.
func AeadDecrypt(key []byte, msg *AeadMessage, info []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	ciphertext := append(append([]byte(nil), msg.CipherText...), msg.AuthTag[:]...)
	return aesgcm.Open(nil, msg.IV[:], ciphertext, info)
}

// ValidateSignature verifies a packet signature against the PKIX
// public key carried in a certificate (or certificate request)
// content. Used for the proof-of-possession checks on NEW and REVOKE.
func ValidateSignature(sig ndn.Signature, covered enc.Wire, pkixKey []byte) bool {
	if sig == nil {
		return false
	}

	pkey, err := x509.ParsePKIXPublicKey(pkixKey)
	if err != nil {
		return false
	}

	switch sig.SigType() {
	case ndn.SignatureSha256WithEcdsa:
		pub, ok := pkey.(*ecdsa.PublicKey)
		if !ok {
			return false
		}
		return ecdsa.VerifyASN1(pub, digest(covered), sig.SigValue())
	case ndn.SignatureEd25519:
		pub, ok := pkey.(ed25519.PublicKey)
		if !ok {
			return false
		}
		return ed25519.Verify(pub, covered.Join(), sig.SigValue())
	case ndn.SignatureSha256WithRsa:
		pub, ok := pkey.(*rsa.PublicKey)
		if !ok {
			return false
		}
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest(covered), sig.SigValue()) == nil
	default:
		return false
	}
}

func digest(covered enc.Wire) []byte {
	h := sha256.New()
	for _, buf := range covered {
		h.Write(buf)
	}
	return h.Sum(nil)
}

func randBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
