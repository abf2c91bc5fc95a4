package ca_test

import (
	"crypto/ecdh"
	"crypto/elliptic"
	"encoding/hex"
	"testing"
	"time"

	enc "github.com/named-data/ndnd/std/encoding"
	"github.com/named-data/ndnd/std/ndn"
	spec "github.com/named-data/ndnd/std/ndn/spec_2022"
	sec "github.com/named-data/ndnd/std/security"
	"github.com/named-data/ndnd/std/security/ndncert/tlv"
	sig "github.com/named-data/ndnd/std/security/signer"
	"github.com/stretchr/testify/require"

	"github.com/named-data/ndncert/ca"
	"github.com/named-data/ndncert/ca/challenge"
	"github.com/named-data/ndncert/ca/defn"
	"github.com/named-data/ndncert/ca/storage"
)

type testCa struct {
	cfg   *ca.Config
	store *storage.MemoryStore
	ctl   *ca.Controller
	pins  map[string]string
}

func newTestCa(t *testing.T, mod func(cfg *ca.Config)) *testCa {
	cfg := ca.DefaultConfig()
	cfg.Prefix = "/test/ca"
	cfg.Info = "Test CA"
	cfg.ProbeKeys = []string{"email"}
	cfg.Challenges = []string{"pin", "possession"}
	cfg.Storage.Backend = "memory"
	if mod != nil {
		mod(cfg)
	}
	require.NoError(t, cfg.Parse())

	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	pins := make(map[string]string)
	reg := challenge.NewRegistry()
	reg.Register(&challenge.Pin{Deliver: func(id string, pin string) { pins[id] = pin }})
	reg.Register(&challenge.Possession{Lookup: func(certId string) ([]byte, bool) {
		rec, err := store.GetCert(certId)
		if err != nil {
			return nil, false
		}
		return rec.Cert, true
	}})

	signer, err := sig.KeygenEcc(sec.MakeKeyName(cfg.PrefixN()), elliptic.P256())
	require.NoError(t, err)

	return &testCa{
		cfg:   cfg,
		store: store,
		ctl:   ca.NewController(cfg, store, reg, signer),
		pins:  pins,
	}
}

// testClient plays the requester side of the protocol.
type testClient struct {
	signer  ndn.Signer
	csr     enc.Wire
	ecdhKey *ecdh.PrivateKey

	// handshake results
	reqId   []byte
	symKey  []byte
	counter uint32
}

func newTestClient(t *testing.T, identity string, validity time.Duration) *testClient {
	name, err := enc.NameFromStr(identity)
	require.NoError(t, err)

	signer, err := sig.KeygenEcc(sec.MakeKeyName(name), elliptic.P256())
	require.NoError(t, err)

	now := time.Now()
	csr, err := sec.SelfSign(sec.SignCertArgs{
		Signer:    signer,
		NotBefore: now,
		NotAfter:  now.Add(validity),
	})
	require.NoError(t, err)

	ecdhKey, err := ca.EcdhKeygen()
	require.NoError(t, err)

	return &testClient{signer: signer, csr: csr, ecdhKey: ecdhKey}
}

// signedReq packages a request the way it arrives off the wire: as
// the app parameters of an Interest signed by the given key.
func signedReq(t *testing.T, req *tlv.NewReq, signer ndn.Signer) (enc.Wire, ndn.Signature) {
	name, err := enc.NameFromStr("/test/ca/CA/NEW")
	require.NoError(t, err)

	ei, err := spec.Spec{}.MakeInterest(name, &ndn.InterestConfig{}, req.Encode(), signer)
	require.NoError(t, err)

	interest, sigCovered, err := spec.Spec{}.ReadInterest(enc.NewWireView(ei.Wire))
	require.NoError(t, err)
	return sigCovered, interest.Signature()
}

func (c *testClient) newReq() *tlv.NewReq {
	return &tlv.NewReq{
		EcdhPub: c.ecdhKey.PublicKey().Bytes(),
		CertReq: c.csr,
	}
}

// finishHandshake derives the client side of the session key.
func (c *testClient) finishHandshake(t *testing.T, res *tlv.NewRes) {
	require.Len(t, res.ReqId, defn.RequestIdLength)
	require.NotEmpty(t, res.Salt)

	key, err := ca.DeriveKey(c.ecdhKey, res.EcdhPub, res.Salt, res.ReqId)
	require.NoError(t, err)

	c.reqId = res.ReqId
	c.symKey = key
}

// challenge runs one encrypted challenge round against the CA.
func (c *testClient) challenge(t *testing.T, ctl *ca.Controller, chType string, params defn.ParamMap) (*tlv.ChallengeRes, error) {
	req := &tlv.ChallengeReq{Challenge: chType, Params: params}

	msg, err := ca.AeadEncrypt(c.symKey, req.Encode().Join(), c.reqId, &c.counter)
	require.NoError(t, err)

	res, err := ctl.OnChallenge(c.reqId, msg.TLV())
	if err != nil {
		return nil, err
	}

	aead := &ca.AeadMessage{}
	require.NoError(t, aead.FromTLV(res))
	plain, err := ca.AeadDecrypt(c.symKey, aead, c.reqId)
	require.NoError(t, err)

	cres, err := tlv.ParseChallengeRes(enc.NewBufferView(plain), false)
	require.NoError(t, err)
	return cres, nil
}

func requireErrCode(t *testing.T, err error, code defn.ErrorCode) {
	var perr *defn.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, code, perr.Code)
}

func TestProbe(t *testing.T) {
	tc := newTestCa(t, nil)

	res, err := tc.ctl.OnProbe(&tlv.ProbeReq{
		Params: map[string][]byte{"email": []byte("alice")},
	})
	require.NoError(t, err)
	require.Len(t, res.Vals, 1)
	require.Equal(t, "/test/ca/alice", res.Vals[0].Response.String())
	require.Equal(t, uint64(1), res.Vals[0].MaxSuffixLength.Unwrap())

	// unknown keys yield nothing
	_, err = tc.ctl.OnProbe(&tlv.ProbeReq{
		Params: map[string][]byte{"unrelated": []byte("x")},
	})
	requireErrCode(t, err, defn.ErrorCodeNoAvailableNames)

	_, err = tc.ctl.OnProbe(&tlv.ProbeReq{})
	requireErrCode(t, err, defn.ErrorCodeNoAvailableNames)
}

// The full happy path: handshake, PIN challenge, certificate issuance.
func TestNewIssuance(t *testing.T) {
	tc := newTestCa(t, nil)
	client := newTestClient(t, "/test/ca/alice", 12*time.Hour)

	var issued string
	tc.ctl.Issued = func(certId string, wire []byte) { issued = certId }

	req := client.newReq()
	sigCovered, isig := signedReq(t, req, client.signer)
	res, err := tc.ctl.OnNew(req, sigCovered, isig)
	require.NoError(t, err)
	require.Equal(t, tc.cfg.Challenges, res.Challenge)
	client.finishHandshake(t, res)

	// select the PIN challenge
	cres, err := client.challenge(t, tc.ctl, "pin", defn.ParamMap{})
	require.NoError(t, err)
	require.Equal(t, uint64(defn.StatusChallenge), cres.Status)
	require.Equal(t, challenge.StatusNeedCode, cres.ChalStatus.Unwrap())
	require.Equal(t, uint64(tc.cfg.ChallengeTries), cres.RemainTries.Unwrap())

	// answer with the delivered PIN
	pin := tc.pins[hex.EncodeToString(client.reqId)]
	require.NotEmpty(t, pin)

	cres, err = client.challenge(t, tc.ctl, "pin", defn.ParamMap{"code": []byte(pin)})
	require.NoError(t, err)
	require.Equal(t, uint64(defn.StatusSuccess), cres.Status)
	require.NotNil(t, cres.CertName)

	certName := cres.CertName.Name
	require.True(t, tc.cfg.PrefixN().IsPrefix(certName))
	require.Equal(t, certName.String(), issued)

	// the issued certificate verifies against the request key
	wire, ok := tc.ctl.LookupCert(certName.String())
	require.True(t, ok)
	cert, _, err := spec.Spec{}.ReadData(enc.NewBufferView(wire))
	require.NoError(t, err)
	identity, err := sec.GetIdentityFromCertName(cert.Name())
	require.NoError(t, err)
	require.Equal(t, "/test/ca/alice", identity.String())
}

func TestNewRejectsForeignSubject(t *testing.T) {
	tc := newTestCa(t, nil)
	client := newTestClient(t, "/other/site/alice", 12*time.Hour)

	req := client.newReq()
	sigCovered, isig := signedReq(t, req, client.signer)
	_, err := tc.ctl.OnNew(req, sigCovered, isig)
	requireErrCode(t, err, defn.ErrorCodeInvalidParameter)
}

func TestNewRejectsLongSuffix(t *testing.T) {
	tc := newTestCa(t, nil)
	client := newTestClient(t, "/test/ca/dept/alice", 12*time.Hour)

	req := client.newReq()
	sigCovered, isig := signedReq(t, req, client.signer)
	_, err := tc.ctl.OnNew(req, sigCovered, isig)
	requireErrCode(t, err, defn.ErrorCodeNameNotAllowed)
}

func TestNewRejectsExcessiveValidity(t *testing.T) {
	tc := newTestCa(t, nil)
	client := newTestClient(t, "/test/ca/alice", 90*24*time.Hour)

	req := client.newReq()
	sigCovered, isig := signedReq(t, req, client.signer)
	_, err := tc.ctl.OnNew(req, sigCovered, isig)
	requireErrCode(t, err, defn.ErrorCodeBadValidityPeriod)
}

// The request signature must verify with the key enclosed in the
// certificate request, not just any key.
func TestNewRejectsForeignSignature(t *testing.T) {
	tc := newTestCa(t, nil)
	client := newTestClient(t, "/test/ca/alice", 12*time.Hour)
	other := newTestClient(t, "/test/ca/mallory", 12*time.Hour)

	req := client.newReq()
	sigCovered, isig := signedReq(t, req, other.signer)
	_, err := tc.ctl.OnNew(req, sigCovered, isig)
	requireErrCode(t, err, defn.ErrorCodeBadSignature)
}

func TestNewRejectsGarbageCertRequest(t *testing.T) {
	tc := newTestCa(t, nil)
	client := newTestClient(t, "/test/ca/alice", 12*time.Hour)

	req := client.newReq()
	req.CertReq = enc.Wire{[]byte{0xde, 0xad, 0xbe, 0xef}}
	sigCovered, isig := signedReq(t, req, client.signer)
	_, err := tc.ctl.OnNew(req, sigCovered, isig)
	requireErrCode(t, err, defn.ErrorCodeBadParameterFormat)
}

func TestChallengeUnknownRequest(t *testing.T) {
	tc := newTestCa(t, nil)

	_, err := tc.ctl.OnChallenge(make([]byte, defn.RequestIdLength), &tlv.CipherMsg{})
	requireErrCode(t, err, defn.ErrorCodeInvalidParameter)

	_, err = tc.ctl.OnChallenge([]byte{0x01, 0x02}, &tlv.CipherMsg{})
	requireErrCode(t, err, defn.ErrorCodeBadInterestFormat)
}

func TestChallengeUnknownType(t *testing.T) {
	tc := newTestCa(t, nil)
	client := newTestClient(t, "/test/ca/alice", 12*time.Hour)

	req := client.newReq()
	sigCovered, isig := signedReq(t, req, client.signer)
	res, err := tc.ctl.OnNew(req, sigCovered, isig)
	require.NoError(t, err)
	client.finishHandshake(t, res)

	_, err = client.challenge(t, tc.ctl, "carrier-pigeon", defn.ParamMap{})
	requireErrCode(t, err, defn.ErrorCodeInvalidParameter)
}

// A tampered ciphertext must be rejected without touching the record.
func TestChallengeBadCiphertext(t *testing.T) {
	tc := newTestCa(t, nil)
	client := newTestClient(t, "/test/ca/alice", 12*time.Hour)

	req := client.newReq()
	sigCovered, isig := signedReq(t, req, client.signer)
	res, err := tc.ctl.OnNew(req, sigCovered, isig)
	require.NoError(t, err)
	client.finishHandshake(t, res)

	creq := &tlv.ChallengeReq{Challenge: "pin"}
	msg, err := ca.AeadEncrypt(client.symKey, creq.Encode().Join(), client.reqId, &client.counter)
	require.NoError(t, err)
	msg.CipherText[0] ^= 0xff

	_, err = tc.ctl.OnChallenge(client.reqId, msg.TLV())
	requireErrCode(t, err, defn.ErrorCodeBadSignature)

	// the request is still usable afterwards
	cres, err := client.challenge(t, tc.ctl, "pin", defn.ParamMap{})
	require.NoError(t, err)
	require.Equal(t, uint64(defn.StatusChallenge), cres.Status)
}

func TestChallengeOutOfTries(t *testing.T) {
	tc := newTestCa(t, nil)
	client := newTestClient(t, "/test/ca/alice", 12*time.Hour)

	req := client.newReq()
	sigCovered, isig := signedReq(t, req, client.signer)
	res, err := tc.ctl.OnNew(req, sigCovered, isig)
	require.NoError(t, err)
	client.finishHandshake(t, res)

	_, err = client.challenge(t, tc.ctl, "pin", defn.ParamMap{})
	require.NoError(t, err)

	wrong := defn.ParamMap{"code": []byte("000000x")}
	for i := 0; i < tc.cfg.ChallengeTries-1; i++ {
		cres, err := client.challenge(t, tc.ctl, "pin", wrong)
		require.NoError(t, err)
		require.Equal(t, uint64(defn.StatusChallenge), cres.Status)
		require.Equal(t, challenge.StatusWrongCode, cres.ChalStatus.Unwrap())
		require.Equal(t, uint64(tc.cfg.ChallengeTries-1-i), cres.RemainTries.Unwrap())
	}

	// last attempt exhausts the budget
	_, err = client.challenge(t, tc.ctl, "pin", wrong)
	requireErrCode(t, err, defn.ErrorCodeOutOfTries)

	// terminal failure replays its cause, even for the right answer
	pin := tc.pins[hex.EncodeToString(client.reqId)]
	_, err = client.challenge(t, tc.ctl, "pin", defn.ParamMap{"code": []byte(pin)})
	requireErrCode(t, err, defn.ErrorCodeOutOfTries)
}

func TestChallengeOutOfTime(t *testing.T) {
	tc := newTestCa(t, nil)
	client := newTestClient(t, "/test/ca/alice", 12*time.Hour)

	req := client.newReq()
	sigCovered, isig := signedReq(t, req, client.signer)
	res, err := tc.ctl.OnNew(req, sigCovered, isig)
	require.NoError(t, err)
	client.finishHandshake(t, res)

	_, err = client.challenge(t, tc.ctl, "pin", defn.ParamMap{})
	require.NoError(t, err)

	// move the deadline into the past, with the try budget also spent
	// so both limits trigger at once
	id := hex.EncodeToString(client.reqId)
	rec, err := tc.store.GetRequest(id)
	require.NoError(t, err)
	rec.Expiry = time.Now().Add(-time.Second)
	rec.RemainingTries = 1
	require.NoError(t, tc.store.UpdateRequest(rec))

	// expiry wins over tries
	_, err = client.challenge(t, tc.ctl, "pin", defn.ParamMap{"code": []byte("000000x")})
	requireErrCode(t, err, defn.ErrorCodeOutOfTime)

	_, err = client.challenge(t, tc.ctl, "pin", defn.ParamMap{})
	requireErrCode(t, err, defn.ErrorCodeOutOfTime)
}

// Once SUCCESS, repeated contact replays the result idempotently.
func TestTerminalSuccessReplay(t *testing.T) {
	tc := newTestCa(t, nil)
	client := newTestClient(t, "/test/ca/alice", 12*time.Hour)

	req := client.newReq()
	sigCovered, isig := signedReq(t, req, client.signer)
	res, err := tc.ctl.OnNew(req, sigCovered, isig)
	require.NoError(t, err)
	client.finishHandshake(t, res)

	_, err = client.challenge(t, tc.ctl, "pin", defn.ParamMap{})
	require.NoError(t, err)

	pin := tc.pins[hex.EncodeToString(client.reqId)]
	first, err := client.challenge(t, tc.ctl, "pin", defn.ParamMap{"code": []byte(pin)})
	require.NoError(t, err)
	require.Equal(t, uint64(defn.StatusSuccess), first.Status)

	replay, err := client.challenge(t, tc.ctl, "pin", defn.ParamMap{})
	require.NoError(t, err)
	require.Equal(t, uint64(defn.StatusSuccess), replay.Status)
	require.Equal(t, first.CertName.Name, replay.CertName.Name)
}

func TestRenew(t *testing.T) {
	tc := newTestCa(t, nil)
	client := newTestClient(t, "/test/ca/alice", 12*time.Hour)

	// renewal without a prior certificate is refused
	req := client.newReq()
	sigCovered, isig := signedReq(t, req, client.signer)
	_, err := tc.ctl.OnRenew(req, sigCovered, isig)
	requireErrCode(t, err, defn.ErrorCodeInvalidParameter)

	issueCert(t, tc, client)

	// now the same subject may renew
	renewer := newTestClient(t, "/test/ca/alice", 12*time.Hour)
	req = renewer.newReq()
	sigCovered, isig = signedReq(t, req, renewer.signer)
	res, err := tc.ctl.OnRenew(req, sigCovered, isig)
	require.NoError(t, err)
	renewer.finishHandshake(t, res)
}

func TestRevoke(t *testing.T) {
	tc := newTestCa(t, nil)
	client := newTestClient(t, "/test/ca/alice", 12*time.Hour)

	var revoked string
	tc.ctl.Revoked = func(certId string) { revoked = certId }

	certName := issueCert(t, tc, client)
	wire, ok := tc.ctl.LookupCert(certName)
	require.True(t, ok)

	// revocation must be signed with the certificate key
	mallory := newTestClient(t, "/test/ca/mallory", 12*time.Hour)
	revReq := &tlv.NewReq{
		EcdhPub: client.ecdhKey.PublicKey().Bytes(),
		CertReq: enc.Wire{wire},
	}
	sigCovered, isig := signedReq(t, revReq, mallory.signer)
	_, err := tc.ctl.OnRevoke(revReq, sigCovered, isig)
	requireErrCode(t, err, defn.ErrorCodeBadSignature)

	sigCovered, isig = signedReq(t, revReq, client.signer)
	res, err := tc.ctl.OnRevoke(revReq, sigCovered, isig)
	require.NoError(t, err)
	require.Empty(t, res.Challenge)

	require.Equal(t, certName, revoked)
	_, ok = tc.ctl.LookupCert(certName)
	require.False(t, ok)

	// revoking again fails: the certificate is no longer on record
	sigCovered, isig = signedReq(t, revReq, client.signer)
	_, err = tc.ctl.OnRevoke(revReq, sigCovered, isig)
	requireErrCode(t, err, defn.ErrorCodeInvalidParameter)
}

// Renewal gated by the possession challenge: the client proves it
// still holds the key of its previous certificate.
func TestRenewWithPossession(t *testing.T) {
	tc := newTestCa(t, nil)
	client := newTestClient(t, "/test/ca/alice", 12*time.Hour)

	certName := issueCert(t, tc, client)
	certWire, ok := tc.ctl.LookupCert(certName)
	require.True(t, ok)

	renewer := newTestClient(t, "/test/ca/alice", 12*time.Hour)
	req := renewer.newReq()
	sigCovered, isig := signedReq(t, req, renewer.signer)
	res, err := tc.ctl.OnRenew(req, sigCovered, isig)
	require.NoError(t, err)
	renewer.finishHandshake(t, res)

	cres, err := renewer.challenge(t, tc.ctl, "possession", defn.ParamMap{
		"issued-cert": certWire,
	})
	require.NoError(t, err)
	require.Equal(t, challenge.StatusNeedProof, cres.ChalStatus.Unwrap())
	nonce := cres.Params["nonce"]
	require.NotEmpty(t, nonce)

	// sign the nonce with the old certificate key
	proof, err := client.signer.Sign(enc.Wire{nonce})
	require.NoError(t, err)

	cres, err = renewer.challenge(t, tc.ctl, "possession", defn.ParamMap{
		"proof": proof,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(defn.StatusSuccess), cres.Status)
	require.NotNil(t, cres.CertName)
}

// issueCert drives one PIN-gated issuance and returns the cert id.
func issueCert(t *testing.T, tc *testCa, client *testClient) string {
	req := client.newReq()
	sigCovered, isig := signedReq(t, req, client.signer)
	res, err := tc.ctl.OnNew(req, sigCovered, isig)
	require.NoError(t, err)
	client.finishHandshake(t, res)

	_, err = client.challenge(t, tc.ctl, "pin", defn.ParamMap{})
	require.NoError(t, err)

	pin := tc.pins[hex.EncodeToString(client.reqId)]
	cres, err := client.challenge(t, tc.ctl, "pin", defn.ParamMap{"code": []byte(pin)})
	require.NoError(t, err)
	require.Equal(t, uint64(defn.StatusSuccess), cres.Status)
	require.NotNil(t, cres.CertName)
	return cres.CertName.Name.String()
}
