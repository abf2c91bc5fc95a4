package ca

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	enc "github.com/named-data/ndnd/std/encoding"
	"github.com/named-data/ndnd/std/log"
	"github.com/named-data/ndnd/std/ndn"
	spec "github.com/named-data/ndnd/std/ndn/spec_2022"
	sec "github.com/named-data/ndnd/std/security"
	"github.com/named-data/ndnd/std/security/ndncert/tlv"
	"github.com/named-data/ndnd/std/types/optional"

	"github.com/named-data/ndncert/ca/challenge"
	"github.com/named-data/ndncert/ca/defn"
	"github.com/named-data/ndncert/ca/storage"
)

// issuerId is the issuer component of certificates issued by this CA.
var issuerId = enc.NewGenericComponent("NDNCERT")

// newIdAttempts bounds the internal retry on request id collision.
const newIdAttempts = 3

// Controller drives the certificate request state machine. It owns
// all mutation of request records; messages for one request id are
// serialized through a per-id lock, messages for different ids run
// concurrently.
type Controller struct {
	cfg        *Config
	store      storage.Store
	challenges *challenge.Registry
	signer     ndn.Signer

	// Issued and Revoked are optional hooks invoked after a
	// certificate record is stored or removed, so a front-end can
	// publish or withdraw the certificate wire.
	Issued  func(certId string, wire []byte)
	Revoked func(certId string)

	mutex sync.Mutex
	locks map[string]*reqLock
}

type reqLock struct {
	mutex sync.Mutex
	refs  int
}

func NewController(cfg *Config, store storage.Store, challenges *challenge.Registry, signer ndn.Signer) *Controller {
	return &Controller{
		cfg:        cfg,
		store:      store,
		challenges: challenges,
		signer:     signer,
		locks:      make(map[string]*reqLock),
	}
}

func (ctl *Controller) String() string {
	return "ca-controller"
}

// lockRequest serializes processing for one request id.
// The returned function releases the lock.
func (ctl *Controller) lockRequest(id string) func() {
	ctl.mutex.Lock()
	l, ok := ctl.locks[id]
	if !ok {
		l = &reqLock{}
		ctl.locks[id] = l
	}
	l.refs++
	ctl.mutex.Unlock()

	l.mutex.Lock()
	return func() {
		l.mutex.Unlock()
		ctl.mutex.Lock()
		l.refs--
		if l.refs == 0 {
			delete(ctl.locks, id)
		}
		ctl.mutex.Unlock()
	}
}

// OnProbe suggests available names from the probe parameters. It is
// stateless and never creates a request record.
func (ctl *Controller) OnProbe(req *tlv.ProbeReq) (*tlv.ProbeRes, error) {
	res := &tlv.ProbeRes{}

	for _, key := range ctl.cfg.ProbeKeys {
		val, ok := req.Params[key]
		if !ok || len(val) == 0 {
			continue
		}

		res.Vals = append(res.Vals, &tlv.ProbeResVals{
			Response:        ctl.cfg.PrefixN().Append(enc.NewGenericComponent(string(val))),
			MaxSuffixLength: optional.Some(ctl.cfg.MaxSuffixLength),
		})
	}

	if len(res.Vals) == 0 {
		return nil, defn.NewError(defn.ErrorCodeNoAvailableNames,
			"no name available for the given probe parameters")
	}

	return res, nil
}

// OnNew initiates a NEW request: it validates the certificate request,
// performs the ECDH handshake and persists the request record.
// sigCovered and interestSig carry the client's Interest signature for
// the proof of key possession.
func (ctl *Controller) OnNew(req *tlv.NewReq, sigCovered enc.Wire, interestSig ndn.Signature) (*tlv.NewRes, error) {
	csr, err := ctl.checkCertRequest(req.CertReq.Join())
	if err != nil {
		return nil, err
	}

	if !ValidateSignature(interestSig, sigCovered, csr.Content().Join()) {
		return nil, defn.NewError(defn.ErrorCodeBadSignature,
			"request signature cannot be verified with the enclosed key")
	}

	return ctl.handshake(req, defn.RequestTypeNew, csr)
}

// OnRenew initiates a RENEW request. The shape is the same as NEW,
// but the subject must already hold a certificate issued by this CA.
func (ctl *Controller) OnRenew(req *tlv.NewReq, sigCovered enc.Wire, interestSig ndn.Signature) (*tlv.NewRes, error) {
	csr, err := ctl.checkCertRequest(req.CertReq.Join())
	if err != nil {
		return nil, err
	}

	if !ValidateSignature(interestSig, sigCovered, csr.Content().Join()) {
		return nil, defn.NewError(defn.ErrorCodeBadSignature,
			"request signature cannot be verified with the enclosed key")
	}

	identity, _ := sec.GetIdentityFromCertName(csr.Name())
	if !ctl.hasCertForIdentity(identity) {
		return nil, defn.NewError(defn.ErrorCodeInvalidParameter,
			"no certificate issued to %s by this CA", identity)
	}

	return ctl.handshake(req, defn.RequestTypeRenew, csr)
}

// OnRevoke revokes an issued certificate. The request carries the
// certificate to revoke in place of a certificate request; once the
// possession proof is verified the certificate is deleted and the
// request record goes directly to SUCCESS, skipping any challenge.
func (ctl *Controller) OnRevoke(req *tlv.NewReq, sigCovered enc.Wire, interestSig ndn.Signature) (*tlv.NewRes, error) {
	cert, _, err := spec.Spec{}.ReadData(enc.NewWireView(req.CertReq))
	if err != nil {
		return nil, defn.NewError(defn.ErrorCodeBadParameterFormat,
			"malformed certificate to revoke")
	}

	certId := cert.Name().String()
	stored, err := ctl.store.GetCert(certId)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, defn.NewError(defn.ErrorCodeInvalidParameter,
			"certificate not issued by this CA: %s", certId)
	} else if err != nil {
		return nil, err
	}

	storedData, _, err := spec.Spec{}.ReadData(enc.NewBufferView(stored.Cert))
	if err != nil {
		return nil, fmt.Errorf("corrupt stored certificate %s: %w", certId, err)
	}

	if !ValidateSignature(interestSig, sigCovered, storedData.Content().Join()) {
		return nil, defn.NewError(defn.ErrorCodeBadSignature,
			"revocation is not signed with the certificate key")
	}

	res, rec, err := ctl.newRecord(req, defn.RequestTypeRevoke)
	if err != nil {
		return nil, err
	}

	if err := ctl.store.DeleteCert(certId); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if ctl.Revoked != nil {
		ctl.Revoked(certId)
	}

	rec.Status = defn.StatusSuccess
	rec.CertId = certId
	rec.Updated = time.Now()
	if err := ctl.store.UpdateRequest(rec); err != nil {
		return nil, err
	}

	log.Info(ctl, "Revoked certificate", "cert", certId)
	res.Challenge = nil
	return res, nil
}

// OnChallenge processes one encrypted challenge-round message: the
// challenge selection when the request is new, a verification round
// afterwards, and a deterministic replay once the request is terminal.
func (ctl *Controller) OnChallenge(requestId []byte, msg *tlv.CipherMsg) (*tlv.CipherMsg, error) {
	if len(requestId) != defn.RequestIdLength {
		return nil, defn.NewError(defn.ErrorCodeBadInterestFormat,
			"bad request id length: %d", len(requestId))
	}

	id := hex.EncodeToString(requestId)
	release := ctl.lockRequest(id)
	defer release()

	rec, err := ctl.store.GetRequest(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, defn.NewError(defn.ErrorCodeInvalidParameter,
			"no pending request for the given request id")
	} else if err != nil {
		return nil, err
	}

	// Terminal requests replay the decided result without re-running
	// any challenge logic or consuming tries.
	if rec.Status.Terminal() {
		if rec.Status == defn.StatusSuccess {
			return ctl.respond(rec, ctl.successRes(rec))
		}
		return nil, &defn.Error{Code: rec.ErrCode, Info: rec.ErrInfo}
	}

	aead := &AeadMessage{}
	if err := aead.FromTLV(msg); err != nil {
		return nil, defn.NewError(defn.ErrorCodeBadParameterFormat, "%s", err.Error())
	}

	plain, err := AeadDecrypt(rec.EncryptionKey, aead, requestId)
	if err != nil {
		return nil, defn.NewError(defn.ErrorCodeBadSignature,
			"failed to authenticate challenge parameters")
	}

	req, err := tlv.ParseChallengeReq(enc.NewBufferView(plain), false)
	if err != nil {
		return nil, defn.NewError(defn.ErrorCodeBadParameterFormat,
			"malformed challenge parameters")
	}

	switch rec.Status {
	case defn.StatusBeforeChallenge:
		return ctl.selectChallenge(rec, req)
	case defn.StatusChallenge:
		return ctl.continueChallenge(rec, req)
	default:
		return nil, defn.NewError(defn.ErrorCodeInvalidParameter,
			"request is %s and accepts no challenge", rec.Status)
	}
}

// selectChallenge starts the challenge phase for a fresh request.
func (ctl *Controller) selectChallenge(rec *defn.RequestRecord, req *tlv.ChallengeReq) (*tlv.CipherMsg, error) {
	mod, err := ctl.challenges.Lookup(req.Challenge)
	if err != nil {
		return nil, defn.NewError(defn.ErrorCodeInvalidParameter, "%s", err.Error())
	}

	rec.ChallengeType = req.Challenge
	rec.RemainingTries = ctl.cfg.ChallengeTries
	rec.Expiry = time.Now().Add(ctl.cfg.ChallengeTimeout())

	params, err := mod.Init(rec, req.Params)
	if err != nil {
		return nil, defn.NewError(defn.ErrorCodeInvalidParameter, "%s", err.Error())
	}

	rec.Status = defn.StatusChallenge
	if err := ctl.update(rec); err != nil {
		return nil, err
	}

	log.Debug(ctl, "Challenge selected", "request", rec.RequestId, "challenge", req.Challenge)
	return ctl.respond(rec, ctl.challengeRes(rec, params))
}

// continueChallenge runs one verification round.
func (ctl *Controller) continueChallenge(rec *defn.RequestRecord, req *tlv.ChallengeReq) (*tlv.CipherMsg, error) {
	if req.Challenge != rec.ChallengeType {
		return nil, defn.NewError(defn.ErrorCodeInvalidParameter,
			"challenge type %s does not match the selected %s", req.Challenge, rec.ChallengeType)
	}

	// Time expiry takes precedence over tries even when both trigger.
	if time.Now().After(rec.Expiry) {
		return nil, ctl.fail(rec, defn.ErrorCodeOutOfTime,
			"challenge deadline has passed")
	}

	mod, err := ctl.challenges.Lookup(rec.ChallengeType)
	if err != nil {
		return nil, defn.NewError(defn.ErrorCodeInvalidParameter, "%s", err.Error())
	}

	outcome, err := mod.Verify(rec, req.Params)
	if err != nil {
		return nil, defn.NewError(defn.ErrorCodeInvalidParameter, "%s", err.Error())
	}

	switch outcome.Result {
	case challenge.ResultSuccess:
		if err := ctl.issue(rec); err != nil {
			return nil, err
		}
		if err := ctl.update(rec); err != nil {
			return nil, err
		}
		return ctl.respond(rec, ctl.successRes(rec))

	case challenge.ResultWrongAnswer:
		rec.RemainingTries--
		if rec.RemainingTries <= 0 {
			return nil, ctl.fail(rec, defn.ErrorCodeOutOfTries,
				"exceeded the allowed number of attempts")
		}
		if err := ctl.update(rec); err != nil {
			return nil, err
		}
		return ctl.respond(rec, ctl.challengeRes(rec, outcome.Params))

	default:
		if err := ctl.update(rec); err != nil {
			return nil, err
		}
		return ctl.respond(rec, ctl.challengeRes(rec, outcome.Params))
	}
}

// checkCertRequest validates the certificate request wire against the
// CA's naming and validity policy.
func (ctl *Controller) checkCertRequest(wire []byte) (ndn.Data, error) {
	csr, _, err := spec.Spec{}.ReadData(enc.NewBufferView(wire))
	if err != nil {
		return nil, defn.NewError(defn.ErrorCodeBadParameterFormat,
			"malformed certificate request")
	}

	identity, err := sec.GetIdentityFromCertName(csr.Name())
	if err != nil {
		return nil, defn.NewError(defn.ErrorCodeInvalidParameter,
			"certificate request has no valid subject name")
	}

	prefix := ctl.cfg.PrefixN()
	if !prefix.IsPrefix(identity) {
		return nil, defn.NewError(defn.ErrorCodeInvalidParameter,
			"subject %s is not under the CA prefix %s", identity, prefix)
	}
	if uint64(len(identity)-len(prefix)) > ctl.cfg.MaxSuffixLength {
		return nil, defn.NewError(defn.ErrorCodeNameNotAllowed,
			"subject suffix exceeds the maximum length %d", ctl.cfg.MaxSuffixLength)
	}

	if csr.Signature() == nil {
		return nil, defn.NewError(defn.ErrorCodeBadParameterFormat,
			"certificate request is not signed")
	}
	notBeforeO, notAfterO := csr.Signature().Validity()
	notBefore, okB := notBeforeO.Get()
	notAfter, okA := notAfterO.Get()
	if !okB || !okA {
		return nil, defn.NewError(defn.ErrorCodeBadValidityPeriod,
			"certificate request has no validity period")
	}
	if notAfter.Before(notBefore) || notAfter.Before(time.Now()) {
		return nil, defn.NewError(defn.ErrorCodeBadValidityPeriod,
			"requested validity period is in the past")
	}
	if notAfter.Sub(notBefore) > ctl.cfg.MaxValidityPeriod() {
		return nil, defn.NewError(defn.ErrorCodeBadValidityPeriod,
			"requested validity exceeds the maximum of %s", ctl.cfg.MaxValidityPeriod())
	}

	return csr, nil
}

// handshake allocates a request id, derives the symmetric key and
// persists the new request record.
func (ctl *Controller) handshake(req *tlv.NewReq, typ defn.RequestType, csr ndn.Data) (*tlv.NewRes, error) {
	res, rec, err := ctl.newRecord(req, typ)
	if err != nil {
		return nil, err
	}

	log.Info(ctl, "Created request", "request", rec.RequestId,
		"type", typ, "subject", csr.Name())
	return res, nil
}

// newRecord performs the ECDH handshake and stores a BEFORE_CHALLENGE
// record. Request id collisions are retried internally and never
// surfaced to the client.
func (ctl *Controller) newRecord(req *tlv.NewReq, typ defn.RequestType) (*tlv.NewRes, *defn.RequestRecord, error) {
	for attempt := 0; ; attempt++ {
		requestId, err := MakeRequestId()
		if err != nil {
			return nil, nil, err
		}
		salt, err := MakeSalt()
		if err != nil {
			return nil, nil, err
		}
		ecdhKey, err := EcdhKeygen()
		if err != nil {
			return nil, nil, err
		}

		symKey, err := DeriveKey(ecdhKey, req.EcdhPub, salt, requestId)
		if err != nil {
			return nil, nil, defn.NewError(defn.ErrorCodeBadParameterFormat,
				"invalid ECDH public value")
		}

		now := time.Now()
		rec := &defn.RequestRecord{
			RequestId:     hex.EncodeToString(requestId),
			CaPrefix:      ctl.cfg.Prefix,
			Type:          typ,
			Status:        defn.StatusBeforeChallenge,
			CertRequest:   req.CertReq.Join(),
			EncryptionKey: symKey,
			Created:       now,
			Updated:       now,
		}

		err = ctl.store.AddRequest(rec)
		if errors.Is(err, storage.ErrDuplicate) {
			if attempt+1 >= newIdAttempts {
				return nil, nil, fmt.Errorf("request id collision persisted after %d attempts", newIdAttempts)
			}
			continue
		} else if err != nil {
			return nil, nil, err
		}

		res := &tlv.NewRes{
			EcdhPub:   ecdhKey.PublicKey().Bytes(),
			Salt:      salt,
			ReqId:     requestId,
			Challenge: ctl.cfg.Challenges,
		}
		return res, rec, nil
	}
}

// issue signs the certificate for a successful request and records it.
func (ctl *Controller) issue(rec *defn.RequestRecord) error {
	csr, _, err := spec.Spec{}.ReadData(enc.NewBufferView(rec.CertRequest))
	if err != nil {
		return fmt.Errorf("corrupt certificate request for %s: %w", rec.RequestId, err)
	}

	notBeforeO, notAfterO := csr.Signature().Validity()
	notBefore := notBeforeO.Unwrap()
	notAfter := notAfterO.Unwrap()

	certWire, err := sec.SignCert(sec.SignCertArgs{
		Signer:    ctl.signer,
		Data:      csr,
		IssuerId:  issuerId,
		NotBefore: notBefore,
		NotAfter:  notAfter,
	})
	if err != nil {
		return fmt.Errorf("failed to sign certificate for %s: %w", rec.RequestId, err)
	}

	cert, _, err := spec.Spec{}.ReadData(enc.NewWireView(certWire))
	if err != nil {
		return err
	}
	identity, _ := sec.GetIdentityFromCertName(cert.Name())

	certRec := &defn.CertRecord{
		CertId:   cert.Name().String(),
		Identity: identity.String(),
		Cert:     certWire.Join(),
		Created:  time.Now(),
	}

	err = ctl.store.AddCert(certRec)
	if errors.Is(err, storage.ErrDuplicate) {
		// Re-issuance under the same id
		err = ctl.store.UpdateCert(certRec)
	}
	if err != nil {
		return err
	}

	rec.Status = defn.StatusSuccess
	rec.CertId = certRec.CertId
	if ctl.Issued != nil {
		ctl.Issued(certRec.CertId, certRec.Cert)
	}

	log.Info(ctl, "Issued certificate", "request", rec.RequestId, "cert", rec.CertId)
	return nil
}

// fail marks the request FAILURE with the error that caused it. The
// cause is retained and replayed verbatim on later contact.
func (ctl *Controller) fail(rec *defn.RequestRecord, code defn.ErrorCode, info string) error {
	rec.Status = defn.StatusFailure
	rec.ErrCode = code
	rec.ErrInfo = info
	if err := ctl.update(rec); err != nil {
		return err
	}

	log.Info(ctl, "Request failed", "request", rec.RequestId, "cause", code)
	return &defn.Error{Code: code, Info: info}
}

func (ctl *Controller) update(rec *defn.RequestRecord) error {
	rec.Updated = time.Now()
	return ctl.store.UpdateRequest(rec)
}

// challengeRes builds the in-round response for the client.
func (ctl *Controller) challengeRes(rec *defn.RequestRecord, params defn.ParamMap) *tlv.ChallengeRes {
	remainTime := uint64(0)
	if until := time.Until(rec.Expiry); until > 0 {
		remainTime = uint64(until.Seconds())
	}

	return &tlv.ChallengeRes{
		Status:      uint64(rec.Status),
		ChalStatus:  optional.Some(rec.ChalStatus),
		RemainTries: optional.Some(uint64(rec.RemainingTries)),
		RemainTime:  optional.Some(remainTime),
		Params:      params,
	}
}

// successRes builds the terminal success response naming the cert.
func (ctl *Controller) successRes(rec *defn.RequestRecord) *tlv.ChallengeRes {
	res := &tlv.ChallengeRes{
		Status:     uint64(defn.StatusSuccess),
		ChalStatus: optional.Some(challenge.StatusSuccess),
	}
	if certName, err := enc.NameFromStr(rec.CertId); err == nil {
		res.CertName = &spec.NameContainer{Name: certName}
	}
	return res
}

// respond encrypts a challenge response under the request key and
// persists the advanced AEAD counter.
func (ctl *Controller) respond(rec *defn.RequestRecord, res *tlv.ChallengeRes) (*tlv.CipherMsg, error) {
	requestId, err := hex.DecodeString(rec.RequestId)
	if err != nil {
		return nil, fmt.Errorf("corrupt request id %s: %w", rec.RequestId, err)
	}

	aead, err := AeadEncrypt(rec.EncryptionKey, res.Encode().Join(), requestId, &rec.AeadCounter)
	if err != nil {
		return nil, err
	}

	if err := ctl.update(rec); err != nil {
		return nil, err
	}

	return aead.TLV(), nil
}

// hasCertForIdentity reports whether the CA has an issued certificate
// on record for the subject.
func (ctl *Controller) hasCertForIdentity(identity enc.Name) bool {
	if identity == nil {
		return false
	}

	certs, err := ctl.store.ListCerts()
	if err != nil {
		return false
	}

	id := identity.String()
	for _, cert := range certs {
		if cert.Identity == id {
			return true
		}
	}
	return false
}

// LookupCert resolves an issued certificate by id, for the possession
// challenge and for serving certificate fetches.
func (ctl *Controller) LookupCert(certId string) ([]byte, bool) {
	rec, err := ctl.store.GetCert(certId)
	if err != nil {
		return nil, false
	}
	return rec.Cert, true
}
