// Package ca implements an NDNCERT certification authority: it issues,
// renews and revokes certificates for names under its prefix, gating
// issuance behind pluggable identity-proof challenges.
package ca

import (
	"errors"
	"fmt"
	"time"

	enc "github.com/named-data/ndnd/std/encoding"
	"github.com/named-data/ndnd/std/log"
	"github.com/named-data/ndnd/std/ndn"
	spec "github.com/named-data/ndnd/std/ndn/spec_2022"
	"github.com/named-data/ndnd/std/object"
	objstore "github.com/named-data/ndnd/std/object/storage"
	"github.com/named-data/ndnd/std/security/ndncert/tlv"
	"github.com/named-data/ndnd/std/types/optional"

	"github.com/named-data/ndncert/ca/challenge"
	"github.com/named-data/ndncert/ca/defn"
	"github.com/named-data/ndncert/ca/storage"
)

// Ca is the NDN front-end of the certification authority. It owns the
// protocol namespace under <prefix>/CA and maps inbound messages onto
// the controller; all reply Data are signed with the CA key.
type Ca struct {
	engine ndn.Engine
	client ndn.Client
	cfg    *Config
	ctl    *Controller
	store  storage.Store
	signer ndn.Signer
	caCert []byte

	sweep *Sweeper
}

// defaultFreshness is the freshness period of protocol reply Data.
const defaultFreshness = 4 * time.Second

func NewCa(cfg *Config, engine ndn.Engine, store storage.Store,
	challenges *challenge.Registry, signer ndn.Signer, caCert []byte) *Ca {
	ca := &Ca{
		engine: engine,
		client: object.NewClient(engine, objstore.NewMemoryStore(), nil),
		cfg:    cfg,
		ctl:    NewController(cfg, store, challenges, signer),
		store:  store,
		signer: signer,
		caCert: caCert,
	}

	ca.ctl.Issued = ca.publishCert
	ca.ctl.Revoked = ca.withdrawCert
	ca.sweep = NewSweeper(cfg, store)
	return ca
}

func (ca *Ca) String() string {
	return "ca"
}

// Start attaches the protocol handlers and announces the CA prefix.
func (ca *Ca) Start() error {
	prefix := ca.cfg.PrefixN()
	caName := prefix.Append(enc.NewGenericComponent("CA"))

	if err := ca.client.Start(); err != nil {
		return fmt.Errorf("unable to start object client: %w", err)
	}

	for op, handler := range map[string]ndn.InterestHandler{
		"PROBE":     ca.onProbe,
		"NEW":       ca.onNew,
		"RENEW":     ca.onRenew,
		"REVOKE":    ca.onRevoke,
		"CHALLENGE": ca.onChallenge,
	} {
		name := caName.Append(enc.NewGenericComponent(op))
		if err := ca.engine.AttachHandler(name, handler); err != nil {
			return fmt.Errorf("unable to attach handler %s: %w", name, err)
		}
	}

	if err := ca.serveProfile(); err != nil {
		return err
	}
	ca.republishCerts()

	ca.client.AnnouncePrefix(ndn.Announcement{Name: prefix})
	ca.sweep.Start()

	log.Info(ca, "Certification authority started", "prefix", prefix)
	return nil
}

// Stop withdraws the CA namespace and halts background work.
func (ca *Ca) Stop() {
	ca.sweep.Stop()

	prefix := ca.cfg.PrefixN()
	caName := prefix.Append(enc.NewGenericComponent("CA"))
	for _, op := range []string{"PROBE", "NEW", "RENEW", "REVOKE", "CHALLENGE"} {
		ca.engine.DetachHandler(caName.Append(enc.NewGenericComponent(op)))
	}

	ca.client.WithdrawPrefix(prefix, nil)
	ca.client.Stop()

	log.Info(ca, "Certification authority stopped")
}

// serveProfile publishes the CA profile under <prefix>/CA/INFO.
func (ca *Ca) serveProfile() error {
	profile := &tlv.CaProfile{
		CaPrefix:       &spec.NameContainer{Name: ca.cfg.PrefixN()},
		CaInfo:         ca.cfg.Info,
		ParamKey:       ca.cfg.ProbeKeys,
		MaxValidPeriod: ca.cfg.MaxValidityPeriod_s,
		CaCert:         enc.Wire{ca.caCert},
	}

	name := ca.cfg.PrefixN().Append(
		enc.NewGenericComponent("CA"),
		enc.NewGenericComponent("INFO"),
	)
	_, err := ca.client.Produce(ndn.ProduceArgs{
		Name:    name,
		Content: profile.Encode(),
	})
	if err != nil {
		return fmt.Errorf("unable to publish CA profile: %w", err)
	}
	return nil
}

// republishCerts makes previously issued certificates fetchable again
// after a restart.
func (ca *Ca) republishCerts() {
	certs, err := ca.store.ListCerts()
	if err != nil {
		log.Warn(ca, "Unable to list issued certificates", "err", err)
		return
	}
	for _, cert := range certs {
		ca.publishCert(cert.CertId, cert.Cert)
	}
}

// publishCert makes an issued certificate available for fetching.
func (ca *Ca) publishCert(certId string, wire []byte) {
	name, err := enc.NameFromStr(certId)
	if err != nil {
		log.Error(ca, "Invalid issued certificate name", "cert", certId)
		return
	}
	if err := ca.client.Store().Put(name, wire); err != nil {
		log.Error(ca, "Unable to publish certificate", "cert", certId, "err", err)
	}
}

// withdrawCert stops serving a revoked certificate.
func (ca *Ca) withdrawCert(certId string) {
	name, err := enc.NameFromStr(certId)
	if err != nil {
		return
	}
	if err := ca.client.Store().Remove(name); err != nil {
		log.Warn(ca, "Unable to withdraw certificate", "cert", certId, "err", err)
	}
}

func (ca *Ca) onProbe(args ndn.InterestHandlerArgs) {
	go ca.handle(args, func() (enc.Wire, error) {
		req, err := tlv.ParseProbeReq(enc.NewWireView(args.Interest.AppParam()), false)
		if err != nil {
			return nil, defn.NewError(defn.ErrorCodeBadParameterFormat, "malformed probe parameters")
		}

		res, err := ca.ctl.OnProbe(req)
		if err != nil {
			return nil, err
		}
		return res.Encode(), nil
	})
}

func (ca *Ca) onNew(args ndn.InterestHandlerArgs) {
	go ca.handle(args, func() (enc.Wire, error) {
		req, err := tlv.ParseNewReq(enc.NewWireView(args.Interest.AppParam()), false)
		if err != nil {
			return nil, defn.NewError(defn.ErrorCodeBadParameterFormat, "malformed NEW parameters")
		}

		res, err := ca.ctl.OnNew(req, args.SigCovered, args.Interest.Signature())
		if err != nil {
			return nil, err
		}
		return res.Encode(), nil
	})
}

func (ca *Ca) onRenew(args ndn.InterestHandlerArgs) {
	go ca.handle(args, func() (enc.Wire, error) {
		req, err := tlv.ParseNewReq(enc.NewWireView(args.Interest.AppParam()), false)
		if err != nil {
			return nil, defn.NewError(defn.ErrorCodeBadParameterFormat, "malformed RENEW parameters")
		}

		res, err := ca.ctl.OnRenew(req, args.SigCovered, args.Interest.Signature())
		if err != nil {
			return nil, err
		}
		return res.Encode(), nil
	})
}

func (ca *Ca) onRevoke(args ndn.InterestHandlerArgs) {
	go ca.handle(args, func() (enc.Wire, error) {
		req, err := tlv.ParseNewReq(enc.NewWireView(args.Interest.AppParam()), false)
		if err != nil {
			return nil, defn.NewError(defn.ErrorCodeBadParameterFormat, "malformed REVOKE parameters")
		}

		res, err := ca.ctl.OnRevoke(req, args.SigCovered, args.Interest.Signature())
		if err != nil {
			return nil, err
		}
		return res.Encode(), nil
	})
}

func (ca *Ca) onChallenge(args ndn.InterestHandlerArgs) {
	go ca.handle(args, func() (enc.Wire, error) {
		name := args.Interest.Name()
		pos := len(ca.cfg.PrefixN()) + 2
		if len(name) <= pos {
			return nil, defn.NewError(defn.ErrorCodeBadInterestFormat, "missing request id")
		}
		requestId := name[pos].Val

		msg, err := tlv.ParseCipherMsg(enc.NewWireView(args.Interest.AppParam()), false)
		if err != nil {
			return nil, defn.NewError(defn.ErrorCodeBadParameterFormat, "malformed challenge message")
		}

		res, err := ca.ctl.OnChallenge(requestId, msg)
		if err != nil {
			return nil, err
		}
		return res.Encode(), nil
	})
}

// handle runs one operation and replies with its result, translating
// protocol errors into ErrorRes content. Internal failures are logged
// and the Interest is left to time out.
func (ca *Ca) handle(args ndn.InterestHandlerArgs, op func() (enc.Wire, error)) {
	content, err := op()
	if err != nil {
		var perr *defn.Error
		if !errors.As(err, &perr) {
			log.Error(ca, "Internal error handling request",
				"name", args.Interest.Name(), "err", err)
			return
		}

		log.Debug(ca, "Rejected request", "name", args.Interest.Name(), "code", perr.Code)
		content = (&tlv.ErrorRes{
			ErrCode: uint64(perr.Code),
			ErrInfo: perr.Info,
		}).Encode()
	}

	data, err := ca.engine.Spec().MakeData(
		args.Interest.Name(),
		&ndn.DataConfig{
			ContentType: optional.Some(ndn.ContentTypeBlob),
			Freshness:   optional.Some(defaultFreshness),
		},
		content,
		ca.signer)
	if err != nil {
		log.Error(ca, "Unable to encode reply", "err", err)
		return
	}

	if err := args.Reply(data.Wire); err != nil {
		log.Error(ca, "Unable to reply", "err", err)
	}
}
