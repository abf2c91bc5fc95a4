// Package challenge defines the identity-proof modules a CA can offer.
// Each module implements one proof method; the controller selects the
// module by its type string and remains agnostic of its semantics.
package challenge

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/named-data/ndncert/ca/defn"
)

// Challenge status strings shared with the client.
const (
	StatusNeedCode     = "need-code"
	StatusWrongCode    = "wrong-code"
	StatusInvalidEmail = "invalid-email"
	StatusNeedProof    = "need-proof"
	StatusWrongProof   = "wrong-proof"
	StatusSuccess      = "success"
)

// Result is the verdict of one verification round.
type Result int

const (
	// ResultContinue keeps the request in the challenge round with a
	// fresh parameter set for the client.
	ResultContinue Result = iota
	// ResultSuccess completes the challenge; the CA issues the cert.
	ResultSuccess
	// ResultWrongAnswer consumes one try and keeps the request in the
	// challenge round.
	ResultWrongAnswer
)

// Outcome is what a module hands back to the controller after a round.
type Outcome struct {
	// Result of the round.
	Result Result
	// Status string to report to the client (e.g. "wrong-code").
	Status string
	// Params to send back to the client, possibly empty.
	Params defn.ParamMap
}

// Challenge is one pluggable identity-proof method.
//
// Both calls may mutate rec.ChallengeState; the controller persists it
// as an opaque blob and passes it back on the next round. Returned
// errors are translated to protocol errors by the controller and do
// not consume a try.
type Challenge interface {
	// Name returns the challenge type string (e.g. "email").
	Name() string

	// Init starts the challenge with the client-selected parameters
	// and produces the first parameter set to send back.
	Init(rec *defn.RequestRecord, params defn.ParamMap) (defn.ParamMap, error)

	// Verify checks one client response against the persisted state.
	Verify(rec *defn.RequestRecord, params defn.ParamMap) (Outcome, error)
}

// Registry maps challenge type strings to module instances.
// It is populated at startup and read-only afterwards.
type Registry struct {
	mods map[string]Challenge
}

func NewRegistry() *Registry {
	return &Registry{mods: make(map[string]Challenge)}
}

// Register adds a module, replacing any module of the same name.
func (r *Registry) Register(c Challenge) {
	r.mods[c.Name()] = c
}

// Lookup returns the module for the type string.
func (r *Registry) Lookup(name string) (Challenge, error) {
	c, ok := r.mods[name]
	if !ok {
		return nil, fmt.Errorf("unsupported challenge type: %s", name)
	}
	return c, nil
}

// Names returns the registered challenge type strings.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.mods))
	for name := range r.mods {
		names = append(names, name)
	}
	return names
}

func randBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
