package challenge

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"

	"github.com/named-data/ndnd/std/log"

	"github.com/named-data/ndncert/ca/defn"
)

// Parameter keywords shared with the client.
const KwCode = "code"
const KwEmail = "email"
const KwNonce = "nonce"
const KwProof = "proof"
const KwCert = "issued-cert"

const pinDigits = 6

// statePin is the challenge-state key holding the expected secret.
const statePin = "pin"

// Pin is a secret-code challenge: the CA generates a PIN and delivers
// it out of band (e.g. the CA operator reads it from the log); the
// client proves receipt by echoing it back.
type Pin struct {
	// Deliver is called with the fresh PIN for out-of-band delivery.
	// When nil the PIN is written to the CA log.
	Deliver func(requestId string, pin string)
}

func (*Pin) Name() string {
	return "pin"
}

func (c *Pin) String() string {
	return c.Name()
}

func (c *Pin) Init(rec *defn.RequestRecord, params defn.ParamMap) (defn.ParamMap, error) {
	pin, err := makeCode(pinDigits)
	if err != nil {
		return nil, err
	}

	rec.ChallengeState = defn.ChallengeState{statePin: pin}
	rec.ChalStatus = StatusNeedCode

	if c.Deliver != nil {
		c.Deliver(rec.RequestId, pin)
	} else {
		log.Info(c, "Generated PIN for request", "request", rec.RequestId, "pin", pin)
	}

	return defn.ParamMap{}, nil
}

func (c *Pin) Verify(rec *defn.RequestRecord, params defn.ParamMap) (Outcome, error) {
	code, ok := params[KwCode]
	if !ok {
		return Outcome{}, fmt.Errorf("missing parameter: %s", KwCode)
	}

	if subtle.ConstantTimeCompare(code, []byte(rec.ChallengeState[statePin])) != 1 {
		rec.ChalStatus = StatusWrongCode
		return Outcome{Result: ResultWrongAnswer, Status: StatusWrongCode}, nil
	}

	rec.ChalStatus = StatusSuccess
	return Outcome{Result: ResultSuccess, Status: StatusSuccess}, nil
}

// makeCode generates a random numeric code of n digits.
func makeCode(n int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < n; i++ {
		max.Mul(max, big.NewInt(10))
	}

	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", n, v), nil
}
