package challenge

import (
	"fmt"
	"net/mail"

	"github.com/named-data/ndnd/std/log"

	"github.com/named-data/ndncert/ca/defn"
)

const emailDigits = 6

const stateEmailCode = "code"
const stateEmailAddr = "email"

// Email is the email-confirmation challenge: the client names an email
// address, the CA sends a secret code to it, and the client echoes the
// code back. A wrong answer invalidates the code and a fresh one is
// sent for the next try.
type Email struct {
	// Send delivers the code to the address. When nil the code is
	// written to the CA log, which is only useful for testing.
	Send func(addr string, code string) error
}

func (*Email) Name() string {
	return "email"
}

func (c *Email) String() string {
	return c.Name()
}

func (c *Email) Init(rec *defn.RequestRecord, params defn.ParamMap) (defn.ParamMap, error) {
	addr := string(params[KwEmail])
	if _, err := mail.ParseAddress(addr); err != nil {
		rec.ChalStatus = StatusInvalidEmail
		return nil, fmt.Errorf("invalid email address: %s", addr)
	}

	code, err := c.sendCode(addr)
	if err != nil {
		return nil, err
	}

	rec.ChallengeState = defn.ChallengeState{
		stateEmailAddr: addr,
		stateEmailCode: code,
	}
	rec.ChalStatus = StatusNeedCode

	return defn.ParamMap{}, nil
}

func (c *Email) Verify(rec *defn.RequestRecord, params defn.ParamMap) (Outcome, error) {
	code, ok := params[KwCode]
	if !ok {
		return Outcome{}, fmt.Errorf("missing parameter: %s", KwCode)
	}

	if string(code) != rec.ChallengeState[stateEmailCode] {
		// Invalidate the old code and send a fresh one
		fresh, err := c.sendCode(rec.ChallengeState[stateEmailAddr])
		if err != nil {
			return Outcome{}, err
		}
		rec.ChallengeState[stateEmailCode] = fresh
		rec.ChalStatus = StatusWrongCode

		return Outcome{Result: ResultWrongAnswer, Status: StatusWrongCode}, nil
	}

	rec.ChalStatus = StatusSuccess
	return Outcome{Result: ResultSuccess, Status: StatusSuccess}, nil
}

func (c *Email) sendCode(addr string) (string, error) {
	code, err := makeCode(emailDigits)
	if err != nil {
		return "", err
	}

	if c.Send != nil {
		if err := c.Send(addr, code); err != nil {
			return "", fmt.Errorf("failed to send code to %s: %w", addr, err)
		}
	} else {
		log.Info(c, "Generated email code", "email", addr, "code", code)
	}

	return code, nil
}
