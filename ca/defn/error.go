package defn

import "fmt"

// ErrorCode is a protocol-level error surfaced to the client.
type ErrorCode uint64

const (
	ErrorCodeNone               ErrorCode = 0
	ErrorCodeBadInterestFormat  ErrorCode = 1
	ErrorCodeBadParameterFormat ErrorCode = 2
	ErrorCodeBadSignature       ErrorCode = 3
	ErrorCodeInvalidParameter   ErrorCode = 4
	ErrorCodeNameNotAllowed     ErrorCode = 5
	ErrorCodeBadValidityPeriod  ErrorCode = 6
	ErrorCodeOutOfTries         ErrorCode = 7
	ErrorCodeOutOfTime          ErrorCode = 8
	ErrorCodeNoAvailableNames   ErrorCode = 9
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeNone:
		return "no-error"
	case ErrorCodeBadInterestFormat:
		return "bad-interest-format"
	case ErrorCodeBadParameterFormat:
		return "bad-parameter-format"
	case ErrorCodeBadSignature:
		return "bad-signature"
	case ErrorCodeInvalidParameter:
		return "invalid-parameter"
	case ErrorCodeNameNotAllowed:
		return "name-not-allowed"
	case ErrorCodeBadValidityPeriod:
		return "bad-validity-period"
	case ErrorCodeOutOfTries:
		return "out-of-tries"
	case ErrorCodeOutOfTime:
		return "out-of-time"
	case ErrorCodeNoAvailableNames:
		return "no-available-names"
	default:
		return "unknown"
	}
}

// Error is a protocol error returned to the client as an ErrorRes.
// Storage and crypto failures are translated into one of these at the
// controller boundary and never leak internal detail to the client.
type Error struct {
	Code ErrorCode
	Info string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, uint64(e.Code), e.Info)
}

// NewError creates a protocol error with a formatted info message.
func NewError(code ErrorCode, format string, v ...any) *Error {
	return &Error{Code: code, Info: fmt.Sprintf(format, v...)}
}
