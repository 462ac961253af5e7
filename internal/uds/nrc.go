package uds

import "fmt"

// Service identifiers.
const (
	SIDReadDataByIdentifier  byte = 0x22
	SIDSecurityAccess        byte = 0x27
	SIDWriteDataByIdentifier byte = 0x2E
	SIDTesterPresent         byte = 0x3E

	SIDNegativeResponse byte = 0x7F
	PositiveOffset      byte = 0x40
)

// Negative response codes.
const (
	NRCGeneralReject                    byte = 0x10
	NRCServiceNotSupported              byte = 0x11
	NRCSubFunctionNotSupported          byte = 0x12
	NRCIncorrectMessageLength           byte = 0x13
	NRCResponseTooLong                  byte = 0x14
	NRCBusyRepeatRequest                byte = 0x21
	NRCConditionsNotCorrect             byte = 0x22
	NRCRequestSequenceError             byte = 0x24
	NRCRequestOutOfRange                byte = 0x31
	NRCSecurityAccessDenied             byte = 0x33
	NRCInvalidKey                       byte = 0x35
	NRCExceedNumberOfAttempts           byte = 0x36
	NRCRequiredTimeDelayNotExpired      byte = 0x37
	NRCResponsePending                  byte = 0x78
	NRCServiceNotSupportedInSession     byte = 0x7F
	NRCSubFunctionNotSupportedInSession byte = 0x7E
)

var nrcDescriptions = map[byte]string{
	NRCGeneralReject:                    "general reject",
	NRCServiceNotSupported:              "service not supported",
	NRCSubFunctionNotSupported:          "sub-function not supported",
	NRCIncorrectMessageLength:           "incorrect message length or invalid format",
	NRCResponseTooLong:                  "response too long",
	NRCBusyRepeatRequest:                "busy, repeat request",
	NRCConditionsNotCorrect:             "conditions not correct",
	NRCRequestSequenceError:             "request sequence error",
	NRCRequestOutOfRange:                "request out of range",
	NRCSecurityAccessDenied:             "security access denied",
	NRCInvalidKey:                       "invalid key",
	NRCExceedNumberOfAttempts:           "exceeded number of attempts",
	NRCRequiredTimeDelayNotExpired:      "required time delay not expired",
	NRCResponsePending:                  "response pending",
	NRCSubFunctionNotSupportedInSession: "sub-function not supported in active session",
	NRCServiceNotSupportedInSession:     "service not supported in active session",
}

// DescribeNRC returns a human-readable name for a negative response code.
func DescribeNRC(nrc byte) string {
	if d, ok := nrcDescriptions[nrc]; ok {
		return d
	}
	return fmt.Sprintf("unknown NRC 0x%02X", nrc)
}

// NegativeResponseError is a 0x7F response surfaced to a client caller.
type NegativeResponseError struct {
	ServiceID byte
	NRC       byte
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("uds: service 0x%02X rejected: %s (0x%02X)", e.ServiceID, DescribeNRC(e.NRC), e.NRC)
}
