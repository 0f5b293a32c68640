package protocol

// ErrorCode classifies error envelopes.
type ErrorCode string

const (
	ErrCodeInvalidMessage      ErrorCode = "INVALID_MESSAGE"
	ErrCodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrCodeSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeParticipantNotFound ErrorCode = "PARTICIPANT_NOT_FOUND"
	ErrCodeGateFailed          ErrorCode = "GATE_FAILED"
	ErrCodeTimeout             ErrorCode = "TIMEOUT"
	ErrCodeRateLimited         ErrorCode = "RATE_LIMITED"
	ErrCodeContextTooLarge     ErrorCode = "CONTEXT_TOO_LARGE"
	ErrCodeInvalidState        ErrorCode = "INVALID_STATE"
	ErrCodeTransport           ErrorCode = "TRANSPORT_ERROR"
	ErrCodeAgent               ErrorCode = "AGENT_ERROR"
	ErrCodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// NewError builds an error envelope from the broker to a participant.
// relatedTo names the offending message when known.
func NewError(session string, code ErrorCode, message string, recoverable bool, relatedTo string) *Envelope {
	return New(TypeError, session, SenderSystem, &ErrorPayload{
		Code:        code,
		Message:     message,
		Recoverable: recoverable,
		RelatedTo:   relatedTo,
	})
}
