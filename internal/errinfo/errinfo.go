package errinfo

// ErrorInfo is the structured error payload surfaced to clients and logs.
type ErrorInfo struct {
	ErrorCode string   `json:"error_code"`
	Phase     string   `json:"phase,omitempty"`
	Retryable bool     `json:"retryable"`
	Actions   []string `json:"actions,omitempty"`
	TurnID    string   `json:"turn_id,omitempty"`
	Detail    string   `json:"detail,omitempty"`
}

const (
	CodeProtocolViolation     = "PROTOCOL_VIOLATION"
	CodeTransportTimeout      = "TRANSPORT_TIMEOUT"
	CodeTransportDisconnected = "TRANSPORT_DISCONNECTED"
	CodeTurnSuperseded        = "TURN_SUPERSEDED"
	CodeValidationFailed      = "VALIDATION_FAILED"
	CodeStoreUnavailable      = "STORE_UNAVAILABLE"
	CodeProviderAuthFailed    = "PROVIDER_AUTH_FAILED"
	CodeProviderUnavailable   = "PROVIDER_UNAVAILABLE"
	CodeEgressBlocked         = "EGRESS_BLOCKED_BY_POLICY"
	CodeDraftNotFound         = "DRAFT_NOT_FOUND"
)

const (
	ActionRetryTurn    = "retry_turn"
	ActionOpenSettings = "open_settings"
)

const (
	PhaseTurn     = "turn"
	PhaseStream   = "stream"
	PhaseDispatch = "dispatch"
	PhaseStore    = "store"
	PhaseDraft    = "draft"
)

func ProtocolViolation(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeProtocolViolation,
		Phase:     phase,
		Retryable: true,
		Actions:   []string{ActionRetryTurn},
		Detail:    detail,
	}
}

func TransportTimeout(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeTransportTimeout,
		Phase:     phase,
		Retryable: true,
		Actions:   []string{ActionRetryTurn},
		Detail:    detail,
	}
}

func TransportDisconnected(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeTransportDisconnected,
		Phase:     phase,
		Retryable: true,
		Actions:   []string{ActionRetryTurn},
		Detail:    detail,
	}
}

func TurnSuperseded(phase string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeTurnSuperseded,
		Phase:     phase,
		Retryable: false,
	}
}

func ValidationFailed(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeValidationFailed,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

func StoreUnavailable(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeStoreUnavailable,
		Phase:     phase,
		Retryable: true,
		Actions:   []string{ActionRetryTurn},
		Detail:    detail,
	}
}

func ProviderAuthFailed(phase string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeProviderAuthFailed,
		Phase:     phase,
		Retryable: false,
		Actions:   []string{ActionOpenSettings},
	}
}

func ProviderUnavailable(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeProviderUnavailable,
		Phase:     phase,
		Retryable: true,
		Actions:   []string{ActionRetryTurn},
		Detail:    detail,
	}
}

func EgressBlocked(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeEgressBlocked,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

func DraftNotFound(detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeDraftNotFound,
		Phase:     PhaseDraft,
		Retryable: false,
		Detail:    detail,
	}
}
