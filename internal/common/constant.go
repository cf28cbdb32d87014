package common

// Deletion reasons recorded on FileRecords.
const (
	ReasonExpired       = "expired"
	ReasonUserRequested = "user_requested"
	ReasonOperator      = "operator"
)
