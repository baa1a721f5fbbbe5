package installation

import "errors"

var (
	ErrInvalidPayload = errors.New("installation: invalid payload")
	// ErrAlreadyInstalled rejects a handshake for a member that already has an active account.
	ErrAlreadyInstalled   = errors.New("installation: tenant already installed")
	ErrCredentialMismatch = errors.New("installation: credential mismatch")
	ErrInvalidTransition  = errors.New("installation: invalid transition")
)

// Outcome classifies the non-error results of lifecycle operations.
type Outcome string

const (
	OutcomeCompleted           Outcome = "completed"
	OutcomeAlreadyCompleted    Outcome = "already_completed"
	OutcomeUnknownInstallation Outcome = "unknown_installation"
	OutcomeUninstalled         Outcome = "uninstalled"
	OutcomeBlocked             Outcome = "blocked"
	OutcomeAlreadyApplied      Outcome = "already_applied"
)
