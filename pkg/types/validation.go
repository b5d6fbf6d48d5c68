package types

import (
	"encoding/hex"
	"regexp"

	"github.com/google/uuid"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for the per-message validation path.
var (
	identifierRegex = regexp.MustCompile(`^[^\s\p{Cc}]+$`)
	requestIDRegex  = regexp.MustCompile(`^[0-9a-f]{32}$`)
)

const maxIdentifierLength = 128

// IsValidName checks a party name or office id.
func IsValidName(name string) bool {
	if len(name) < 1 || len(name) > maxIdentifierLength {
		return false
	}
	return identifierRegex.MatchString(name)
}

// IsValidRequestID checks the 32-character lowercase hex request id format.
func IsValidRequestID(id string) bool {
	return requestIDRegex.MatchString(id)
}

// NewRequestID returns a fresh request id: a random UUID rendered as 32
// lowercase hex characters with no separators.
func NewRequestID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Validate checks a join request.
func (r *EnterOfficeReq) Validate() error {
	if !r.Role.Valid() {
		return ErrInvalidRole
	}
	if !IsValidName(r.Name) {
		return ErrInvalidName
	}
	if !IsValidName(r.OfficeID) {
		return ErrInvalidOfficeID
	}
	return nil
}

func (r *LeaveOfficeReq) Validate() error {
	if !IsValidName(r.OfficeID) {
		return ErrInvalidOfficeID
	}
	return nil
}

// Validate checks the Agent header shared by list, cancel and bridged calls.
func (d *AgentCallData) Validate() error {
	if d.Agent == "" {
		return ErrMissingAgent
	}
	if !IsValidRequestID(d.ReqID) {
		return ErrInvalidRequestID
	}
	if d.OfficeID != "" && !IsValidName(d.OfficeID) {
		return ErrInvalidOfficeID
	}
	return nil
}

func (d *ComputerCallData) Validate() error {
	if err := d.AgentCallData.Validate(); err != nil {
		return err
	}
	if d.Computer == "" {
		return ErrMissingComputer
	}
	return nil
}

func (r *ToolCallReq) Validate() error {
	if err := r.ComputerCallData.Validate(); err != nil {
		return err
	}
	if r.ToolName == "" {
		return ErrMissingToolName
	}
	if r.Timeout < 0 {
		return ErrInvalidTimeout
	}
	return nil
}

func (r *UpdateComputerReq) Validate() error {
	if r.Computer == "" {
		return ErrMissingComputer
	}
	return nil
}
