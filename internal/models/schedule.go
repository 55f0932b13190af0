package models

import (
	"encoding/json"
	"io"
)

// ScheduleRequest assigns roles to the machine whose boot interface matches
// the selector MAC.
type ScheduleRequest struct {
	Selector Selector `json:"selector"`
	Roles    []Role   `json:"roles" validate:"required,min=1,dive,role"`
}

// Selector targets a machine by MAC.
type Selector struct {
	MAC string `json:"mac" validate:"required,mac"`
}

// ParseScheduleRequest decodes and validates a schedule request.
func ParseScheduleRequest(rd io.Reader) (*ScheduleRequest, error) {
	var req ScheduleRequest
	if err := json.NewDecoder(rd).Decode(&req); err != nil {
		return nil, Invalid("decode schedule request: %v", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate checks req and canonicalises the selector MAC.
func (req *ScheduleRequest) Validate() error {
	if err := newValidationError(structProblems(nil, req)); err != nil {
		return err
	}
	req.Selector.MAC, _ = NormalizeMAC(req.Selector.MAC)
	return nil
}

// ParseRole returns s as a Role when it names one of ValidRoles.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !ValidRoles[r] {
		return "", Invalid("unknown role %q", s)
	}
	return r, nil
}
