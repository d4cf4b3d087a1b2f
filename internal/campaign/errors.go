package campaign

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is matched by every *StateError.
	ErrInvalidState = errors.New("invalid campaign state")

	// ErrTargetResolutionEmpty is returned by Start when the campaign
	// resolves to no contacts. The campaign is completed with a total of 0.
	ErrTargetResolutionEmpty = errors.New("campaign resolved no target contacts")
)

// StateError reports an operation the campaign's status does not allow.
type StateError struct {
	Campaign string
	Status   string
	Op       string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s campaign %s: status is %s", e.Op, e.Campaign, e.Status)
}

func (e *StateError) Is(target error) bool { return target == ErrInvalidState }
