package core

import (
	"errors"
	"fmt"
)

var (
	ErrNoProvider = errors.New("no provisioning backend configured")
	// ErrShortfall means the backend returned fewer machines than requested.
	ErrShortfall = errors.New("provisioned fewer machines than requested")
)

// ProvisioningError reports a zone whose machine shortfall could not be
// covered during placement.
type ProvisioningError struct {
	Zone      Zone
	Requested int
	Err       error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning %d machines in zone %s: %v", e.Requested, e.Zone, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }
