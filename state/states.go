package state

import (
	"errors"
	"fmt"
)

type CircuitStatus string

const (
	CircuitClosed   CircuitStatus = "CLOSED"
	CircuitOpen     CircuitStatus = "OPEN"
	CircuitHalfOpen CircuitStatus = "HALF_OPEN"
)

var circuitTransitions = map[CircuitStatus][]CircuitStatus{
	CircuitClosed:   {CircuitClosed, CircuitOpen},
	CircuitOpen:     {CircuitOpen, CircuitHalfOpen},
	CircuitHalfOpen: {CircuitHalfOpen, CircuitClosed, CircuitOpen},
}

type CredentialStatus string

const (
	CredentialActive   CredentialStatus = "ACTIVE"
	CredentialRotating CredentialStatus = "ROTATING"
	CredentialRevoked  CredentialStatus = "REVOKED"
)

var credentialTransitions = map[CredentialStatus][]CredentialStatus{
	CredentialActive:   {CredentialActive, CredentialRevoked},
	CredentialRotating: {CredentialRotating, CredentialActive, CredentialRevoked},
	CredentialRevoked:  {CredentialRevoked},
}

type RunnerState string

const (
	RunnerIdle    RunnerState = "IDLE"
	RunnerBusy    RunnerState = "BUSY"
	RunnerOffline RunnerState = "OFFLINE"
)

type ScaleAction string

const (
	ScaleUp   ScaleAction = "SCALE_UP"
	ScaleDown ScaleAction = "SCALE_DOWN"
	ScaleNone ScaleAction = "NONE"
)

// TransitionError signals an illegal state transition detected in the persistence layer.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

// UnknownStateError signals a state value that is not part of the documented state machine.
type UnknownStateError struct {
	Entity string
	State  string
}

func (e UnknownStateError) Error() string {
	return fmt.Sprintf("%s: unknown state %q", e.Entity, e.State)
}

func validateCircuitTransition(id string, from, to CircuitStatus) error {
	allowed, ok := circuitTransitions[from]
	if !ok {
		return UnknownStateError{Entity: "circuit", State: string(from)}
	}
	if _, ok := circuitTransitions[to]; !ok {
		return UnknownStateError{Entity: "circuit", State: string(to)}
	}
	for _, candidate := range allowed {
		if candidate == to {
			return nil
		}
	}
	return TransitionError{Entity: "circuit", ID: id, From: string(from), To: string(to)}
}

func validateCredentialTransition(id string, from, to CredentialStatus) error {
	allowed, ok := credentialTransitions[from]
	if !ok {
		return UnknownStateError{Entity: "credential", State: string(from)}
	}
	if _, ok := credentialTransitions[to]; !ok {
		return UnknownStateError{Entity: "credential", State: string(to)}
	}
	for _, candidate := range allowed {
		if candidate == to {
			return nil
		}
	}
	return TransitionError{Entity: "credential", ID: id, From: string(from), To: string(to)}
}

func IsTransitionError(err error) bool {
	var te TransitionError
	return errors.As(err, &te)
}

func IsUnknownStateError(err error) bool {
	var ue UnknownStateError
	return errors.As(err, &ue)
}
