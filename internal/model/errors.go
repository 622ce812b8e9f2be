package model

import "errors"

var (
	// ErrNotFound indicates an unknown thread.
	ErrNotFound = errors.New("thread not found")

	// ErrInvalidTransition indicates an illegal lifecycle move.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAlreadyAssigned is returned to the losing side of an agent claim race.
	ErrAlreadyAssigned = errors.New("thread already assigned")

	// ErrDeliveryTimeout marks an outbound message that was never echoed back.
	ErrDeliveryTimeout = errors.New("delivery not confirmed in time")

	// ErrCollaboratorUnavailable wraps responder and persistence failures.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")

	// ErrMissingSelectedChat is returned when an action has no thread context.
	ErrMissingSelectedChat = errors.New("no chat selected")

	// ErrAgentOffline is returned when an offline agent tries to claim a thread.
	ErrAgentOffline = errors.New("agent is offline")
)
