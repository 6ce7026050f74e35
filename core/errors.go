package core

import "errors"

var (
	// ErrUnknownProposal is returned when a vote references a proposal that
	// was never registered.
	ErrUnknownProposal = errors.New("unknown proposal")

	// ErrUnknownState is returned when a confirmation or supporter references
	// a state hash that is not being tracked.
	ErrUnknownState = errors.New("unknown state")

	// ErrUnknownFork is returned when a supporter references a fork that does
	// not exist or was already resolved.
	ErrUnknownFork = errors.New("unknown fork")

	// ErrNoCanonicalState means split-brain resolution could not pick a
	// winner; administrative action is required.
	ErrNoCanonicalState = errors.New("no canonical state")

	// ErrRecoveryExhausted means a partition used up its recovery attempts
	// and is permanently failed.
	ErrRecoveryExhausted = errors.New("recovery attempts exhausted")
)
