package domain

import "errors"

var (
	// ErrDuelNotFound is returned when no engine is running for a match participant.
	ErrDuelNotFound = errors.New("duel not found")
	// ErrParticipantNotFound is returned when a participant is not part of the match.
	ErrParticipantNotFound = errors.New("participant not found in match")
	// ErrChartNotFound indicates the matchup chart could not be loaded.
	ErrChartNotFound = errors.New("matchup chart not found")
	// ErrSubmissionFailed marks a submit call that did not reach the submission service.
	// The same round question may be submitted again.
	ErrSubmissionFailed = errors.New("answer submission failed")
	// ErrMalformedEvent indicates an inbound event could not be decoded.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrEngineClosed is returned by operations on a torn-down engine.
	ErrEngineClosed = errors.New("engine closed")
)
