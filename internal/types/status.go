package types

import "errors"

// ErrInvalidTransition is returned whenever a caller asks a status machine
// to move against its transition table. The stored row is never touched in
// that case.
var ErrInvalidTransition = errors.New("invalid status transition")

// SubmissionStatus is the lifecycle of one assessment submission. The set
// is closed; the strings here are the only values ever written to the
// submission.status column.
type SubmissionStatus string

const (
	SubmissionSubmitted        SubmissionStatus = "submitted"
	SubmissionAgentStarted     SubmissionStatus = "agent_started"
	SubmissionDataExtracted    SubmissionStatus = "data_extracted"
	SubmissionAnalysisComplete SubmissionStatus = "analysis_complete"
	SubmissionFailed           SubmissionStatus = "failed"
)

var submissionTransitions = map[SubmissionStatus][]SubmissionStatus{
	SubmissionSubmitted:        {SubmissionAgentStarted, SubmissionFailed},
	SubmissionAgentStarted:     {SubmissionDataExtracted, SubmissionFailed},
	SubmissionDataExtracted:    {SubmissionAnalysisComplete, SubmissionFailed},
	SubmissionAnalysisComplete: {},
	SubmissionFailed:           {},
}

func (s SubmissionStatus) CanTransition(to SubmissionStatus) bool {
	for _, next := range submissionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s SubmissionStatus) Terminal() bool {
	return len(submissionTransitions[s]) == 0
}

func (s SubmissionStatus) Valid() bool {
	_, ok := submissionTransitions[s]
	return ok
}

// PaymentStatus runs independently of SubmissionStatus so a payment can be
// retried without re-running analysis. The empty string means no payment
// attempt has been made.
type PaymentStatus string

const (
	PaymentUnset   PaymentStatus = ""
	PaymentStart   PaymentStatus = "start"
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentUnset:   {PaymentStart},
	PaymentStart:   {PaymentSuccess, PaymentFailed},
	PaymentFailed:  {PaymentStart},
	PaymentSuccess: {},
}

func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	for _, next := range paymentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s PaymentStatus) Terminal() bool {
	return len(paymentTransitions[s]) == 0
}

// ArtifactStatus tracks the paid-artifact pipeline. A failed render or
// compress step restarts from context extraction, so those stages loop
// back to ArtifactExtracting while attempts remain.
type ArtifactStatus string

const (
	ArtifactNotStarted ArtifactStatus = "not_started"
	ArtifactExtracting ArtifactStatus = "extracting"
	ArtifactRendering  ArtifactStatus = "rendering"
	ArtifactCompressed ArtifactStatus = "compressed"
	ArtifactGenerated  ArtifactStatus = "generated"
	ArtifactFailed     ArtifactStatus = "failed"
)

var artifactTransitions = map[ArtifactStatus][]ArtifactStatus{
	ArtifactNotStarted: {ArtifactExtracting, ArtifactFailed},
	ArtifactExtracting: {ArtifactRendering, ArtifactExtracting, ArtifactFailed},
	ArtifactRendering:  {ArtifactCompressed, ArtifactExtracting, ArtifactFailed},
	ArtifactCompressed: {ArtifactGenerated, ArtifactExtracting, ArtifactFailed},
	ArtifactGenerated:  {},
	ArtifactFailed:     {},
}

func (s ArtifactStatus) CanTransition(to ArtifactStatus) bool {
	for _, next := range artifactTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s ArtifactStatus) Terminal() bool {
	return len(artifactTransitions[s]) == 0
}

// MaxArtifactAttempts is the hard ceiling on automatic artifact
// generation retries. Exceeding it is a terminal failure.
const MaxArtifactAttempts = 3
