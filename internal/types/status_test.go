package types

import "testing"

func TestSubmissionStatusTransitions(t *testing.T) {
	cases := []struct {
		from SubmissionStatus
		to   SubmissionStatus
		ok   bool
	}{
		{SubmissionSubmitted, SubmissionAgentStarted, true},
		{SubmissionAgentStarted, SubmissionDataExtracted, true},
		{SubmissionDataExtracted, SubmissionAnalysisComplete, true},
		{SubmissionSubmitted, SubmissionFailed, true},
		{SubmissionAgentStarted, SubmissionFailed, true},
		{SubmissionDataExtracted, SubmissionFailed, true},
		{SubmissionSubmitted, SubmissionDataExtracted, false},
		{SubmissionAgentStarted, SubmissionSubmitted, false},
		{SubmissionAnalysisComplete, SubmissionFailed, false},
		{SubmissionAnalysisComplete, SubmissionSubmitted, false},
		{SubmissionFailed, SubmissionSubmitted, false},
		{SubmissionFailed, SubmissionAgentStarted, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Fatalf("CanTransition(%q -> %q): want=%v got=%v", c.from, c.to, c.ok, got)
		}
	}
}

func TestSubmissionStatusTerminal(t *testing.T) {
	terminal := map[SubmissionStatus]bool{
		SubmissionSubmitted:        false,
		SubmissionAgentStarted:     false,
		SubmissionDataExtracted:    false,
		SubmissionAnalysisComplete: true,
		SubmissionFailed:           true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Fatalf("Terminal(%q): want=%v got=%v", s, want, got)
		}
	}
}

func TestPaymentStatusRetryLoop(t *testing.T) {
	if !PaymentUnset.CanTransition(PaymentStart) {
		t.Fatalf("expected unset -> start to be allowed")
	}
	if !PaymentFailed.CanTransition(PaymentStart) {
		t.Fatalf("expected failed -> start (retry) to be allowed")
	}
	if PaymentSuccess.CanTransition(PaymentStart) {
		t.Fatalf("success must be terminal")
	}
	if PaymentUnset.CanTransition(PaymentSuccess) {
		t.Fatalf("success must not be reachable without a start")
	}
}

func TestArtifactStatusRestartsFromExtraction(t *testing.T) {
	for _, s := range []ArtifactStatus{ArtifactExtracting, ArtifactRendering, ArtifactCompressed} {
		if !s.CanTransition(ArtifactExtracting) {
			t.Fatalf("expected %q -> extracting retry to be allowed", s)
		}
	}
	if ArtifactGenerated.CanTransition(ArtifactExtracting) {
		t.Fatalf("generated must be terminal")
	}
	if ArtifactFailed.CanTransition(ArtifactExtracting) {
		t.Fatalf("failed must be terminal")
	}
	if !ArtifactNotStarted.CanTransition(ArtifactExtracting) {
		t.Fatalf("expected not_started -> extracting to be allowed")
	}
}

func TestStatusValid(t *testing.T) {
	if !SubmissionDataExtracted.Valid() {
		t.Fatalf("expected data_extracted to be a known status")
	}
	if SubmissionStatus("processing").Valid() {
		t.Fatalf("unknown status string must not validate")
	}
}
