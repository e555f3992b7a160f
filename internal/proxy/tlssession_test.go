package proxy

import (
	"testing"
	"time"
)

func TestConsumeConnectionOKIsOneShot(t *testing.T) {
	s := &TlsSession{}

	if s.consumeConnectionOK() {
		t.Fatal("expected connectionOK to start false")
	}

	s.MarkResponseReceived()

	if !s.consumeConnectionOK() {
		t.Fatal("expected connectionOK to be true after a marked response")
	}

	if s.consumeConnectionOK() {
		t.Fatal("expected connectionOK to reset to false once consumed")
	}
}

func TestBackoffWaitFreshFailureUnderFiveSeconds(t *testing.T) {
	s := &TlsSession{}

	if got := s.backoffWait(2 * time.Second); got != backoffQuick {
		t.Fatalf("expected quick retry under 5s elapsed, got %v", got)
	}
}

func TestBackoffWaitFreshFailureUnderFiveMinutes(t *testing.T) {
	s := &TlsSession{}
	elapsed := 42 * time.Second

	if got := s.backoffWait(elapsed); got != elapsed {
		t.Fatalf("expected backoff to equal elapsed time, got %v want %v", got, elapsed)
	}
}

func TestBackoffWaitCappedUnderGiveUpThreshold(t *testing.T) {
	s := &TlsSession{}

	if got := s.backoffWait(500 * time.Second); got != backoffCapped {
		t.Fatalf("expected capped 600s backoff, got %v", got)
	}
}

func TestBackoffWaitGivesUpBeyondThreshold(t *testing.T) {
	s := &TlsSession{}

	if got := s.backoffWait(backoffGiveUp + time.Second); got != 0 {
		t.Fatalf("expected no wait beyond give-up threshold, got %v", got)
	}
}

func TestSessionStateString(t *testing.T) {
	cases := map[SessionState]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
	}

	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("state %d: got %q want %q", state, got, want)
		}
	}
}
