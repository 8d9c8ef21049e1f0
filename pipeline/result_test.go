package pipeline

import "testing"

func TestResult_Success(t *testing.T) {
	r := Success("payload", "res-1", 42)
	if !r.OK() {
		t.Fatal("expected OK")
	}
	if r.Value() != "payload" {
		t.Errorf("value: got %q", r.Value())
	}
	if r.ResourceID() != "res-1" {
		t.Errorf("resource id: got %q", r.ResourceID())
	}
	if r.ErrMessage() != "" || r.ErrStep() != "" {
		t.Errorf("success carries error fields: %q %q", r.ErrMessage(), r.ErrStep())
	}
}

func TestResult_Failure(t *testing.T) {
	r := Failure[string]("res-2", "boom", "parse")
	if r.OK() {
		t.Fatal("expected failure")
	}
	if r.Value() != "" {
		t.Errorf("failure value should be zero, got %q", r.Value())
	}
	if r.ErrMessage() != "boom" || r.ErrStep() != "parse" {
		t.Errorf("got %q %q", r.ErrMessage(), r.ErrStep())
	}
}

func TestForwardFailure_PreservesStep(t *testing.T) {
	in := Failure[int]("res-3", "boom", "parse")
	out := forwardFailure[int, string](in, "store")
	if out.OK() {
		t.Fatal("expected failure")
	}
	if out.ErrStep() != "parse" {
		t.Errorf("step: got %q, want parse", out.ErrStep())
	}
	if out.ResourceID() != "res-3" || out.ErrMessage() != "boom" {
		t.Errorf("got %q %q", out.ResourceID(), out.ErrMessage())
	}
}

func TestForwardFailure_SubstitutesStep(t *testing.T) {
	in := Failure[int]("res-4", "boom", "")
	out := forwardFailure[int, string](in, "store")
	if out.ErrStep() != "store" {
		t.Errorf("step: got %q, want store", out.ErrStep())
	}
}
