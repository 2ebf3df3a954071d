package item_test

import (
	"errors"
	"testing"
	"time"

	"github.com/hexlabs/pipeline/item"
)

func TestNewAssignsIDWhenAbsent(t *testing.T) {
	it := item.New("")
	if it.ID() == "" {
		t.Fatal("expected a generated ID")
	}
}

func TestNewKeepsSuppliedID(t *testing.T) {
	it := item.New("item-1")
	if it.ID() != "item-1" {
		t.Fatalf("expected id to be preserved, got %q", it.ID())
	}
}

func TestTimings(t *testing.T) {
	it := item.New("x")
	if it.GetTiming("reverser") != 0 {
		t.Fatal("expected zero timing for an unvisited stage")
	}
	it.SetTiming("reverser", 42*time.Millisecond)
	if it.GetTiming("reverser") != 42*time.Millisecond {
		t.Fatalf("unexpected timing: %v", it.GetTiming("reverser"))
	}
}

func TestSoftErrors(t *testing.T) {
	it := item.New("x")
	if it.HasErrors() || it.HasCriticalErrors() {
		t.Fatal("new item should have no errors")
	}
	it.AddError("reverser", "bad input")
	if !it.HasErrors() {
		t.Fatal("expected HasErrors to be true")
	}
	if it.HasCriticalErrors() {
		t.Fatal("soft error must not count as critical")
	}
	errs := it.SoftErrors()
	if len(errs) != 1 || errs[0].Message != "bad input" || errs[0].Kind != item.Soft {
		t.Fatalf("unexpected soft error record: %+v", errs)
	}
}

func TestCriticalErrors(t *testing.T) {
	it := item.New("x")
	cause := errors.New("boom")
	it.AddCriticalError("duplicator", cause)
	if !it.HasCriticalErrors() {
		t.Fatal("expected HasCriticalErrors to be true")
	}
	errs := it.CriticalErrors()
	if len(errs) != 1 || !errors.Is(errs[0], cause) {
		t.Fatalf("expected critical error to unwrap to cause, got %+v", errs)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := item.New("x")
	orig.Payload["count"] = 1
	orig.SetTiming("reverser", time.Second)
	orig.AddError("reverser", "soft")

	clone := orig.Clone()
	clone.Payload["count"] = 2
	clone.AddError("duplicator", "other")

	if orig.Payload["count"] != 1 {
		t.Fatal("mutating clone's payload must not affect original")
	}
	if len(orig.SoftErrors()) != 1 {
		t.Fatal("mutating clone's errors must not affect original")
	}
	if clone.ID() != orig.ID() {
		t.Fatal("clone must preserve the original ID")
	}
}
