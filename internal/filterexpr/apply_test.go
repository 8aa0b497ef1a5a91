package filterexpr

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

type fakeSetter struct {
	setFn    func(layerID string, filter any) error
	hasFn    func(id string) bool
	frames   []func()
	setCalls int
}

func (f *fakeSetter) SetFilter(layerID string, filter any) error {
	f.setCalls++
	if f.setFn == nil {
		return nil
	}
	return f.setFn(layerID, filter)
}

func (f *fakeSetter) HasLayer(id string) bool {
	if f.hasFn == nil {
		return true
	}
	return f.hasFn(id)
}

func (f *fakeSetter) NextFrame(fn func()) {
	f.frames = append(f.frames, fn)
}

func (f *fakeSetter) step() {
	frames := f.frames
	f.frames = nil
	for _, fn := range frames {
		fn()
	}
}

func TestSafeSetFilter_AppliesNormalizedFilter(t *testing.T) {
	var got any
	s := &fakeSetter{setFn: func(layerID string, filter any) error {
		if layerID != "presence-points" {
			t.Fatalf("unexpected layer %q", layerID)
		}
		got = filter
		return nil
	}}

	ok := SafeSetFilter(s, "presence-points", []any{"==", []any{"get", "kind"}, "friend"}, zerolog.Nop())
	if !ok {
		t.Fatalf("expected success")
	}
	if diff := cmp.Diff([]any{"==", "kind", "friend"}, got); diff != "" {
		t.Fatalf("unexpected filter (-want +got):\n%s", diff)
	}
}

func TestSafeSetFilter_ErrorReturnsFalse(t *testing.T) {
	s := &fakeSetter{setFn: func(string, any) error { return errors.New("bad filter") }}
	if SafeSetFilter(s, "l", []any{"has", "x"}, zerolog.Nop()) {
		t.Fatalf("expected false on setter error")
	}
}

func TestSafeSetFilter_PanicIsContained(t *testing.T) {
	s := &fakeSetter{setFn: func(string, any) error { panic("renderer exploded") }}
	if SafeSetFilter(s, "l", []any{"has", "x"}, zerolog.Nop()) {
		t.Fatalf("expected false when the setter panics")
	}
}

func TestSetFilterWhenReady_WaitsForLayer(t *testing.T) {
	present := false
	s := &fakeSetter{hasFn: func(string) bool { return present }}

	done := SetFilterWhenReady(s, "late-layer", []any{"has", "x"}, 5, zerolog.Nop())
	s.step()
	s.step()
	if s.setCalls != 0 {
		t.Fatalf("expected no SetFilter before the layer exists")
	}

	present = true
	s.step()

	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("expected success once the layer appeared")
		}
	default:
		t.Fatalf("expected a result after the layer appeared")
	}
	if s.setCalls != 1 {
		t.Fatalf("expected exactly one SetFilter, got %d", s.setCalls)
	}
}

func TestSetFilterWhenReady_GivesUp(t *testing.T) {
	s := &fakeSetter{hasFn: func(string) bool { return false }}
	done := SetFilterWhenReady(s, "missing", []any{"has", "x"}, 3, zerolog.Nop())
	for i := 0; i < 3; i++ {
		s.step()
	}

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected false after exhausting frames")
		}
	default:
		t.Fatalf("expected a result after %d frames", 3)
	}
	if len(s.frames) != 0 {
		t.Fatalf("expected no further frames to be requested, got %d", len(s.frames))
	}
}
