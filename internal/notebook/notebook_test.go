package notebook

import "testing"

func TestNewDefaults(t *testing.T) {
	nb := New("Personal")
	if nb.UID() == "" {
		t.Fatal("expected a generated uid")
	}
	if nb.Flags() != DefaultFlags {
		t.Errorf("got flags %v, want %v", nb.Flags(), DefaultFlags)
	}
	if !nb.Has(FlagVisible) {
		t.Error("expected new notebook to be visible by default")
	}
}

func TestSetUIDDoesNotTouchLastModified(t *testing.T) {
	nb := New("Work")
	before := nb.LastModified()
	nb.SetUID("custom-uid")
	if nb.LastModified() != before {
		t.Error("SetUID must not update last-modified")
	}
	if nb.UID() != "custom-uid" {
		t.Errorf("got uid %q, want custom-uid", nb.UID())
	}
}

func TestSettersTouchLastModified(t *testing.T) {
	nb := New("Work")
	before := nb.LastModified()
	nb.SetDescription("team calendar")
	if nb.LastModified().Before(before) {
		t.Error("SetDescription must not move last-modified backwards")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	nb := New("Work")
	nb.SetSharedWith([]string{"alice"})
	nb.SetCustomProperty("colour-scheme", "dark")

	clone := nb.Clone()
	clone.SetSharedWith([]string{"bob"})
	clone.SetCustomProperty("colour-scheme", "light")

	if nb.SharedWith()[0] != "alice" {
		t.Error("mutating the clone's shared-with leaked into the original")
	}
	if nb.CustomProperty("colour-scheme", "") != "dark" {
		t.Error("mutating the clone's custom property leaked into the original")
	}
}

func TestEqual(t *testing.T) {
	nb := New("Work")
	clone := nb.Clone()
	if !nb.Equal(clone) {
		t.Error("a freshly cloned notebook should be Equal to its source")
	}
	clone.SetName("Other")
	if nb.Equal(clone) {
		t.Error("notebooks with different names should not be Equal")
	}
}

func TestCustomPropertyDefault(t *testing.T) {
	nb := New("Work")
	if got := nb.CustomProperty("missing", "fallback"); got != "fallback" {
		t.Errorf("got %q, want fallback", got)
	}
}
