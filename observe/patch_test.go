package observe

import "testing"

func TestHasChangedNoFieldsIsByteCompare(t *testing.T) {
	a := []byte(`{"temp":21.5}`)
	b := []byte(`{"temp":21.5}`)
	if HasChanged(a, b) {
		t.Fatalf("identical payloads reported as changed")
	}
	if !HasChanged(a, []byte(`{"temp":22.0}`)) {
		t.Fatalf("differing payloads reported as unchanged")
	}
}

func TestHasChangedRestrictedToFields(t *testing.T) {
	old := []byte(`{"temp":21.5,"seq":1}`)
	// seq changed but temp did not: a caller only watching "temp" sees no change.
	next := []byte(`{"temp":21.5,"seq":2}`)
	if HasChanged(old, next, "temp") {
		t.Fatalf("unwatched field change reported as a temp change")
	}
	if !HasChanged(old, next, "seq") {
		t.Fatalf("watched field change not detected")
	}
}

func TestPatchField(t *testing.T) {
	out, err := PatchField([]byte(`{"temp":21.5,"unit":"C"}`), "temp", 22.5)
	if err != nil {
		t.Fatalf("patch field: %s", err)
	}
	if HasChanged(out, []byte(`{"temp":22.5,"unit":"C"}`)) {
		t.Fatalf("patched payload = %s, want temp replaced with unit preserved", out)
	}
}
