package protocol

import "testing"

func TestVersionRangeOverlap(t *testing.T) {
	cases := []struct {
		name    string
		a, b    VersionRange
		want    int
		wantOK  bool
	}{
		{"exact match", VersionRange{1, 1}, VersionRange{1, 2}, 1, true},
		{"disjoint", VersionRange{1, 1}, VersionRange{2, 3}, 0, false},
		{"wide overlap picks highest", VersionRange{1, 5}, VersionRange{3, 10}, 5, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := tc.a.Overlap(tc.b)
			if ok != tc.wantOK || (ok && got != tc.want) {
				t.Errorf("Overlap(%v,%v) = (%d,%v), want (%d,%v)", tc.a, tc.b, got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestDecodeRequestCanonical(t *testing.T) {
	env, err := DecodeRequest([]byte(`{"type":"request","id":"abc","method":"terminal.start","params":{}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != "request" || env.Method != "terminal.start" {
		t.Errorf("unexpected envelope: %+v", env)
	}
}

func TestDecodeRequestMissingType(t *testing.T) {
	if _, err := DecodeRequest([]byte(`{"id":"abc"}`)); err == nil {
		t.Error("expected error for missing type")
	}
}

func TestIsLegacyID(t *testing.T) {
	if !IsLegacyID([]byte(`"r1"`)) {
		t.Error("expected string id to be legacy-compatible")
	}
	if !IsLegacyID([]byte(`42`)) {
		t.Error("expected numeric id to be legacy-compatible")
	}
	if IsLegacyID(nil) {
		t.Error("expected nil id to not be legacy")
	}
}
