package recipient

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw    string
		kind   Kind
		tenant string
		uid    string
	}{
		{raw: "bob", kind: Direct, uid: "bob"},
		{raw: "corp123|alice", kind: Delegated, tenant: "corp123", uid: "alice"},
		{raw: "wwabc|ZhangSan", kind: Delegated, tenant: "wwabc", uid: "ZhangSan"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			id, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			if id.Kind() != tt.kind || id.TenantID() != tt.tenant || id.UID() != tt.uid {
				t.Fatalf("Parse(%q) = %v/%q/%q, want %v/%q/%q",
					tt.raw, id.Kind(), id.TenantID(), id.UID(), tt.kind, tt.tenant, tt.uid)
			}
			if id.String() != tt.raw {
				t.Fatalf("String() = %q, want %q", id.String(), tt.raw)
			}
		})
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "  ", "a|b|c", "|alice", "corp|", "|"} {
		if _, err := Parse(raw); !errors.Is(err, ErrMalformedIdentity) {
			t.Fatalf("Parse(%q) error = %v, want ErrMalformedIdentity", raw, err)
		}
	}
}

func TestParseIsDeterministic(t *testing.T) {
	t.Parallel()
	a, _ := Parse("corp|u")
	b, _ := Parse("corp|u")
	if a != b {
		t.Fatalf("Parse results differ: %+v vs %+v", a, b)
	}
}
