// Package recipient resolves linked accounts into messaging identities.
//
// An external identifier is either a plain user id ("bob"), reachable
// through the shared corp application, or "<tenant>|<user>" for users of a
// tenant that installed the third-party suite. The identifier is parsed
// once, when the registry loads, into an Identity value.
package recipient

import (
	"errors"
	"fmt"
	"strings"
)

// Delimiter separates tenant id and user id in delegated identifiers.
const Delimiter = "|"

var ErrMalformedIdentity = errors.New("malformed identity")

type Kind uint8

const (
	Direct Kind = iota + 1
	Delegated
)

func (k Kind) String() string {
	switch k {
	case Direct:
		return "direct"
	case Delegated:
		return "delegated"
	default:
		return "unknown"
	}
}

// Identity is an external messaging identity. The zero value is invalid.
type Identity struct {
	kind   Kind
	tenant string
	uid    string
}

func NewDirect(uid string) Identity {
	return Identity{kind: Direct, uid: uid}
}

func NewDelegated(tenantID, uid string) Identity {
	return Identity{kind: Delegated, tenant: tenantID, uid: uid}
}

// Parse classifies raw. No delimiter means Direct, exactly one means
// Delegated. More than one delimiter or an empty part is rejected.
func Parse(raw string) (Identity, error) {
	if strings.TrimSpace(raw) == "" {
		return Identity{}, fmt.Errorf("%w: empty identifier", ErrMalformedIdentity)
	}
	switch n := strings.Count(raw, Delimiter); n {
	case 0:
		return NewDirect(raw), nil
	case 1:
		tenant, uid, _ := strings.Cut(raw, Delimiter)
		if tenant == "" || uid == "" {
			return Identity{}, fmt.Errorf("%w: %q has an empty part", ErrMalformedIdentity, raw)
		}
		return NewDelegated(tenant, uid), nil
	default:
		return Identity{}, fmt.Errorf("%w: %q has %d delimiters", ErrMalformedIdentity, raw, n)
	}
}

func (id Identity) Kind() Kind { return id.kind }

// TenantID is empty for direct identities.
func (id Identity) TenantID() string { return id.tenant }

// UID is the user id the gateway expects as recipient.
func (id Identity) UID() string { return id.uid }

func (id Identity) IsZero() bool { return id.kind == 0 }

// String returns the external identifier form.
func (id Identity) String() string {
	if id.kind == Delegated {
		return id.tenant + Delimiter + id.uid
	}
	return id.uid
}
