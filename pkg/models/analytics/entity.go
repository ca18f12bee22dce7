// Package analytics holds the aggregate shapes tracked by the engine and the pure
// transitions that move them from one state to the next.
//
// No function in this package performs I/O or reads the wall clock: every timestamp is
// passed in by the caller, and every transition returns a fresh value without touching
// the maps or slices of its input.
package analytics

import (
	"strings"

	"github.com/google/uuid"

	"github.com/canopy-network/dappscope/pkg/errs"
)

type EntityKind string

const (
	KindUser     EntityKind = "user"
	KindSession  EntityKind = "session"
	KindContract EntityKind = "contract"
)

// ParseEntityKind accepts the singular and plural spellings used by the read surface.
func ParseEntityKind(s string) (EntityKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "users":
		return KindUser, nil
	case "session", "sessions":
		return KindSession, nil
	case "contract", "contracts":
		return KindContract, nil
	}
	return "", errs.InvalidPayloadf("analytics.kind", "unknown entity kind %q", s)
}

// Entity is implemented by every durable aggregate.
type Entity interface {
	EntityKind() EntityKind
	EntityKey() string
}

// userNamespace seeds name-based user ids so the same wallet always maps to the same id.
var userNamespace = uuid.MustParse("5b0c7f5e-2d1a-4f57-9a3e-6c1d0b9e8a41")

// UserID derives the stable user id for a normalized wallet address.
func UserID(wallet string) string {
	return uuid.NewSHA1(userNamespace, []byte(wallet)).String()
}

// NormalizeAddress trims and lowercases an address. Hex addresses ("0x...") must have a
// non-empty hex body; other encodings are accepted as long as they contain no whitespace.
func NormalizeAddress(addr string) (string, error) {
	a := strings.ToLower(strings.TrimSpace(addr))
	if a == "" {
		return "", errs.InvalidPayloadf("analytics.address", "address is empty")
	}
	if strings.ContainsAny(a, " \t\r\n") {
		return "", errs.InvalidPayloadf("analytics.address", "address %q contains whitespace", addr)
	}
	if strings.HasPrefix(a, "0x") {
		body := a[2:]
		if body == "" {
			return "", errs.InvalidPayloadf("analytics.address", "address %q has no hex digits", addr)
		}
		for i := 0; i < len(body); i++ {
			c := body[i]
			if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
				return "", errs.InvalidPayloadf("analytics.address", "address %q is not hex", addr)
			}
		}
	}
	return a, nil
}

// MaxAppliedEvents bounds how many recent event marks an aggregate keeps.
const MaxAppliedEvents = 64

// AppliedEvents holds the marks of the latest events applied to an aggregate, oldest
// first. A mark is an event id, optionally qualified by the operation it drove.
type AppliedEvents []string

func (a AppliedEvents) Has(mark string) bool {
	for _, m := range a {
		if m == mark {
			return true
		}
	}
	return false
}

// With returns a new list ending in mark, dropping the oldest marks beyond
// MaxAppliedEvents. The receiver is left untouched.
func (a AppliedEvents) With(mark string) AppliedEvents {
	if mark == "" || a.Has(mark) {
		return a
	}
	start := 0
	if len(a) >= MaxAppliedEvents {
		start = len(a) - MaxAppliedEvents + 1
	}
	out := make(AppliedEvents, 0, len(a)-start+1)
	out = append(out, a[start:]...)
	return append(out, mark)
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneCountMap(in map[string]uint64) map[string]uint64 {
	if in == nil {
		return nil
	}
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
