package ringbuf

import (
	"fmt"
	"strings"
)

// Policy selects what Push does when the buffer is full.
type Policy int

const (
	// DropOldest evicts the oldest unread sample. Push never blocks.
	DropOldest Policy = iota
	// Reject fails the push with ErrOverflow and keeps the buffer intact.
	Reject
	// Block waits for a consumer to free a slot.
	Block
)

var policyNames = map[Policy]string{
	DropOldest: "drop-oldest",
	Reject:     "reject",
	Block:      "block",
}

func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

func (p Policy) valid() bool {
	_, ok := policyNames[p]
	return ok
}

// ParsePolicy accepts the names printed by String, case-insensitively.
// The empty string selects DropOldest.
func ParsePolicy(s string) (Policy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DropOldest, nil
	}
	for p, name := range policyNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown overflow policy %q (expected drop-oldest, reject or block)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(text []byte) error {
	v, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
