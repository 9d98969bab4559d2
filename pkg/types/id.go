// Package types defines member identifiers and URL sets shared by the cluster packages.
package types

import (
	"fmt"

	"github.com/google/uuid"
)

// MemberID identifies a cluster member. It is created once on first
// start, persisted, and compared by value.
type MemberID uuid.UUID

// NoMember is the zero MemberID, used for "no vote" and "no leader".
var NoMember MemberID

// NewMemberID returns a new random MemberID.
func NewMemberID() MemberID {
	return MemberID(uuid.New())
}

// ParseMemberID parses the canonical UUID form.
func ParseMemberID(s string) (MemberID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NoMember, fmt.Errorf("invalid member id %q: %w", s, err)
	}
	return MemberID(u), nil
}

// MustParseMemberID is like ParseMemberID but panics on error.
func MustParseMemberID(s string) MemberID {
	id, err := ParseMemberID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// IsZero returns true if id is NoMember.
func (id MemberID) IsZero() bool { return id == NoMember }

func (id MemberID) String() string {
	if id.IsZero() {
		return "none"
	}
	return uuid.UUID(id).String()
}

// Short returns the first eight hex characters, for log lines.
func (id MemberID) Short() string {
	if id.IsZero() {
		return "none"
	}
	return uuid.UUID(id).String()[:8]
}

// Bytes returns the 16-byte binary form.
func (id MemberID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

// MemberIDFromBytes decodes the 16-byte binary form.
func MemberIDFromBytes(b []byte) (MemberID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return NoMember, err
	}
	return MemberID(u), nil
}

// MarshalText implements encoding.TextMarshaler.
func (id MemberID) MarshalText() ([]byte, error) {
	return []byte(uuid.UUID(id).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *MemberID) UnmarshalText(b []byte) error {
	v, err := ParseMemberID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// MemberIDs is a sortable slice of MemberID.
type MemberIDs []MemberID

func (p MemberIDs) Len() int           { return len(p) }
func (p MemberIDs) Less(i, j int) bool { return p[i].String() < p[j].String() }
func (p MemberIDs) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }

// Contains returns true if id is in p.
func (p MemberIDs) Contains(id MemberID) bool {
	for _, v := range p {
		if v == id {
			return true
		}
	}
	return false
}
