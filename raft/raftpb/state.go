package raftpb

import (
	"github.com/neo4j/neo4j-sub208/pkg/types"
)

// TermState is the persisted current term.
type TermState struct {
	Term uint64
}

// VoteState is the persisted vote. A vote recorded for a term older
// than the current TermState counts as no vote, which makes a term bump
// and its vote reset atomic without a cross-file transaction.
type VoteState struct {
	Term     uint64
	VotedFor types.MemberID
}

// MembershipState is the persisted voting member set together with the
// log index of the membership entry it came from.
type MembershipState struct {
	Index   uint64
	Members types.MemberIDs
}

// ApplyState is the last applied index checkpoint.
type ApplyState struct {
	LastApplied uint64
}

// MemberIDState holds this member's own id.
type MemberIDState struct {
	ID types.MemberID
}

func (s *TermState) Marshal() ([]byte, error) {
	enc := &encoder{}
	enc.u64(s.Term)
	return enc.b, nil
}

func (s *TermState) Unmarshal(b []byte) error {
	dec := &decoder{b: b}
	s.Term = dec.u64()
	return dec.finish()
}

func (s *VoteState) Marshal() ([]byte, error) {
	enc := &encoder{}
	enc.u64(s.Term)
	enc.id(s.VotedFor)
	return enc.b, nil
}

func (s *VoteState) Unmarshal(b []byte) error {
	dec := &decoder{b: b}
	s.Term = dec.u64()
	s.VotedFor = dec.id()
	return dec.finish()
}

func (s *MembershipState) Marshal() ([]byte, error) {
	enc := &encoder{}
	enc.u64(s.Index)
	enc.b = append(enc.b, EncodeMembers(s.Members)...)
	return enc.b, nil
}

func (s *MembershipState) Unmarshal(b []byte) error {
	dec := &decoder{b: b}
	s.Index = dec.u64()
	if dec.err != nil {
		return dec.err
	}
	ms, err := DecodeMembers(dec.b)
	if err != nil {
		return err
	}
	s.Members = ms
	return nil
}

func (s *ApplyState) Marshal() ([]byte, error) {
	enc := &encoder{}
	enc.u64(s.LastApplied)
	return enc.b, nil
}

func (s *ApplyState) Unmarshal(b []byte) error {
	dec := &decoder{b: b}
	s.LastApplied = dec.u64()
	return dec.finish()
}

func (s *MemberIDState) Marshal() ([]byte, error) {
	enc := &encoder{}
	enc.id(s.ID)
	return enc.b, nil
}

func (s *MemberIDState) Unmarshal(b []byte) error {
	dec := &decoder{b: b}
	s.ID = dec.id()
	return dec.finish()
}

// EncodeMembers encodes a member set, as carried by membership entries.
func EncodeMembers(ms types.MemberIDs) []byte {
	enc := &encoder{b: make([]byte, 0, 4+16*len(ms))}
	enc.u32(uint32(len(ms)))
	for _, id := range ms {
		enc.id(id)
	}
	return enc.b
}

// DecodeMembers decodes a member set written by EncodeMembers.
func DecodeMembers(b []byte) (types.MemberIDs, error) {
	dec := &decoder{b: b}
	n := dec.u32()
	if dec.err != nil {
		return nil, dec.err
	}
	if int(n)*16 > len(dec.b) {
		return nil, ErrShortBuffer
	}
	ms := make(types.MemberIDs, n)
	for i := range ms {
		ms[i] = dec.id()
	}
	return ms, dec.finish()
}
