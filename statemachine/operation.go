// Package statemachine applies committed raft entries to the replicated
// state machines, in log order, on a single goroutine.
package statemachine

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/neo4j/neo4j-sub208/pkg/types"
)

// Kind is the kind of a replicated operation.
type Kind uint8

const (
	// KindDummy is a no-op used to probe replication.
	KindDummy Kind = iota
	KindIDAllocation
	KindTokenRequest
	KindLockTokenRequest
	KindTransaction
)

var kindName = map[Kind]string{
	KindDummy:            "dummy",
	KindIDAllocation:     "id-allocation",
	KindTokenRequest:     "token-request",
	KindLockTokenRequest: "lock-token-request",
	KindTransaction:      "transaction",
}

func (k Kind) String() string {
	if s, ok := kindName[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind returns the kind named s.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindName {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("statemachine: unknown operation kind %q", s)
}

// ErrMalformed is returned for bytes that do not decode.
var ErrMalformed = errors.New("statemachine: malformed operation")

// OperationID identifies an operation across retries. A global session
// belongs to one member process; local sessions are reused by its
// callers, each numbering its operations from 0.
type OperationID struct {
	Session      uuid.UUID
	LocalSession uint64
	Sequence     uint64
}

func (id OperationID) String() string {
	return fmt.Sprintf("%s/%d/%d", id.Session.String()[:8], id.LocalSession, id.Sequence)
}

// Operation is the content of a normal raft entry.
type Operation struct {
	Kind   Kind
	Origin types.MemberID
	OperationID
	Payload []byte
}

const operationHeaderN = 1 + 16 + 16 + 8 + 8 + 4

// Marshal encodes the operation.
func (op *Operation) Marshal() []byte {
	b := make([]byte, 0, operationHeaderN+len(op.Payload))
	b = append(b, byte(op.Kind))
	b = append(b, op.Origin[:]...)
	b = append(b, op.Session[:]...)
	b = binary.BigEndian.AppendUint64(b, op.LocalSession)
	b = binary.BigEndian.AppendUint64(b, op.Sequence)
	b = binary.BigEndian.AppendUint32(b, uint32(len(op.Payload)))
	return append(b, op.Payload...)
}

// Unmarshal decodes an operation written by Marshal.
func (op *Operation) Unmarshal(b []byte) error {
	if len(b) < operationHeaderN {
		return fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	op.Kind = Kind(b[0])
	if _, ok := kindName[op.Kind]; !ok {
		return fmt.Errorf("%w: unknown kind %d", ErrMalformed, b[0])
	}
	copy(op.Origin[:], b[1:17])
	copy(op.Session[:], b[17:33])
	op.LocalSession = binary.BigEndian.Uint64(b[33:41])
	op.Sequence = binary.BigEndian.Uint64(b[41:49])
	n := binary.BigEndian.Uint32(b[49:53])
	if int(n) != len(b)-operationHeaderN {
		return fmt.Errorf("%w: payload length %d, have %d", ErrMalformed, n, len(b)-operationHeaderN)
	}
	op.Payload = append([]byte(nil), b[operationHeaderN:]...)
	return nil
}

// IDAllocation asks for the next Size ids of IDType.
type IDAllocation struct {
	IDType uint32
	Size   uint64
}

func (r IDAllocation) Marshal() []byte {
	b := binary.BigEndian.AppendUint32(nil, r.IDType)
	return binary.BigEndian.AppendUint64(b, r.Size)
}

func (r *IDAllocation) Unmarshal(b []byte) error {
	if len(b) != 12 {
		return fmt.Errorf("%w: id allocation of %d bytes", ErrMalformed, len(b))
	}
	r.IDType = binary.BigEndian.Uint32(b)
	r.Size = binary.BigEndian.Uint64(b[4:])
	if r.Size == 0 {
		return fmt.Errorf("%w: empty id allocation", ErrMalformed)
	}
	return nil
}

// TokenRequest asks for the id of Name among tokens of TokenType,
// creating it if needed.
type TokenRequest struct {
	TokenType uint32
	Name      string
}

func (r TokenRequest) Marshal() []byte {
	b := binary.BigEndian.AppendUint32(nil, r.TokenType)
	return append(b, r.Name...)
}

func (r *TokenRequest) Unmarshal(b []byte) error {
	if len(b) < 5 {
		return fmt.Errorf("%w: token request of %d bytes", ErrMalformed, len(b))
	}
	r.TokenType = binary.BigEndian.Uint32(b)
	r.Name = string(b[4:])
	return nil
}

// LockTokenRequest asks for the lock token to pass to Owner. It is
// granted only if Candidate follows the current token id.
type LockTokenRequest struct {
	Owner     types.MemberID
	Candidate uint64
}

func (r LockTokenRequest) Marshal() []byte {
	b := append([]byte(nil), r.Owner[:]...)
	return binary.BigEndian.AppendUint64(b, r.Candidate)
}

func (r *LockTokenRequest) Unmarshal(b []byte) error {
	if len(b) != 24 {
		return fmt.Errorf("%w: lock token request of %d bytes", ErrMalformed, len(b))
	}
	copy(r.Owner[:], b[:16])
	r.Candidate = binary.BigEndian.Uint64(b[16:])
	return nil
}

// Result is what applying an operation produced.
type Result struct {
	// Accepted is false when the state machine refused the request,
	// e.g. a lock token candidate that is not next.
	Accepted bool

	// Value is the first allocated id, the token id, or the current
	// lock token id.
	Value uint64

	// Count is the number of ids allocated.
	Count uint64

	// Data is returned by the transaction delegate.
	Data []byte
}

func (r Result) marshal() []byte {
	b := make([]byte, 0, 1+8+8+len(r.Data))
	if r.Accepted {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = binary.BigEndian.AppendUint64(b, r.Value)
	b = binary.BigEndian.AppendUint64(b, r.Count)
	return append(b, r.Data...)
}

func (r *Result) unmarshal(b []byte) error {
	if len(b) < 17 {
		return fmt.Errorf("%w: result of %d bytes", ErrMalformed, len(b))
	}
	r.Accepted = b[0] == 1
	r.Value = binary.BigEndian.Uint64(b[1:9])
	r.Count = binary.BigEndian.Uint64(b[9:17])
	r.Data = nil
	if len(b) > 17 {
		r.Data = append([]byte(nil), b[17:]...)
	}
	return nil
}
