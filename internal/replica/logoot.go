package replica

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Logoot is a sequence CRDT over position-identified atoms. Atoms carry
// a position string ordered lexicographically; concurrent inserts at the
// same spot are disambiguated by the peer suffix baked into the position
// by whoever generated it. Deletes remove atoms by position, so replaying
// a delete for an already-removed atom is a no-op.
type Logoot struct {
	mu        sync.Mutex
	replicaID string
	atoms     []atom
}

type atom struct {
	Pos   string `json:"pos"`
	Value string `json:"value"`
}

// LogootOp is one insert or delete in a mutation payload.
type LogootOp struct {
	Kind  string `json:"kind"` // "insert" or "delete"
	Pos   string `json:"pos"`
	Value string `json:"value,omitempty"`
}

type logootPayload struct {
	Ops []LogootOp `json:"ops"`
}

type logootState struct {
	ReplicaID string `json:"replicaId"`
	Atoms     []atom `json:"atoms"`
}

func NewLogoot(replicaID string) *Logoot {
	return &Logoot{replicaID: replicaID}
}

// NewLogootHandle is a Factory.
func NewLogootHandle(replicaID string) Handle {
	return NewLogoot(replicaID)
}

func (l *Logoot) ReplicaID() string {
	return l.replicaID
}

// Effect applies a mutation payload. The batch is atomic: every op is
// validated before the first one touches the replica, so a rejected
// payload leaves no partial state behind.
func (l *Logoot) Effect(payload []byte) error {
	var p logootPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode ops: %w", err)
	}
	for _, op := range p.Ops {
		switch op.Kind {
		case "insert":
			if op.Pos == "" {
				return fmt.Errorf("insert op missing position")
			}
		case "delete":
		default:
			return fmt.Errorf("unknown op kind %q", op.Kind)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, op := range p.Ops {
		if op.Kind == "insert" {
			l.insert(atom{Pos: op.Pos, Value: op.Value})
		} else {
			l.delete(op.Pos)
		}
	}
	return nil
}

func (l *Logoot) insert(a atom) {
	i := sort.Search(len(l.atoms), func(i int) bool { return l.atoms[i].Pos >= a.Pos })
	if i < len(l.atoms) && l.atoms[i].Pos == a.Pos {
		// Duplicate delivery of the same insert.
		return
	}
	l.atoms = append(l.atoms, atom{})
	copy(l.atoms[i+1:], l.atoms[i:])
	l.atoms[i] = a
}

func (l *Logoot) delete(pos string) {
	i := sort.Search(len(l.atoms), func(i int) bool { return l.atoms[i].Pos >= pos })
	if i < len(l.atoms) && l.atoms[i].Pos == pos {
		l.atoms = append(l.atoms[:i], l.atoms[i+1:]...)
	}
}

func (l *Logoot) Save() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := json.Marshal(logootState{ReplicaID: l.replicaID, Atoms: l.atoms})
	if err != nil {
		return nil, fmt.Errorf("serialize replica: %w", err)
	}
	return data, nil
}

func (l *Logoot) Load(data []byte) error {
	var state logootState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("deserialize replica: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.atoms = state.Atoms
	sort.Slice(l.atoms, func(i, j int) bool { return l.atoms[i].Pos < l.atoms[j].Pos })
	return nil
}

// Text returns the document content in position order.
func (l *Logoot) Text() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var b strings.Builder
	for _, a := range l.atoms {
		b.WriteString(a.Value)
	}
	return b.String()
}

// Positions returns the atom positions in order, for generating inserts
// relative to existing content.
func (l *Logoot) Positions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.atoms))
	for i, a := range l.atoms {
		out[i] = a.Pos
	}
	return out
}

const posAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Between returns a position string strictly between left and right in
// lexicographic order. Empty left means the start of the document, empty
// right means the end. Callers append their peer suffix for uniqueness.
// Preconditions: left < right when both are non-empty, and right must
// not be left extended by lowest digits only (no position fits below
// such a bound; generated positions never end in the lowest digit, so
// the case does not arise).
func Between(left, right string) string {
	base := len(posAlphabet)
	digit := func(s string, i int) int {
		if i >= len(s) {
			return 0
		}
		return strings.IndexByte(posAlphabet, s[i])
	}

	var b strings.Builder
	i := 0
	for {
		lo := digit(left, i)
		hi := base
		if i < len(right) {
			hi = strings.IndexByte(posAlphabet, right[i])
		}
		if lo == hi {
			// The prefix built so far matches both bounds. Once it has
			// outgrown left while still a strict prefix of right, it is
			// itself strictly between the two.
			if i > len(left) && i < len(right) {
				return b.String()
			}
			b.WriteByte(posAlphabet[lo])
			i++
			continue
		}
		if hi-lo > 1 {
			b.WriteByte(posAlphabet[(lo+hi)/2])
			return b.String()
		}
		// Adjacent digits: keep left's digit and extend past left,
		// ignoring right from here on (any extension stays below it).
		b.WriteByte(posAlphabet[lo])
		i++
		for {
			lo = digit(left, i)
			if base-lo > 1 {
				b.WriteByte(posAlphabet[(lo+base)/2])
				return b.String()
			}
			b.WriteByte(posAlphabet[lo])
			i++
		}
	}
}
