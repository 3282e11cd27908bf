package replica

import (
	"encoding/json"
	"testing"
)

func mustPayload(t *testing.T, ops ...LogootOp) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{"ops": ops})
	if err != nil {
		t.Fatalf("marshal ops: %v", err)
	}
	return data
}

func TestEffectInsertAndDelete(t *testing.T) {
	l := NewLogoot("r1")

	err := l.Effect(mustPayload(t,
		LogootOp{Kind: "insert", Pos: "i.r2", Value: "h"},
		LogootOp{Kind: "insert", Pos: "r.r2", Value: "i"},
	))
	if err != nil {
		t.Fatalf("Effect() error = %v", err)
	}
	if got := l.Text(); got != "hi" {
		t.Fatalf("Text() = %q, want %q", got, "hi")
	}

	if err := l.Effect(mustPayload(t, LogootOp{Kind: "delete", Pos: "i.r2"})); err != nil {
		t.Fatalf("Effect(delete) error = %v", err)
	}
	if got := l.Text(); got != "i" {
		t.Fatalf("Text() after delete = %q, want %q", got, "i")
	}

	// Deleting an absent atom is a no-op.
	if err := l.Effect(mustPayload(t, LogootOp{Kind: "delete", Pos: "i.r2"})); err != nil {
		t.Fatalf("Effect(repeat delete) error = %v", err)
	}
	if got := l.Text(); got != "i" {
		t.Fatalf("Text() after repeat delete = %q", got)
	}
}

func TestEffectDuplicateInsertIsIdempotent(t *testing.T) {
	l := NewLogoot("r1")
	op := mustPayload(t, LogootOp{Kind: "insert", Pos: "i.r2", Value: "x"})
	if err := l.Effect(op); err != nil {
		t.Fatalf("Effect() error = %v", err)
	}
	if err := l.Effect(op); err != nil {
		t.Fatalf("Effect(duplicate) error = %v", err)
	}
	if got := l.Text(); got != "x" {
		t.Fatalf("Text() = %q, want %q", got, "x")
	}
}

func TestEffectRejectsMalformedPayload(t *testing.T) {
	l := NewLogoot("r1")
	if err := l.Effect([]byte("{not json")); err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if err := l.Effect(mustPayload(t, LogootOp{Kind: "rotate", Pos: "a"})); err == nil {
		t.Fatal("expected error for unknown op kind")
	}
}

func TestEffectRejectedBatchAppliesNothing(t *testing.T) {
	// A batch whose later op is invalid must not leave the earlier ops
	// applied: the replica would hold content no peer was ever sent.
	l := NewLogoot("r1")

	err := l.Effect(mustPayload(t,
		LogootOp{Kind: "insert", Pos: "i.r2", Value: "h"},
		LogootOp{Kind: "rotate"},
	))
	if err == nil {
		t.Fatal("expected error for batch with unknown op kind")
	}
	if got := l.Text(); got != "" {
		t.Fatalf("Text() after rejected batch = %q, want empty", got)
	}

	if err := l.Effect(mustPayload(t, LogootOp{Kind: "insert", Pos: "a.r2", Value: "x"})); err != nil {
		t.Fatalf("Effect() error = %v", err)
	}
	err = l.Effect(mustPayload(t,
		LogootOp{Kind: "delete", Pos: "a.r2"},
		LogootOp{Kind: "insert", Value: "b"}, // missing position
	))
	if err == nil {
		t.Fatal("expected error for insert without position")
	}
	if got := l.Text(); got != "x" {
		t.Fatalf("Text() after rejected batch = %q, want %q", got, "x")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	l := NewLogoot("r1")
	if err := l.Effect(mustPayload(t,
		LogootOp{Kind: "insert", Pos: "a.r1", Value: "g"},
		LogootOp{Kind: "insert", Pos: "b.r1", Value: "o"},
	)); err != nil {
		t.Fatalf("Effect() error = %v", err)
	}

	data, err := l.Save()
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	restored := NewLogoot("r2")
	if err := restored.Load(data); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := restored.Text(); got != "go" {
		t.Fatalf("Text() after round trip = %q, want %q", got, "go")
	}
	if restored.ReplicaID() != "r2" {
		t.Fatalf("ReplicaID() = %q, want r2", restored.ReplicaID())
	}
}

func TestBetweenOrders(t *testing.T) {
	cases := []struct {
		left, right string
	}{
		{"", ""},
		{"", "i"},
		{"i", ""},
		{"a", "b"},
		{"a", "a1"},
		{"az", "b"},
		{"5", "6"},
		{"", "1"},
		{"", "01"},
		{"", "00"},
		{"0", "001"},
		{"a", "a00"},
		{"ab", "ab00c"},
	}
	for _, tc := range cases {
		got := Between(tc.left, tc.right)
		if got == "" {
			t.Fatalf("Between(%q, %q) returned empty", tc.left, tc.right)
		}
		if tc.left != "" && got <= tc.left {
			t.Fatalf("Between(%q, %q) = %q, not greater than left", tc.left, tc.right, got)
		}
		if tc.right != "" && got >= tc.right {
			t.Fatalf("Between(%q, %q) = %q, not less than right", tc.left, tc.right, got)
		}
	}
}

func TestBetweenSequentialInserts(t *testing.T) {
	// Repeatedly inserting at the front keeps producing smaller positions.
	right := ""
	for i := 0; i < 50; i++ {
		pos := Between("", right)
		if right != "" && pos >= right {
			t.Fatalf("iteration %d: Between produced %q >= %q", i, pos, right)
		}
		right = pos
	}
}
