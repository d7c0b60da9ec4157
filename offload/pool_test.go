/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package offload

import "testing"

func TestPoolPickRoundRobinsAcrossMembers(t *testing.T) {
	p := &Pool{members: []*Client{{id: "a"}, {id: "b"}, {id: "c"}}}

	var got []string
	for i := 0; i < 7; i++ {
		got = append(got, p.pick().id)
	}
	want := []string{"a", "b", "c", "a", "b", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("at i=%d: got %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestNewPoolRejectsNonPositiveSize(t *testing.T) {
	if _, err := NewPool(Config{}, 0); err == nil {
		t.Fatal("expected an error for n <= 0")
	}
}

func TestNewPoolRejectsMissingCommand(t *testing.T) {
	if _, err := NewPool(Config{}, 2); err == nil {
		t.Fatal("expected an error when Config.Command is nil")
	}
}
