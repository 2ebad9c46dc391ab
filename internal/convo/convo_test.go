package convo

import (
	"context"
	"testing"
)

func TestScriptedWrapsByTurnIndex(t *testing.T) {
	core := NewScripted([]string{"one", "two"})
	cases := []struct {
		turn int
		want string
	}{
		{0, "one"},
		{1, "two"},
		{2, "one"},
		{5, "two"},
	}
	for _, tc := range cases {
		got, err := core.Respond(context.Background(), Request{TurnIndex: tc.turn, UserText: "hello"})
		if err != nil {
			t.Fatalf("Respond(turn %d) error = %v", tc.turn, err)
		}
		if got != tc.want {
			t.Fatalf("Respond(turn %d) = %q, want %q", tc.turn, got, tc.want)
		}
	}
}

func TestScriptedDeterministic(t *testing.T) {
	core := NewScripted([]string{"a", "b", "c"})
	first, _ := core.Respond(context.Background(), Request{TurnIndex: 1, UserText: "x"})
	second, _ := core.Respond(context.Background(), Request{TurnIndex: 1, UserText: "y"})
	if first != second {
		t.Fatalf("same turn index produced %q then %q", first, second)
	}
}

func TestScriptedOpenerUsesInstructions(t *testing.T) {
	core := NewScripted([]string{"scripted"})
	got, err := core.Respond(context.Background(), Request{
		TurnIndex:    0,
		Instructions: "Greet the caller warmly.",
	})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if got != "Greet the caller warmly." {
		t.Fatalf("opener reply = %q, want the instructed line", got)
	}
}

func TestScriptedEmptyListFallback(t *testing.T) {
	core := NewScripted(nil)
	got, err := core.Respond(context.Background(), Request{UserText: "hi"})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if got == "" {
		t.Fatalf("empty fallback reply")
	}
}
