package models

import "testing"

func TestMessage_IsToolCallOnly(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		want bool
	}{
		{"plain user text", Message{Role: RoleUser, Content: "hi"}, false},
		{"assistant with text", Message{Role: RoleAssistant, Content: "hi"}, false},
		{"assistant tool-call only", Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1"}}}, true},
		{"assistant tool-call with text", Message{Role: RoleAssistant, Content: "ok", ToolCalls: []ToolCall{{ID: "c1"}}}, false},
		{"tool message", Message{Role: RoleTool, Content: "result", ToolCallID: "c1"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.msg.IsToolCallOnly(); got != tc.want {
				t.Errorf("IsToolCallOnly() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMessage_Clone_Independence(t *testing.T) {
	orig := Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1"}}}
	clone := orig.Clone()
	clone.ToolCalls[0].ID = "mutated"

	if orig.ToolCalls[0].ID != "c1" {
		t.Fatalf("mutating clone affected original: %+v", orig.ToolCalls)
	}
}

func TestMessage_HasToolCalls(t *testing.T) {
	if (Message{}).HasToolCalls() {
		t.Fatal("empty message should report no tool calls")
	}
	if !(Message{ToolCalls: []ToolCall{{ID: "c1"}}}).HasToolCalls() {
		t.Fatal("message with a tool call should report HasToolCalls true")
	}
}
