package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageJSON(t *testing.T) {
	t.Run("should encode assistant tool calls with null content", func(t *testing.T) {
		msg := Assistant("", ToolCall{
			ID:       "call_1",
			Type:     "function",
			Function: FunctionCall{Name: "exec", Arguments: `{"command":"ls"}`},
		})

		data, err := json.Marshal(msg)
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"role": "assistant",
			"content": null,
			"tool_calls": [{"id":"call_1","type":"function","function":{"name":"exec","arguments":"{\"command\":\"ls\"}"}}]
		}`, string(data))
	})

	t.Run("should encode tool results with call id and name", func(t *testing.T) {
		data, err := json.Marshal(ToolResult("call_1", "exec", "ok"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"role":"tool","content":"ok","tool_call_id":"call_1","name":"exec"}`, string(data))
	})

	t.Run("should encode user images as content parts", func(t *testing.T) {
		data, err := json.Marshal(User("what is this", "data:image/png;base64,AAA"))
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"role": "user",
			"content": [
				{"type":"text","text":"what is this"},
				{"type":"image_url","image_url":{"url":"data:image/png;base64,AAA"}}
			]
		}`, string(data))

		var decoded Message
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, "what is this", decoded.Content)
		assert.Equal(t, []string{"data:image/png;base64,AAA"}, decoded.Images)
	})

	t.Run("should decode upstream assistant message", func(t *testing.T) {
		var msg Message
		err := json.Unmarshal([]byte(`{"role":"assistant","content":null,"tool_calls":[{"id":"c","type":"function","function":{"name":"process","arguments":"{}"}}]}`), &msg)
		require.NoError(t, err)

		assert.Equal(t, RoleAssistant, msg.Role)
		assert.Empty(t, msg.Content)
		assert.True(t, msg.HasToolCalls())
		assert.NoError(t, msg.Validate())
	})

	t.Run("should reject records without a role", func(t *testing.T) {
		var msg Message
		assert.ErrorIs(t, json.Unmarshal([]byte(`{"content":"hi"}`), &msg), ErrInvalidMessage)
	})
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{name: "system", msg: System("be brief")},
		{name: "user with image", msg: User("hi", "http://x/y.png")},
		{name: "assistant text", msg: Assistant("hello")},
		{name: "tool result", msg: ToolResult("c1", "exec", "done")},
		{name: "tool without call id", msg: Message{Role: RoleTool, Content: "x"}, wantErr: true},
		{name: "system with tool calls", msg: Message{Role: RoleSystem, ToolCalls: []ToolCall{{ID: "a"}}}, wantErr: true},
		{name: "assistant call without name", msg: Assistant("", ToolCall{ID: "a"}), wantErr: true},
		{name: "unknown role", msg: Message{Role: "narrator"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMessage)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
