package chatenvelope

import "testing"

func TestNormalizeRootShape(t *testing.T) {
	env, err := Normalize(map[string]any{
		"conversation_id": "C1",
		"content":         "<b>hola</b> mundo",
		"message_type":    float64(0),
		"contact":         map[string]any{"name": "Ana", "email": "ana@example.com"},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if env.ConversationID != "C1" {
		t.Fatalf("expected conversation id C1, got %q", env.ConversationID)
	}
	if env.MessageText != "hola mundo" {
		t.Fatalf("expected stripped text, got %q", env.MessageText)
	}
	if env.MessageType != MessageIncoming {
		t.Fatalf("expected incoming, got %q", env.MessageType)
	}
	if env.Contact.Email != "ana@example.com" {
		t.Fatalf("expected contact email, got %q", env.Contact.Email)
	}
}

func TestNormalizeMessageShape(t *testing.T) {
	env, err := Normalize(map[string]any{
		"conversation": map[string]any{"id": "C2"},
		"message": map[string]any{
			"content":      "hola",
			"message_type": "outgoing",
		},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if env.ConversationID != "C2" {
		t.Fatalf("expected conversation id C2, got %q", env.ConversationID)
	}
	if env.MessageType != MessageOutgoing {
		t.Fatalf("expected outgoing, got %q", env.MessageType)
	}
}

func TestNormalizeDataMessageShape(t *testing.T) {
	env, err := Normalize(map[string]any{
		"data": map[string]any{
			"message": map[string]any{
				"conversation_id": "C3",
				"content":         "pedido",
			},
		},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if env.ConversationID != "C3" {
		t.Fatalf("expected conversation id C3, got %q", env.ConversationID)
	}
}

func TestNormalizeMissingConversationID(t *testing.T) {
	if _, err := Normalize(map[string]any{"content": "hola"}); err != ErrMissingConversationID {
		t.Fatalf("expected ErrMissingConversationID, got %v", err)
	}
}
