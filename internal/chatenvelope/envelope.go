// Package chatenvelope normalises the chat platform's webhook payloads
// into the single envelope shape the rest of the processor depends on.
package chatenvelope

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// MessageType mirrors spec.md §3's messageType enum.
type MessageType string

const (
	MessageIncoming MessageType = "incoming"
	MessageOutgoing MessageType = "outgoing"
	MessageActivity MessageType = "activity"
)

// Contact carries the optional identity fields used by Governor's
// blacklist check and by flow handlers.
type Contact struct {
	Name  string
	Phone string
	Email string
}

// Envelope is the normalised webhook shape described in spec.md §3.
type Envelope struct {
	Event          string
	MessageID      string
	ConversationID string
	AccountID      string
	InboxID        string
	InboxName      string
	MessageType    MessageType
	IsPrivate      bool
	MessageText    string
	Contact        Contact
}

// ErrMissingConversationID reports the terminal invalidity invariant from
// spec.md §3: "once conversationId is null, the envelope is terminally
// invalid".
var ErrMissingConversationID = errors.New("chatenvelope: missing conversationId")

var tagRE = regexp.MustCompile(`<[^>]*>`)

// Normalize accepts any of the three on-the-wire shapes spec.md §6
// documents (payload at the root, payload under "message", payload under
// "data.message") plus the global-webhook shape (content+id at the root)
// and produces a single Envelope.
func Normalize(raw map[string]any) (Envelope, error) {
	body := unwrap(raw)

	env := Envelope{
		Event:          stringField(body, "event"),
		MessageID:      firstString(body, "id", "message_id", "messageId"),
		ConversationID: firstString(body, "conversation_id", "conversationId"),
		AccountID:      firstString(body, "account_id", "accountId"),
		InboxID:        firstString(body, "inbox_id", "inboxId"),
		InboxName:      firstString(body, "inbox_name", "inboxName"),
		IsPrivate:      boolField(body, "private"),
	}

	if env.ConversationID == "" {
		if conv, ok := body["conversation"].(map[string]any); ok {
			env.ConversationID = firstString(conv, "id", "conversation_id")
			if env.InboxID == "" {
				if inbox, ok := conv["inbox_id"]; ok {
					env.InboxID = toString(inbox)
				}
			}
		}
	}
	if env.ConversationID == "" {
		return Envelope{}, ErrMissingConversationID
	}

	env.MessageType = normalizeMessageType(body["message_type"])

	content := firstString(body, "content", "text")
	env.MessageText = strings.TrimSpace(stripHTML(content))

	env.Contact = extractContact(body)

	return env, nil
}

// unwrap picks the payload out of whichever shape it was nested under:
// root, "message", or "data.message". The global-webhook shape is
// detected by the presence of both "content" and "id" at the root, in
// which case the root itself is already the payload.
func unwrap(raw map[string]any) map[string]any {
	if raw == nil {
		return map[string]any{}
	}
	if _, hasContent := raw["content"]; hasContent {
		if _, hasID := raw["id"]; hasID {
			return raw
		}
	}
	if data, ok := raw["data"].(map[string]any); ok {
		if msg, ok := data["message"].(map[string]any); ok {
			merged := mergeUp(raw, msg)
			return merged
		}
	}
	if msg, ok := raw["message"].(map[string]any); ok {
		return mergeUp(raw, msg)
	}
	return raw
}

// mergeUp overlays the nested message payload on top of envelope-level
// fields (conversation/account/inbox) so normalisation can read both from
// one map without the caller needing to know which shape arrived.
func mergeUp(outer, inner map[string]any) map[string]any {
	merged := make(map[string]any, len(outer)+len(inner))
	for k, v := range outer {
		merged[k] = v
	}
	for k, v := range inner {
		merged[k] = v
	}
	return merged
}

// normalizeMessageType maps the observed wire encodings (integer 1 or the
// string "outgoing" for outgoing, integer 2 or the string "activity" for
// activity) onto the typed enum; anything else defaults to
// incoming, the conservative choice since Governor treats outgoing as a
// skip reason and an unrecognised value should not silently bypass it.
func normalizeMessageType(raw any) MessageType {
	switch v := raw.(type) {
	case float64:
		if v == 1 {
			return MessageOutgoing
		}
		if v == 2 {
			return MessageActivity
		}
		return MessageIncoming
	case int:
		if v == 1 {
			return MessageOutgoing
		}
		if v == 2 {
			return MessageActivity
		}
		return MessageIncoming
	case string:
		switch strings.ToLower(v) {
		case "outgoing", "1":
			return MessageOutgoing
		case "activity", "2":
			return MessageActivity
		default:
			return MessageIncoming
		}
	default:
		return MessageIncoming
	}
}

func extractContact(body map[string]any) Contact {
	raw, ok := body["contact"].(map[string]any)
	if !ok {
		// Some shapes hang the contact off the conversation's sender.
		if sender, ok := body["sender"].(map[string]any); ok {
			raw = sender
		}
	}
	if raw == nil {
		return Contact{}
	}
	return Contact{
		Name:  stringField(raw, "name"),
		Phone: firstString(raw, "phone_number", "phone"),
		Email: stringField(raw, "email"),
	}
}

func stripHTML(s string) string {
	if s == "" {
		return s
	}
	without := tagRE.ReplaceAllString(s, "")
	without = strings.ReplaceAll(without, "&nbsp;", " ")
	without = strings.ReplaceAll(without, "&amp;", "&")
	return without
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	return toString(m[key])
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v := stringField(m, key); v != "" {
			return v
		}
	}
	return ""
}

func boolField(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
