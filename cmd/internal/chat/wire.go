package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire records: the JSON shapes stored at RemoteStore paths.
//
// Snapshot payloads are arrays for collection paths (sessions, messages,
// cursors) and single records otherwise. Patch payloads are single-record
// upserts, except message patches which distinguish puts from edits.

// SessionRecord is the stored shape of one conversation index entry.
// Name/Avatar are the raw stored values and may be stale for DMs; the
// session list re-derives display fields from live profiles.
type SessionRecord struct {
	ID             string      `json:"id"`
	Kind           SessionKind `json:"kind"`
	ParticipantIDs []string    `json:"participant_ids"`
	Name           string      `json:"name,omitempty"`
	Avatar         string      `json:"avatar,omitempty"`
	LastPreview    string      `json:"last_preview,omitempty"`
	LastMessageAt  time.Time   `json:"last_message_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ProfileRecord is the stored shape of a user profile (directory entry).
type ProfileRecord struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// MessageRecord is the stored shape of one message.
type MessageRecord struct {
	ID             string      `json:"id,omitempty"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Nonce          string      `json:"nonce"`
	Kind           MessageKind `json:"kind"`
	Text           string      `json:"text,omitempty"`
	MediaURL       string      `json:"media_url,omitempty"`
	ReplyToID      string      `json:"reply_to_id,omitempty"`
	SentAt         time.Time   `json:"sent_at"`
	Reactions      []Reaction  `json:"reactions,omitempty"`
}

// Message converts the wire record to the domain type with the given
// delivery state.
func (r MessageRecord) Message(state DeliveryState) Message {
	return Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Nonce:          r.Nonce,
		Kind:           r.Kind,
		Text:           r.Text,
		MediaURL:       r.MediaURL,
		ReplyToID:      r.ReplyToID,
		SentAt:         r.SentAt,
		Reactions:      append([]Reaction(nil), r.Reactions...),
		Delivery:       state,
	}
}

// MessagePatch is an incremental change against an existing message by id:
// reactions and edits. A patch for an id not seen yet is buffered by the
// merger and reapplied once the base message arrives.
type MessagePatch struct {
	ID              string     `json:"id"`
	AddReactions    []Reaction `json:"add_reactions,omitempty"`
	RemoveReactions []Reaction `json:"remove_reactions,omitempty"`
	SetText         *string    `json:"set_text,omitempty"`
}

// MessageEvent is the patch payload on a messages subscription: either a
// full-record put (new or replaced message) or a patch against an existing
// one. Exactly one field is set.
type MessageEvent struct {
	Put   *MessageRecord `json:"put,omitempty"`
	Patch *MessagePatch  `json:"patch,omitempty"`
}

// CursorRecord is the stored shape of one read cursor.
type CursorRecord struct {
	UserID            string    `json:"user_id"`
	LastReadMessageID string    `json:"last_read_message_id,omitempty"`
	LastReadAt        time.Time `json:"last_read_at"`
}

// PresenceRecord is the stored shape of a presence entry.
type PresenceRecord struct {
	UserID     string    `json:"user_id"`
	Online     bool      `json:"online"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// ---- decode helpers ----

func decodeMessageSnapshot(data json.RawMessage) ([]MessageRecord, error) {
	var recs []MessageRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode message snapshot: %w", err)
	}
	return recs, nil
}

func decodeMessageEvent(data json.RawMessage) (MessageEvent, error) {
	var ev MessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return MessageEvent{}, fmt.Errorf("decode message event: %w", err)
	}
	if ev.Put == nil && ev.Patch == nil {
		return MessageEvent{}, fmt.Errorf("decode message event: empty event")
	}
	return ev, nil
}

func decodeSessionSnapshot(data json.RawMessage) ([]SessionRecord, error) {
	var recs []SessionRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode session snapshot: %w", err)
	}
	return recs, nil
}

func decodeSessionPatch(data json.RawMessage) (SessionRecord, error) {
	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return SessionRecord{}, fmt.Errorf("decode session patch: %w", err)
	}
	return rec, nil
}

func decodeProfile(data json.RawMessage) (ProfileRecord, error) {
	var rec ProfileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ProfileRecord{}, fmt.Errorf("decode profile: %w", err)
	}
	return rec, nil
}

func decodeCursorSnapshot(data json.RawMessage) ([]CursorRecord, error) {
	var recs []CursorRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode cursor snapshot: %w", err)
	}
	return recs, nil
}

func decodeCursorPatch(data json.RawMessage) (CursorRecord, error) {
	var rec CursorRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return CursorRecord{}, fmt.Errorf("decode cursor patch: %w", err)
	}
	return rec, nil
}

func decodePresence(data json.RawMessage) (PresenceRecord, error) {
	var rec PresenceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return PresenceRecord{}, fmt.Errorf("decode presence: %w", err)
	}
	return rec, nil
}
