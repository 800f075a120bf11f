package protocol

import (
	"github.com/pairline/pairline/presence"
)

// PresenceJoined announces a user who finished onboarding.
type PresenceJoined struct {
	ID       string          `json:"id"`
	Nickname string          `json:"nickname"`
	Gender   presence.Gender `json:"gender"`
	Country  string          `json:"country,omitempty"`
}

func (PresenceJoined) FrameType() Type { return TypePresenceJoined }

// Joined builds the announcement for s.
func Joined(s presence.Session) PresenceJoined {
	return PresenceJoined{ID: s.ID, Nickname: s.Nickname, Gender: s.Gender, Country: s.Country}
}

// PresenceLeft announces a disconnect.
type PresenceLeft struct {
	ID string `json:"id"`
}

func (PresenceLeft) FrameType() Type { return TypePresenceLeft }

// Matched tells a connection who it was paired with.
type Matched struct {
	Peer presence.PublicProfile `json:"peer"`
}

func (Matched) FrameType() Type { return TypeMatched }

// Queued acknowledges that no peer was available yet.
type Queued struct{}

func (Queued) FrameType() Type { return TypeQueued }

// ChatMessage is a relayed chat line. Timestamp is Unix milliseconds.
type ChatMessage struct {
	SenderID  string `json:"senderId"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

func (ChatMessage) FrameType() Type { return TypeMessage }

// TypingState is a relayed typing indicator.
type TypingState struct {
	SenderID string `json:"senderId"`
	IsTyping bool   `json:"isTyping"`
}

func (TypingState) FrameType() Type { return TypeTyping }

// PartnerLeft tells a paired connection that its peer is gone.
type PartnerLeft struct {
	ID string `json:"id"`
}

func (PartnerLeft) FrameType() Type { return TypePartnerLeft }

// PresenceList answers ListPresence.
type PresenceList struct {
	Users []presence.PublicProfile `json:"users"`
}

func (PresenceList) FrameType() Type { return TypePresenceList }

// SessionInfo answers ProfileSubmit with the stored profile.
type SessionInfo struct {
	Session presence.PublicProfile `json:"session"`
}

func (SessionInfo) FrameType() Type { return TypeSession }

// Denied reports a validation or rate-limit rejection. Nothing changed.
type Denied struct {
	Op           Type   `json:"op"`
	Reason       string `json:"reason"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

func (Denied) FrameType() Type { return TypeDenied }

// Error reports a failed operation. Retryable is set for transient store or
// relay failures.
type Error struct {
	Op        Type   `json:"op,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (Error) FrameType() Type { return TypeError }
