package protocol

import (
	"github.com/pairline/pairline/matching"
	"github.com/pairline/pairline/presence"
)

// ProfileSubmit completes onboarding, or updates the profile afterwards.
type ProfileSubmit struct {
	Nickname      string                `json:"nickname"`
	Gender        presence.Gender       `json:"gender"`
	Country       string                `json:"country,omitempty"`
	State         string                `json:"state,omitempty"`
	Scope         matching.Scope        `json:"scope,omitempty"`
	DesiredGender matching.GenderFilter `json:"desiredGender,omitempty"`
}

func (*ProfileSubmit) FrameType() Type { return TypeProfileSubmit }

func (m *ProfileSubmit) Validate() error {
	if _, err := NormalizeProfile(m.Profile()); err != nil {
		return err
	}
	return validateDesired(m.DesiredGender)
}

// Profile converts the submission into a registry profile.
func (m *ProfileSubmit) Profile() presence.Profile {
	return presence.Profile{
		Nickname: m.Nickname,
		Gender:   m.Gender,
		Country:  m.Country,
		Region:   m.State,
		Scope:    string(m.Scope),
	}
}

// MatchIntent asks to be paired. It may carry the same profile fields as
// ProfileSubmit, in which case the profile is written before matching.
type MatchIntent struct {
	Nickname      string                `json:"nickname,omitempty"`
	Gender        presence.Gender       `json:"gender,omitempty"`
	Country       string                `json:"country,omitempty"`
	State         string                `json:"state,omitempty"`
	Scope         matching.Scope        `json:"scope,omitempty"`
	DesiredGender matching.GenderFilter `json:"desiredGender,omitempty"`
}

func (*MatchIntent) FrameType() Type { return TypeMatchIntent }

func (m *MatchIntent) Validate() error {
	if p := m.Profile(); p != nil {
		if _, err := NormalizeProfile(*p); err != nil {
			return err
		}
	} else if _, err := NormalizeCountry(m.Country); err != nil {
		return err
	}
	if err := validateScope(m.Scope); err != nil {
		return err
	}
	return validateDesired(m.DesiredGender)
}

// Profile returns the embedded profile, or nil when the intent carries no
// nickname.
func (m *MatchIntent) Profile() *presence.Profile {
	if m.Nickname == "" && m.Gender == "" {
		return nil
	}
	return &presence.Profile{
		Nickname: m.Nickname,
		Gender:   m.Gender,
		Country:  m.Country,
		Region:   m.State,
		Scope:    string(m.Scope),
	}
}

// Leave ends the current conversation or withdraws from the queue.
type Leave struct{}

func (*Leave) FrameType() Type { return TypeLeave }
func (*Leave) Validate() error { return nil }

// Message is a chat line for the current peer.
type Message struct {
	PeerID string `json:"peerId"`
	Text   string `json:"text"`
}

func (*Message) FrameType() Type { return TypeMessage }

func (m *Message) Validate() error {
	if err := validatePeer(m.PeerID); err != nil {
		return err
	}
	_, err := NormalizeText(m.Text)
	return err
}

// Typing toggles the typing indicator shown to the peer.
type Typing struct {
	PeerID   string `json:"peerId"`
	IsTyping bool   `json:"isTyping"`
}

func (*Typing) FrameType() Type { return TypeTyping }
func (m *Typing) Validate() error { return validatePeer(m.PeerID) }

// ListPresence asks for the users currently online.
type ListPresence struct{}

func (*ListPresence) FrameType() Type { return TypeListPresence }
func (*ListPresence) Validate() error { return nil }
