package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/pairline/pairline/matching"
	"github.com/pairline/pairline/presence"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    Type
		wantErr error
	}{
		{name: "profile", frame: `{"type":"profileSubmit","data":{"nickname":"ann","gender":"female","country":"us","state":"CA","scope":"local","desiredGender":"male"}}`, want: TypeProfileSubmit},
		{name: "match intent without profile", frame: `{"type":"matchIntent","data":{"desiredGender":"all"}}`, want: TypeMatchIntent},
		{name: "leave without data", frame: `{"type":"leave"}`, want: TypeLeave},
		{name: "list presence with null data", frame: `{"type":"listPresence","data":null}`, want: TypeListPresence},
		{name: "message", frame: `{"type":"message","data":{"peerId":"p","text":"hi"}}`, want: TypeMessage},
		{name: "typing", frame: `{"type":"typing","data":{"peerId":"p","isTyping":true}}`, want: TypeTyping},
		{name: "unknown type", frame: `{"type":"shout","data":{}}`, wantErr: ErrUnknownType},
		{name: "outbound type is not inbound", frame: `{"type":"matched","data":{}}`, wantErr: ErrUnknownType},
		{name: "missing type", frame: `{"data":{}}`, wantErr: ErrMalformed},
		{name: "unknown envelope field", frame: `{"type":"leave","extra":1}`, wantErr: ErrMalformed},
		{name: "unknown body field", frame: `{"type":"message","data":{"peerId":"p","text":"hi","html":"<b>"}}`, wantErr: ErrMalformed},
		{name: "wrong field type", frame: `{"type":"typing","data":{"peerId":"p","isTyping":"yes"}}`, wantErr: ErrMalformed},
		{name: "trailing data", frame: `{"type":"leave"} {"type":"leave"}`, wantErr: ErrMalformed},
		{name: "not json", frame: `hello`, wantErr: ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.frame))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.FrameType() != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got.FrameType())
			}
		})
	}
}

func TestDecodeProfileSubmitFields(t *testing.T) {
	in, err := Decode([]byte(`{"type":"profileSubmit","data":{"nickname":" ann ","gender":"female","country":"us","state":"CA","scope":"local"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ps := in.(*ProfileSubmit)
	p, err := NormalizeProfile(ps.Profile())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := presence.Profile{Nickname: "ann", Gender: presence.GenderFemale, Country: "US", Region: "CA", Scope: "local"}
	if p != want {
		t.Fatalf("expected %+v, got %+v", want, p)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *ProfileSubmit {
		return &ProfileSubmit{Nickname: "ann", Gender: presence.GenderFemale, Country: "US"}
	}

	tests := []struct {
		name  string
		in    Inbound
		field string
	}{
		{name: "empty nickname", in: &ProfileSubmit{Nickname: "   ", Gender: presence.GenderMale}, field: "nickname"},
		{name: "long nickname", in: &ProfileSubmit{Nickname: strings.Repeat("é", MaxNicknameRunes+1), Gender: presence.GenderMale}, field: "nickname"},
		{name: "bad gender", in: &ProfileSubmit{Nickname: "a", Gender: "robot"}, field: "gender"},
		{name: "three letter country", in: &ProfileSubmit{Nickname: "a", Gender: presence.GenderMale, Country: "USA"}, field: "country"},
		{name: "digit country", in: &ProfileSubmit{Nickname: "a", Gender: presence.GenderMale, Country: "U1"}, field: "country"},
		{name: "long region", in: &ProfileSubmit{Nickname: "a", Gender: presence.GenderMale, State: strings.Repeat("x", MaxRegionRunes+1)}, field: "state"},
		{name: "bad scope", in: &ProfileSubmit{Nickname: "a", Gender: presence.GenderMale, Scope: "planet"}, field: "scope"},
		{name: "bad desired", in: &ProfileSubmit{Nickname: "a", Gender: presence.GenderMale, DesiredGender: "any"}, field: "desiredGender"},
		{name: "intent bad desired", in: &MatchIntent{DesiredGender: "everyone"}, field: "desiredGender"},
		{name: "intent partial profile", in: &MatchIntent{Gender: presence.GenderMale}, field: "nickname"},
		{name: "intent bad country", in: &MatchIntent{Country: "xyz"}, field: "country"},
		{name: "blank message", in: &Message{PeerID: "p", Text: " \n\t "}, field: "text"},
		{name: "long message", in: &Message{PeerID: "p", Text: strings.Repeat("ü", MaxMessageRunes+1)}, field: "text"},
		{name: "message without peer", in: &Message{Text: "hi"}, field: "peerId"},
		{name: "typing without peer", in: &Typing{IsTyping: true}, field: "peerId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("expected field %q, got %v", tt.field, err)
			}
		})
	}

	for _, ok := range []Inbound{
		valid(),
		&MatchIntent{},
		&MatchIntent{Nickname: "bo", Gender: presence.GenderMale, Scope: matching.ScopeLocal, Country: "de", DesiredGender: matching.WantAll},
		&Message{PeerID: "p", Text: strings.Repeat("ü", MaxMessageRunes)},
		&Typing{PeerID: "p"},
		&Leave{},
		&ListPresence{},
	} {
		if err := ok.Validate(); err != nil {
			t.Fatalf("%s: unexpected error %v", ok.FrameType(), err)
		}
	}
}

func TestNormalizeText(t *testing.T) {
	got, err := NormalizeText("  hello there \n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hello there" {
		t.Fatalf("expected trimmed text, got %q", got)
	}
}

func TestEncode(t *testing.T) {
	data, err := Encode(Matched{Peer: presence.PublicProfile{ID: "u1", Nickname: "ann", Gender: presence.GenderFemale, Country: "US"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var decoded struct {
		Type Type `json:"type"`
		Data struct {
			Peer presence.PublicProfile `json:"peer"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != TypeMatched || decoded.Data.Peer.ID != "u1" {
		t.Fatalf("unexpected frame %s", data)
	}
}

func TestEncodeEmptyBodies(t *testing.T) {
	data, err := Encode(Queued{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data) != `{"type":"queued","data":{}}` {
		t.Fatalf("unexpected frame %s", data)
	}
}
