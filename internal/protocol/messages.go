// Package protocol defines the WebSocket message schema. Inbound frames are
// JSON objects discriminated by "type"; unknown discriminators are a protocol
// error, not a silent skip.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Error codes carried by the outbound error message.
const (
	CodeRoomFull            = "ROOM_FULL"
	CodePipelineError       = "PIPELINE_ERROR"
	CodeInvalidMessage      = "INVALID_MESSAGE"
	CodeUnsupportedLanguage = "UNSUPPORTED_LANGUAGE"
	CodeUnauthorized        = "UNAUTHORIZED" // reserved
)

// Inbound message types.
const (
	TypeJoin         = "join"
	TypeAudio        = "audio"
	TypeUtteranceEnd = "utterance_end"
	TypeLeave        = "leave"
	TypePing         = "ping"
)

// Outbound message types.
const (
	TypeJoined            = "joined"
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"
	TypeTranslation       = "translation"
	TypeError             = "error"
	TypePong              = "pong"
)

var validate = validator.New()

// Join is the first message a client must send.
type Join struct {
	RoomID   string `json:"room_id" validate:"required,len=6,room_code"`
	Language string `json:"language" validate:"required"`
	Name     string `json:"name" validate:"required,max=64"`
	// Capabilities are accepted for forward compatibility and ignored.
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
}

// Audio carries one base64-encoded Opus packet.
type Audio struct {
	Data      string `json:"data" validate:"required"`
	Timestamp int64  `json:"timestamp"`
}

// UtteranceEnd marks the end of the current utterance.
type UtteranceEnd struct {
	Timestamp int64 `json:"timestamp"`
}

// Inbound is the decoded form of one client frame. Exactly one payload field
// is set, matching Type.
type Inbound struct {
	Type         string
	Join         *Join
	Audio        *Audio
	UtteranceEnd *UtteranceEnd
}

type envelope struct {
	Type string `json:"type"`
}

func init() {
	// Room codes use an unambiguous base32-like alphabet.
	_ = validate.RegisterValidation("room_code", func(fl validator.FieldLevel) bool {
		code := fl.Field().String()
		for _, c := range code {
			if (c < 'A' || c > 'Z') && (c < '2' || c > '9') {
				return false
			}
		}
		return len(code) > 0
	})
}

// ParseInbound decodes and validates one client frame.
func ParseInbound(data []byte) (*Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	msg := &Inbound{Type: env.Type}
	switch env.Type {
	case TypeJoin:
		var j Join
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("malformed join: %w", err)
		}
		if err := validate.Struct(&j); err != nil {
			return nil, fmt.Errorf("invalid join: %w", err)
		}
		msg.Join = &j
	case TypeAudio:
		var a Audio
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("malformed audio: %w", err)
		}
		if err := validate.Struct(&a); err != nil {
			return nil, fmt.Errorf("invalid audio: %w", err)
		}
		msg.Audio = &a
	case TypeUtteranceEnd:
		var u UtteranceEnd
		if err := json.Unmarshal(data, &u); err != nil {
			return nil, fmt.Errorf("malformed utterance_end: %w", err)
		}
		msg.UtteranceEnd = &u
	case TypeLeave, TypePing:
		// No payload.
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
	return msg, nil
}

// ParticipantInfo is the roster entry shared in joined/participant_joined.
type ParticipantInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
}

// Joined acknowledges a successful join. Participants lists the OTHER
// members present at join time.
type Joined struct {
	Type          string            `json:"type"`
	RoomID        string            `json:"room_id"`
	ParticipantID string            `json:"participant_id"`
	Participants  []ParticipantInfo `json:"participants"`
}

// ParticipantJoined notifies existing members of a new arrival.
type ParticipantJoined struct {
	Type        string          `json:"type"`
	Participant ParticipantInfo `json:"participant"`
}

// ParticipantLeft notifies remaining members of a departure.
type ParticipantLeft struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
}

// Translation is the broadcast result of one utterance. Targets that failed
// to translate are simply absent from Translations.
type Translation struct {
	Type         string            `json:"type"`
	SpeakerID    string            `json:"speaker_id"`
	SpeakerName  string            `json:"speaker_name"`
	SourceLang   string            `json:"source_lang"`
	SourceText   string            `json:"source_text"`
	Translations map[string]string `json:"translations"`
	Timestamp    float64           `json:"timestamp"`
}

// Error is sent to a single client; it is never broadcast.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Pong answers a ping.
type Pong struct {
	Type string `json:"type"`
}

func NewJoined(roomID, participantID string, others []ParticipantInfo) Joined {
	if others == nil {
		others = []ParticipantInfo{}
	}
	return Joined{Type: TypeJoined, RoomID: roomID, ParticipantID: participantID, Participants: others}
}

func NewParticipantJoined(p ParticipantInfo) ParticipantJoined {
	return ParticipantJoined{Type: TypeParticipantJoined, Participant: p}
}

func NewParticipantLeft(id string) ParticipantLeft {
	return ParticipantLeft{Type: TypeParticipantLeft, ParticipantID: id}
}

func NewError(code, message string) Error {
	return Error{Type: TypeError, Code: code, Message: message}
}

func NewPong() Pong {
	return Pong{Type: TypePong}
}
