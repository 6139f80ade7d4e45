package websocket

import (
	"encoding/json"

	"github.com/stemsi/exstem-interview/internal/model"
)

// MessageType names a frame on the device link.
type MessageType string

// Frame is the single envelope used in both directions. ID correlates a
// command with its reply.
type Frame struct {
	Type MessageType     `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ─── Device → Host ──────────────────────────────────────────────────

const (
	TypeHello      MessageType = "hello"
	TypeReply      MessageType = "reply"
	TypeTranscript MessageType = "transcript"
	TypeAudioData  MessageType = "audio.data"
	TypeSpeechEnd  MessageType = "speech.end"
	TypeVisibility MessageType = "visibility"
	TypeFocus      MessageType = "focus"
	TypeFullscreen MessageType = "fullscreen"
)

// Capabilities are announced by the device in its hello frame.
type Capabilities struct {
	SpeechRecognition bool `json:"speechRecognition"`
	SpeechSynthesis   bool `json:"speechSynthesis"`
	Camera            bool `json:"camera"`
}

type HelloData struct {
	Capabilities Capabilities `json:"capabilities"`
	UserAgent    string       `json:"userAgent,omitempty"`
	Fullscreen   bool         `json:"fullscreen"`
}

// ReplyData answers a command. An empty Error means success.
type ReplyData struct {
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// TranscriptData carries the full recognized text of the current
// utterance, not a delta.
type TranscriptData struct {
	Text string `json:"text"`
}

// AudioData carries the base64 encoded recording, sent after audio.stop.
type AudioData struct {
	Payload string `json:"payload"`
}

type SpeechEndData struct {
	SpeechID string `json:"speechId"`
	Error    string `json:"error,omitempty"`
}

type VisibilityData struct {
	Hidden bool `json:"hidden"`
}

type FocusData struct {
	Focused bool `json:"focused"`
}

type FullscreenData struct {
	Active bool `json:"active"`
}

// ─── Host → Device ──────────────────────────────────────────────────

const (
	TypeCameraAcquire     MessageType = "camera.acquire"
	TypeCameraStop        MessageType = "camera.stop"
	TypeFullscreenRequest MessageType = "fullscreen.request"
	TypeFullscreenExit    MessageType = "fullscreen.exit"
	TypeSpeechSpeak       MessageType = "speech.speak"
	TypeSpeechCancel      MessageType = "speech.cancel"
	TypeRecognitionStart  MessageType = "recognition.start"
	TypeRecognitionStop   MessageType = "recognition.stop"
	TypeAudioStart        MessageType = "audio.start"
	TypeAudioStop         MessageType = "audio.stop"
	TypeAttentionSample   MessageType = "attention.sample"
	TypeSessionState      MessageType = "session.state"
	TypeError             MessageType = "error"
)

type CameraAcquireData struct {
	IdealWidth  int `json:"idealWidth"`
	IdealHeight int `json:"idealHeight"`
}

type SpeakData struct {
	SpeechID string  `json:"speechId"`
	Text     string  `json:"text"`
	Rate     float64 `json:"rate"`
	Pitch    float64 `json:"pitch"`
	Lang     string  `json:"lang"`
}

// RecognitionStartData configures continuous recognition with interim
// results.
type RecognitionStartData struct {
	Continuous     bool   `json:"continuous"`
	InterimResults bool   `json:"interimResults"`
	Lang           string `json:"lang"`
}

type SessionStateData = model.SessionSnapshot

type ErrorData struct {
	Error string `json:"error"`
}
