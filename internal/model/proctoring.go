package model

import (
	"encoding/json"
	"time"
)

// HeadPose is the optional orientation estimate attached to a sample.
type HeadPose struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// AttentionSample is the latest webcam-derived attention gauge.
type AttentionSample struct {
	FaceDetected   bool      `json:"faceDetected"`
	EyesOnScreen   bool      `json:"eyesOnScreen"`
	AttentionScore int       `json:"attentionScore"`
	HeadPose       *HeadPose `json:"headPose,omitempty"`
	SampledAt      time.Time `json:"sampledAt"`
}

// AntiCheatCounters are monotonically non-decreasing for a session.
type AntiCheatCounters struct {
	TabSwitches     int `json:"tabSwitches"`
	FullscreenExits int `json:"fullscreenExits"`
}

// Warning is an advisory banner shown to the candidate. Warnings never
// block progression.
type Warning string

const (
	WarningFaceNotDetected Warning = "face_not_detected"
	WarningEyesOffScreen   Warning = "eyes_off_screen"
)

// ProctorEventKind enumerates what gets written to the audit trail.
type ProctorEventKind string

const (
	EventTabSwitch      ProctorEventKind = "tab_switch"
	EventFullscreenExit ProctorEventKind = "fullscreen_exit"
	EventAttention      ProctorEventKind = "attention_sample"
)

// ProctorEvent is one audit trail entry.
type ProctorEvent struct {
	ID         int64            `json:"id,omitempty"`
	SessionID  string           `json:"session_id"`
	Kind       ProctorEventKind `json:"kind"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
	RecordedAt time.Time        `json:"recorded_at"`
}
