package model

// InitializeSessionRequest is the optional body of the initialize endpoint.
// Zero values keep the host's configured speech settings.
type InitializeSessionRequest struct {
	Language    string  `json:"language" binding:"omitempty,bcp47"`
	SpeechRate  float64 `json:"speech_rate" binding:"omitempty,gte=0.1,lte=10"`
	SpeechPitch float64 `json:"speech_pitch" binding:"omitempty,gte=0,lte=2"`
}
