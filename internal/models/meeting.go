package models

import "time"

// MeetingMetadata stores information about a scheduled meeting room
type MeetingMetadata struct {
	ID               string    `json:"id"`
	Code             string    `json:"code"` // Short, shareable meeting code (e.g., "ABCD123")
	CreatorID        string    `json:"creatorId"`
	CreatedAt        time.Time `json:"createdAt"`
	MaxParticipants  int       `json:"maxParticipants"`
	ParticipantCount int       `json:"participantCount"`
}

// CreateMeetingRequest is the request body for creating a meeting
type CreateMeetingRequest struct {
	MaxParticipants int `json:"maxParticipants" binding:"min=0,max=32"`
}

// CreateMeetingResponse is the response for creating a meeting
type CreateMeetingResponse struct {
	MeetingID string `json:"meetingId"`
	Code      string `json:"code"`
}
