package handlers

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/teamforge/meeting-signaling/internal/models"
	"github.com/teamforge/meeting-signaling/internal/redis"
)

const (
	meetingCodeLength      = 6
	meetingTTL             = 24 * time.Hour
	codeChars              = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
	defaultMaxParticipants = 8
)

// CreateMeeting creates a new meeting room (requires authentication)
func CreateMeeting(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateMeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.MaxParticipants == 0 {
		req.MaxParticipants = defaultMaxParticipants
	}

	meetingID := uuid.New().String()
	meetingCode := generateMeetingCode()

	meeting := models.MeetingMetadata{
		ID:              meetingID,
		Code:            meetingCode,
		CreatorID:       userID.(string),
		CreatedAt:       time.Now(),
		MaxParticipants: req.MaxParticipants,
	}

	redisClient := redis.GetClient()
	ctx := redis.GetContext()

	meetingData, err := json.Marshal(meeting)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create meeting"})
		return
	}

	if err := redisClient.Set(ctx, "meeting:"+meetingID, meetingData, meetingTTL).Err(); err != nil {
		log.Printf("Failed to store meeting in Redis: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create meeting"})
		return
	}

	// Code-to-ID mapping for easy lookup
	if err := redisClient.Set(ctx, "code:"+meetingCode, meetingID, meetingTTL).Err(); err != nil {
		log.Printf("Failed to store meeting code in Redis: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create meeting"})
		return
	}

	log.Printf("Meeting created: %s (code: %s) by user %s", meetingID, meetingCode, userID)

	c.JSON(http.StatusCreated, models.CreateMeetingResponse{
		MeetingID: meetingID,
		Code:      meetingCode,
	})
}

// GetMeeting gets meeting information by code or ID (public)
func GetMeeting(c *gin.Context) {
	meetingIdentifier := c.Param("meetingId")

	meetingID, meeting, err := lookupMeeting(meetingIdentifier)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Meeting not found"})
		return
	}

	redisClient := redis.GetClient()
	ctx := redis.GetContext()

	// Live participant count comes from the presence set
	participantCount, _ := redisClient.SCard(ctx, "meeting:"+meeting.Code+":peers").Result()
	meeting.ParticipantCount = int(participantCount)
	meeting.ID = meetingID

	c.JSON(http.StatusOK, meeting)
}

// DeleteMeeting deletes a meeting (requires authentication and creator)
func DeleteMeeting(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	meetingID := c.Param("meetingId")

	redisClient := redis.GetClient()
	ctx := redis.GetContext()

	meetingData, err := redisClient.Get(ctx, "meeting:"+meetingID).Result()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Meeting not found"})
		return
	}

	var meeting models.MeetingMetadata
	if err := json.Unmarshal([]byte(meetingData), &meeting); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to parse meeting data"})
		return
	}

	if meeting.CreatorID != userID.(string) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the meeting creator can delete the meeting"})
		return
	}

	redisClient.Del(ctx, "meeting:"+meetingID)
	redisClient.Del(ctx, "code:"+meeting.Code)
	redisClient.Del(ctx, "meeting:"+meeting.Code+":peers")
	redisClient.Del(ctx, "meeting:"+meeting.Code+":participants")

	log.Printf("Meeting deleted: %s by user %s", meetingID, userID)

	c.JSON(http.StatusOK, gin.H{"message": "Meeting deleted"})
}

// generateMeetingCode generates a random shareable meeting code
func generateMeetingCode() string {
	code := make([]byte, meetingCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}

// lookupMeeting resolves a code or ID to the meeting metadata
func lookupMeeting(meetingIdentifier string) (string, *models.MeetingMetadata, error) {
	redisClient := redis.GetClient()
	ctx := redis.GetContext()

	meetingID := meetingIdentifier

	// A short identifier is a code, anything else is treated as a UUID
	if len(meetingIdentifier) == meetingCodeLength {
		id, err := redisClient.Get(ctx, "code:"+meetingIdentifier).Result()
		if err != nil {
			return "", nil, fmt.Errorf("meeting not found")
		}
		meetingID = id
	}

	meetingData, err := redisClient.Get(ctx, "meeting:"+meetingID).Result()
	if err != nil {
		return "", nil, fmt.Errorf("meeting not found")
	}

	var meeting models.MeetingMetadata
	if err := json.Unmarshal([]byte(meetingData), &meeting); err != nil {
		return "", nil, fmt.Errorf("failed to parse meeting data")
	}

	return meetingID, &meeting, nil
}

// ValidateMeetingExists checks that a meeting exists and is not full before
// a signaling connection is admitted
func ValidateMeetingExists(meetingIdentifier string) (string, *models.MeetingMetadata, error) {
	meetingID, meeting, err := lookupMeeting(meetingIdentifier)
	if err != nil {
		return "", nil, err
	}

	redisClient := redis.GetClient()
	ctx := redis.GetContext()

	participantCount, _ := redisClient.SCard(ctx, "meeting:"+meeting.Code+":peers").Result()
	if int(participantCount) >= meeting.MaxParticipants {
		return "", nil, fmt.Errorf("meeting is full")
	}

	return meetingID, meeting, nil
}
