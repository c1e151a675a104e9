// services/notification_service.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"challenge-settlement-system/models"
	"challenge-settlement-system/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Event types that bypass the per-minute cap. These must reach the user even
// mid-burst; cooldown windows still apply unless set to 0.
var criticalEventTypes = map[string]bool{
	models.EventMatchFound:   true,
	models.EventPayoutReady:  true,
	models.EventAccountAlert: true,
}

// Per-event-type cooldown windows. 0 means never suppress. A challenge-less
// event cools down per (user, eventType) with an empty challenge key.
var cooldownWindows = map[string]time.Duration{
	models.EventChallengeCreated:   60 * time.Second,
	models.EventChallengeAccepted:  30 * time.Second,
	models.EventMatchFound:         0,
	models.EventChallengeResolved:  120 * time.Second,
	models.EventChallengeCancelled: 60 * time.Second,
	models.EventChallengeDisputed:  300 * time.Second,
	models.EventPayoutReady:        0,
	models.EventPayoutCompleted:    30 * time.Second,
	models.EventPayoutFailed:       600 * time.Second,
	models.EventAccountAlert:       0,
}

// SendRequest describes one notification to dispatch.
type SendRequest struct {
	UserID      string
	EventType   string
	ChallengeID string
	Title       string
	Body        string
	Payload     map[string]interface{}
	Priority    string
	Channels    []string
}

// NotificationService delivers settlement/social events with a sliding
// per-user-per-minute cap and per-(user, event, challenge) cooldowns. Both
// checks fail open: a storage hiccup must cause an occasional extra send,
// never a silently dropped one.
type NotificationService struct {
	DB    *gorm.DB
	Redis *redis.Client // nil disables the per-minute cap (fail open)

	PerUserPerMinute int
	CheckTimeout     time.Duration
	pushURL          string
	pushToken        string
}

func NewNotificationService(db *gorm.DB, rdb *redis.Client) *NotificationService {
	limit := 5
	if v := os.Getenv("NOTIFY_PER_USER_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	return &NotificationService{
		DB:               db,
		Redis:            rdb,
		PerUserPerMinute: limit,
		CheckTimeout:     500 * time.Millisecond,
		pushURL:          os.Getenv("PUSH_GATEWAY_URL"),
		pushToken:        os.Getenv("PUSH_GATEWAY_TOKEN"),
	}
}

// Send runs the rate checks and delivers on the allowed channels.
// Returns true if the notification was delivered on at least one channel.
func (s *NotificationService) Send(req SendRequest) bool {
	if req.UserID == "" || req.EventType == "" {
		return false
	}
	if req.Priority == "" {
		req.Priority = models.NotificationPriorityLow
	}
	if len(req.Channels) == 0 {
		req.Channels = []string{models.ChannelInApp}
	}

	// Cooldown first: a cooldown-suppressed repeat must not burn cap budget.
	if !s.outsideCooldown(req) {
		log.Printf("🔇 [NOTIFY] Suppressed %s for %s: cooldown", req.EventType, req.UserID)
		return false
	}

	if !criticalEventTypes[req.EventType] && !s.underMinuteCap(req.UserID) {
		log.Printf("🔇 [NOTIFY] Suppressed %s for %s: per-minute cap", req.EventType, req.UserID)
		return false
	}

	delivered := false
	for _, ch := range s.allowedChannels(req) {
		switch ch {
		case models.ChannelInApp:
			if s.deliverInApp(req) {
				delivered = true
			}
		case models.ChannelPush:
			if s.deliverPush(req) {
				delivered = true
			}
		}
	}

	if delivered {
		record := &models.NotificationSendRecord{
			ID:          uuid.NewString(),
			UserID:      req.UserID,
			EventType:   req.EventType,
			ChallengeID: req.ChallengeID,
		}
		if err := s.DB.Create(record).Error; err != nil {
			log.Printf("⚠️  [NOTIFY] Failed to write send record: %v", err)
		}
	}
	return delivered
}

// underMinuteCap implements the sliding cap as a Redis counter with a
// one-minute expiry. Any Redis failure fails open.
func (s *NotificationService) underMinuteCap(userID string) bool {
	if s.Redis == nil {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.CheckTimeout)
	defer cancel()

	key := "notify:cap:" + userID
	count, err := s.Redis.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("⚠️  [NOTIFY] Rate counter unavailable, failing open: %v", err)
		return true
	}
	if count == 1 {
		if err := s.Redis.Expire(ctx, key, time.Minute).Err(); err != nil {
			// A counter without a TTL would cap the user forever. Drop it
			// and fail open.
			log.Printf("⚠️  [NOTIFY] Rate counter TTL failed, failing open: %v", err)
			s.Redis.Del(ctx, key)
			return true
		}
	}
	return count <= int64(s.PerUserPerMinute)
}

// outsideCooldown checks the last send record for (user, event, challenge).
// Window 0 means the event type is never suppressed. Lookup failures fail
// open.
func (s *NotificationService) outsideCooldown(req SendRequest) bool {
	window, ok := cooldownWindows[req.EventType]
	if !ok {
		window = 60 * time.Second
	}
	if window == 0 {
		return true
	}

	var last models.NotificationSendRecord
	err := s.DB.Where("user_id = ? AND event_type = ? AND challenge_id = ?",
		req.UserID, req.EventType, req.ChallengeID).
		Order("created_at desc").
		First(&last).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return true
		}
		log.Printf("⚠️  [NOTIFY] Cooldown lookup failed, failing open: %v", err)
		return true
	}
	return time.Since(last.CreatedAt) >= window
}

// allowedChannels narrows the requested channels by priority: low priority
// is in-app only, high/medium may also push.
func (s *NotificationService) allowedChannels(req SendRequest) []string {
	if req.Priority == models.NotificationPriorityLow {
		return []string{models.ChannelInApp}
	}
	return req.Channels
}

func (s *NotificationService) deliverInApp(req SendRequest) bool {
	payload := ""
	if len(req.Payload) > 0 {
		raw, err := json.Marshal(req.Payload)
		if err != nil {
			log.Printf("⚠️  [NOTIFY] Dropping unencodable payload for %s: %v", req.EventType, err)
		} else {
			payload = string(raw)
		}
	}

	n := &models.Notification{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		EventType:   req.EventType,
		ChallengeID: req.ChallengeID,
		Title:       req.Title,
		Body:        req.Body,
		Payload:     payload,
		Priority:    req.Priority,
	}
	if err := s.DB.Create(n).Error; err != nil {
		log.Printf("❌ [NOTIFY] In-app insert failed for %s: %v", req.UserID, err)
		return false
	}
	return true
}

// deliverPush posts to the push gateway, gated on the user having a
// registered push address. No address is a silent no-op on this channel only.
func (s *NotificationService) deliverPush(req SendRequest) bool {
	if s.pushURL == "" {
		return false
	}

	var user models.UserMirror
	if err := s.DB.Where("external_user_id = ?", req.UserID).First(&user).Error; err != nil || user.PushAddress == "" {
		return false
	}

	body, err := json.Marshal(map[string]interface{}{
		"address":  user.PushAddress,
		"title":    req.Title,
		"body":     req.Body,
		"event":    req.EventType,
		"priority": req.Priority,
	})
	if err != nil {
		return false
	}

	httpReq, err := http.NewRequest(http.MethodPost, s.pushURL+"/v1/push", bytes.NewReader(body))
	if err != nil {
		return false
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Service-Token", s.pushToken)

	resp, err := utils.HTTPClient.Do(httpReq)
	if err != nil {
		log.Printf("⚠️  [NOTIFY] Push delivery failed for %s: %v", req.UserID, err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300
}

// PruneSendRecords ages out send records older than the longest window we
// ever consult. Called by the scheduler.
func (s *NotificationService) PruneSendRecords() (int64, error) {
	cutoff := time.Now().Add(-1 * time.Hour)
	res := s.DB.Where("created_at < ?", cutoff).Delete(&models.NotificationSendRecord{})
	return res.RowsAffected, res.Error
}

// --- User Handlers ---

// ListNotifications handles GET /s/notifications
func (s *NotificationService) ListNotifications(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing user context"})
	}

	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var notifications []models.Notification
	if err := s.DB.Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(limit).
		Find(&notifications).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(fiber.Map{"notifications": notifications})
}

// MarkViewed handles PATCH /s/notifications/:id/viewed
func (s *NotificationService) MarkViewed(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing user context"})
	}

	res := s.DB.Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", c.Params("id"), userID).
		Update("viewed", true)
	if res.Error != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	if res.RowsAffected == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Notification not found"})
	}
	return c.JSON(fiber.Map{"viewed": true})
}
