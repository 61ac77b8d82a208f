package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// Listing defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// parseLimit reads the limit query parameter. Zero or absent means DefaultLimit.
func parseLimit(c *gin.Context) (int, error) {
	limitStr := c.Query("limit")
	if limitStr == "" {
		return DefaultLimit, nil
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit %q", limitStr)
	}
	if limit < 0 {
		return 0, fmt.Errorf("limit must not be negative")
	}
	if limit > MaxLimit {
		return 0, &limitExceededError{max: MaxLimit}
	}
	if limit == 0 {
		return DefaultLimit, nil
	}
	return limit, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}

// maxIDLength bounds session ids so they stay usable as lock and cache keys.
const maxIDLength = 128

// validateCreateSession checks the request. An empty id is allowed and
// generated by the manager.
func validateCreateSession(req CreateSessionRequest) error {
	if len(req.ID) > maxIDLength {
		return fmt.Errorf("id must be at most %d characters", maxIDLength)
	}
	if strings.ContainsAny(req.ID, ": \t\n") {
		return fmt.Errorf("id must not contain colons or whitespace")
	}
	if req.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if strings.Contains(req.TenantID, ":") {
		return fmt.Errorf("tenant_id must not contain colons")
	}
	return nil
}

func validateSendMessage(req SendMessageRequest) error {
	if req.Recipient == "" {
		return fmt.Errorf("recipient is required")
	}
	if len(req.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if !json.Valid(req.Payload) {
		return fmt.Errorf("payload must be valid JSON")
	}
	return nil
}
