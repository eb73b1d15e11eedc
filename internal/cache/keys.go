package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStateKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

func CreditsKey(userID string) string {
	return fmt.Sprintf("credits:%s", userID)
}
