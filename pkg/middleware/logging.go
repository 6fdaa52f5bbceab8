// This file implements structured application logging, adapted from the
// original request-logging middleware for services that call it directly
// rather than wrapping an http.Handler (Encore generates its own HTTP
// plumbing; there is no handler chain to wrap here).
//
// Design Notes:
//   - Uses standard log package for compatibility
//   - Correlation IDs are generated per request by the caller with
//     NewRequestID and threaded through explicitly, since there is no
//     shared request context to stash them in across service boundaries
//   - JSON structured logging
//
// Trade-offs:
//   - Structured JSON logging vs human-readable: chose JSON for parsing
//   - Log level: Info for routine events, Warn for degraded paths
//     (rate limiting, follower fallback), Error for failures worth paging on
package middleware

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

// NewRequestID generates a correlation ID for a single facade call.
func NewRequestID() string {
	return uuid.New().String()
}

// LogInfo logs a routine event.
func LogInfo(requestID, event string, fields map[string]interface{}) {
	logEntry(requestID, "INFO", event, nil, fields)
}

// LogWarn logs a degraded-but-handled event, such as an admission-control
// rejection or a follower falling back to stale data.
func LogWarn(requestID, event string, fields map[string]interface{}) {
	logEntry(requestID, "WARN", event, nil, fields)
}

// LogError logs a failure worth surfacing, carrying the causing error.
func LogError(requestID, event string, err error, fields map[string]interface{}) {
	logEntry(requestID, "ERROR", event, err, fields)
}

func logEntry(requestID, level, event string, err error, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"request_id": requestID,
		"event":      event,
	}
	if err != nil {
		entry["error"] = err.Error()
	}
	for k, v := range fields {
		entry[k] = v
	}

	data, marshalErr := json.Marshal(entry)
	if marshalErr != nil {
		log.Printf("[ERROR] failed to marshal log entry: %v", marshalErr)
		log.Printf("[%s] %s %s", level, requestID, event)
		return
	}

	log.Printf("[%s] %s", level, string(data))
}
