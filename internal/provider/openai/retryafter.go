package openai

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// parseRetryAfter accepts both Retry-After forms: delta-seconds and an HTTP
// date.
func parseRetryAfter(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t), nil
	}
	return 0, fmt.Errorf("unparseable Retry-After %q", v)
}
