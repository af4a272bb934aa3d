package calendar

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// maxFeedSize bounds how much of a remote feed is read.
const maxFeedSize = 32 << 20

// IsRemote reports whether a feed source is an http(s) URL.
func IsRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// fetchFeed returns the raw iCalendar text of a local file or remote URL.
func fetchFeed(ctx context.Context, client *http.Client, source string) (string, error) {
	if !IsRemote(source) {
		data, err := os.ReadFile(source)
		if err != nil {
			return "", fmt.Errorf("read feed file: %w", err)
		}
		body := string(data)
		if err := validateICalFormat(body); err != nil {
			return "", err
		}
		return body, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("Accept", "text/calendar")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch feed: unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	body := string(data)
	if err := validateICalFormat(body); err != nil {
		return "", err
	}
	return body, nil
}

func validateICalFormat(body string) error {
	trimmed := strings.TrimSpace(strings.TrimPrefix(body, "\ufeff"))

	// Login pages come back as HTML with a 200.
	upper := strings.ToUpper(trimmed)
	if strings.HasPrefix(upper, "<!DOCTYPE") || strings.HasPrefix(upper, "<HTML") {
		return fmt.Errorf("received HTML instead of iCalendar data - check if URL requires authentication")
	}

	if !strings.HasPrefix(upper, "BEGIN:VCALENDAR") {
		previewLen := 100
		if len(trimmed) < previewLen {
			previewLen = len(trimmed)
		}
		return fmt.Errorf("invalid iCalendar format - expected BEGIN:VCALENDAR, got: %s", trimmed[:previewLen])
	}

	return nil
}
