package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// CallIDRegex validates call ID format
	CallIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// UserIDRegex accepts slugs, UUIDs and email-like auth subjects
	UserIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:@-]+$`)
)

// ValidateCallID validates call ID
func ValidateCallID(callID string) error {
	if callID == "" {
		return fmt.Errorf("call ID is required")
	}
	if len(callID) > 100 {
		return fmt.Errorf("call ID is too long (max 100 characters)")
	}
	if !CallIDRegex.MatchString(callID) {
		return fmt.Errorf("invalid call ID format")
	}
	return nil
}

// ValidateUserID validates user ID
func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}
	if len(userID) > 128 {
		return fmt.Errorf("user ID is too long (max 128 characters)")
	}
	if !UserIDRegex.MatchString(userID) {
		return fmt.Errorf("invalid user ID format")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEServerURL validates a STUN/TURN URL such as stun:stun.l.google.com:19302
func ValidateICEServerURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("ICE server URL is required")
	}
	scheme, rest, ok := strings.Cut(urlStr, ":")
	if !ok || rest == "" {
		return fmt.Errorf("invalid ICE server URL %q", urlStr)
	}
	switch scheme {
	case "stun", "stuns", "turn", "turns":
		return nil
	default:
		return fmt.Errorf("invalid ICE server scheme %q (must be stun, stuns, turn, or turns)", scheme)
	}
}

// ValidateSDP performs a cheap sanity check on a session description body.
func ValidateSDP(sdp string) error {
	if strings.TrimSpace(sdp) == "" {
		return fmt.Errorf("sdp is required")
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("sdp must start with a version line")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
