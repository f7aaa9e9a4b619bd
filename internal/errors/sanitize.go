package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// Pattern to match file paths (Linux and Windows)
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+)|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`)

	// Pattern to match IP addresses
	ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	// Pattern to match common internal error details
	internalErrorPattern = regexp.MustCompile(`(?i)(sql:|sqlstate|database:|pgx|redis:|connection string|password=|secret=|token=|api[_-]?key=)`)
)

// SanitizeString removes file paths, addresses and storage details from a string.
func SanitizeString(s string) string {
	// Remove absolute file paths, keep only filename
	s = filePathPattern.ReplaceAllStringFunc(s, func(match string) string {
		return filepath.Base(match)
	})

	// Mask IP addresses (keep first two octets for debugging context)
	s = ipPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := strings.Split(match, ".")
		if len(parts) == 4 {
			return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
		}
		return "x.x.x.x"
	})

	if internalErrorPattern.MatchString(s) {
		s = "storage operation failed"
	}

	if strings.Contains(s, "goroutine") || strings.Count(s, "\n") > 3 {
		s = "internal error - operation failed"
	}

	return s
}

// SafeMessage returns the human-readable reason sent to a client in an error message.
// Authorization, validation and not-found errors keep their message; everything else is
// collapsed or sanitized.
func SafeMessage(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if !errors.As(err, &e) {
		return SanitizeString(err.Error())
	}

	switch e.Kind {
	case KindAuthorization, KindValidation, KindNotFound:
		msg := e.Msg
		if msg == "" {
			msg = string(e.Kind) + " error"
		}
		if e.Kind == KindValidation && e.Err != nil {
			msg = msg + ": " + e.Err.Error()
		}
		return SanitizeString(msg)
	case KindPersistence:
		return "alert storage is unavailable, try again"
	default:
		return SanitizeString(e.Error())
	}
}
