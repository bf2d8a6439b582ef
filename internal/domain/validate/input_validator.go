// Package validate implements InputValidator (spec §4.1): a pure,
// stateless guard rejecting malformed user queries before any LLM call is
// issued. No direct teacher precedent exists for this exact shape; a
// rejection is reported as a Result{Valid: false, Message} value, not as an
// error type or error kind.
package validate

import (
	"fmt"
	"strings"

	"github.com/wangrenren611/coding-agent-sub001/internal/domain/session"
)

// MaxQueryLength is the hard cap on a plain-string user query (spec §4.1).
const MaxQueryLength = 100_000

// Result is the outcome of validating a user query.
type Result struct {
	Valid   bool
	Message string // populated iff !Valid
}

func valid() Result          { return Result{Valid: true} }
func invalid(msg string) Result {
	return Result{Valid: false, Message: msg}
}

// ValidateString validates a plain-string user query.
func ValidateString(query string) Result {
	if strings.TrimSpace(query) == "" {
		return invalid("query must not be empty or whitespace-only")
	}
	if len(query) > MaxQueryLength {
		return invalid(fmt.Sprintf("query exceeds maximum length of %d characters", MaxQueryLength))
	}
	return valid()
}

// ValidateParts validates an ordered list of multimodal content parts.
func ValidateParts(parts []session.ContentPart) Result {
	if len(parts) == 0 {
		return invalid("parts list must not be empty")
	}
	for i, p := range parts {
		switch p.Type {
		case session.PartText:
			// Any string (including empty) is acceptable for a text part.
		case session.PartImageURL:
			if p.ImageURL == nil || strings.TrimSpace(p.ImageURL.URL) == "" {
				return invalid(fmt.Sprintf("part %d: image_url.url is required", i))
			}
		case session.PartFile:
			if p.File == nil || (p.File.FileID == "" && p.File.FileData == "") {
				return invalid(fmt.Sprintf("part %d: file requires file_id or file_data", i))
			}
		case session.PartInputAudio:
			if p.Audio == nil || p.Audio.Data == "" || p.Audio.Format == "" {
				return invalid(fmt.Sprintf("part %d: input_audio requires data and format", i))
			}
		case session.PartInputVideo:
			if p.Video == nil || (p.Video.URL == "" && p.Video.FileID == "" && p.Video.Data == "") {
				return invalid(fmt.Sprintf("part %d: input_video requires one of url/file_id/data", i))
			}
		default:
			return invalid(fmt.Sprintf("part %d: unrecognized type %q", i, p.Type))
		}
	}
	return valid()
}

// Query validates either form of user input: ValidateParts is applied when
// parts is non-empty; otherwise ValidateString is applied to text.
// Exactly one of text/parts is expected to be populated by the caller.
func Query(text string, parts []session.ContentPart) Result {
	if len(parts) > 0 {
		return ValidateParts(parts)
	}
	return ValidateString(text)
}
