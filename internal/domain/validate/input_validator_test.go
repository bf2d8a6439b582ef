package validate

import (
	"strings"
	"testing"

	"github.com/wangrenren611/coding-agent-sub001/internal/domain/session"
)

func TestValidateString(t *testing.T) {
	cases := []struct {
		name  string
		query string
		valid bool
	}{
		{"empty", "", false},
		{"whitespace", "   \t\n", false},
		{"ok", "hello", true},
		{"too_long", strings.Repeat("a", MaxQueryLength+1), false},
		{"exactly_max", strings.Repeat("a", MaxQueryLength), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ValidateString(c.query)
			if got.Valid != c.valid {
				t.Fatalf("ValidateString(%q) valid=%v, want %v (msg=%q)", c.name, got.Valid, c.valid, got.Message)
			}
		})
	}
}

func TestValidateParts(t *testing.T) {
	cases := []struct {
		name  string
		parts []session.ContentPart
		valid bool
	}{
		{"empty_list", nil, false},
		{"text_ok", []session.ContentPart{{Type: session.PartText, Text: "hi"}}, true},
		{"image_missing_url", []session.ContentPart{{Type: session.PartImageURL}}, false},
		{"image_ok", []session.ContentPart{{Type: session.PartImageURL, ImageURL: &session.ImageURLPart{URL: "http://x"}}}, true},
		{"file_missing_both", []session.ContentPart{{Type: session.PartFile, File: &session.FilePart{}}}, false},
		{"file_with_id", []session.ContentPart{{Type: session.PartFile, File: &session.FilePart{FileID: "f1"}}}, true},
		{"audio_missing_format", []session.ContentPart{{Type: session.PartInputAudio, Audio: &session.InputAudio{Data: "d"}}}, false},
		{"video_missing_all", []session.ContentPart{{Type: session.PartInputVideo, Video: &session.InputVideo{}}}, false},
		{"unknown_type", []session.ContentPart{{Type: "bogus"}}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ValidateParts(c.parts)
			if got.Valid != c.valid {
				t.Fatalf("ValidateParts(%s) valid=%v, want %v (msg=%q)", c.name, got.Valid, c.valid, got.Message)
			}
		})
	}
}
