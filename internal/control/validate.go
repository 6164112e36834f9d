package control

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xkilldash9x/scenepilot/internal/browser"
	"github.com/xkilldash9x/scenepilot/internal/store"
)

const (
	// MaxItemLength bounds one instruction, in characters.
	MaxItemLength = 10000
	// MaxImageBytes bounds the decoded size of a seed image.
	MaxImageBytes = 15 * 1024 * 1024
)

var allowedImagePrefixes = []string{
	"data:image/jpeg;base64,",
	"data:image/jpg;base64,",
	"data:image/png;base64,",
	"data:image/gif;base64,",
	"data:image/webp;base64,",
}

// ValidationError rejects a command at the boundary. It never reaches the driver.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ValidateItem checks one instruction text.
func ValidateItem(field, text string) error {
	if strings.TrimSpace(text) == "" {
		return invalid(field, "text is empty")
	}
	if n := utf8.RuneCountInString(text); n > MaxItemLength {
		return invalid(field, "text is %d characters, limit is %d", n, MaxItemLength)
	}
	lower := strings.ToLower(text)
	if strings.Contains(lower, "<script") || strings.Contains(lower, "</script") {
		return invalid(field, "text contains a script tag")
	}
	return nil
}

// ValidateItems checks a non-empty list of instructions.
func ValidateItems(field string, items []string) error {
	if len(items) == 0 {
		return invalid(field, "no items")
	}
	for i, it := range items {
		if err := ValidateItem(fmt.Sprintf("%s[%d]", field, i), it); err != nil {
			return err
		}
	}
	return nil
}

// ValidateImage checks a seed image data URL. Empty means no image.
func ValidateImage(field, dataURL string) error {
	if dataURL == "" {
		return nil
	}
	lower := strings.ToLower(dataURL)
	ok := false
	for _, p := range allowedImagePrefixes {
		if strings.HasPrefix(lower, p) {
			ok = true
			break
		}
	}
	if !ok {
		return invalid(field, "must be a base64 jpeg, png, gif or webp data URL")
	}
	if strings.Count(dataURL, ",") != 1 {
		return invalid(field, "malformed data URL")
	}
	payload := dataURL[strings.IndexByte(dataURL, ',')+1:]
	if len(payload) == 0 {
		return invalid(field, "image payload is empty")
	}
	if size := len(payload) * 3 / 4; size > MaxImageBytes {
		return invalid(field, "image is about %d bytes, limit is %d", size, MaxImageBytes)
	}
	_, data, err := browser.DecodeDataURL(dataURL)
	if err != nil {
		return invalid(field, "%v", err)
	}
	if len(data) > MaxImageBytes {
		return invalid(field, "image is %d bytes, limit is %d", len(data), MaxImageBytes)
	}
	return nil
}

// ValidateEntries checks queue entries and converts them to sequences.
func ValidateEntries(entries []Entry) ([]store.Sequence, error) {
	if len(entries) == 0 {
		return nil, invalid("entries", "queue is empty")
	}
	out := make([]store.Sequence, 0, len(entries))
	for i, e := range entries {
		if err := ValidateImage(fmt.Sprintf("entries[%d].image", i), e.Image); err != nil {
			return nil, err
		}
		if err := ValidateItems(fmt.Sprintf("entries[%d].items", i), e.Items); err != nil {
			return nil, err
		}
		out = append(out, store.Sequence{SeedImage: e.Image, Items: append([]string(nil), e.Items...)})
	}
	return out, nil
}
