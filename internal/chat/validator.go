package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max content size
	MaxTextChars    = 2000 // max character count
)

// ValidateContent checks that message content meets size and encoding
// requirements.
func ValidateContent(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("content is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("content exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("content contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("content exceeds %d character limit", MaxTextChars)
	}
	return nil
}
