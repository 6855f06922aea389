package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 8192 // hard cap on the encoded body
	MaxTextChars    = 2000 // max character count
	MaxEmojiBytes   = 32
	MaxNameChars    = 30
	MinNameChars    = 3
)

// SendRequest is a send intent as received from a client.
type SendRequest struct {
	SenderID     string
	ReceiverID   string
	Content      string
	Attachment   *Attachment
	ReplyTo      string
	ClientTempID string
}

// ValidateSend checks the shape of a send intent before anything is
// persisted. It does not check that the users exist.
func ValidateSend(req SendRequest) error {
	if req.SenderID == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	}
	if req.ReceiverID == "" {
		return fmt.Errorf("%w: missing receiver", ErrInvalidMessage)
	}
	if req.SenderID == req.ReceiverID {
		return fmt.Errorf("%w: cannot message yourself", ErrInvalidMessage)
	}
	if req.Attachment != nil {
		if err := ValidateAttachment(*req.Attachment); err != nil {
			return err
		}
	}
	if strings.TrimSpace(req.Content) == "" {
		if req.Attachment == nil {
			return fmt.Errorf("%w: message text is empty", ErrInvalidMessage)
		}
		return nil
	}
	return ValidateContent(req.Content)
}

// ValidateContent checks that a non-empty message body meets content
// requirements.
func ValidateContent(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: message text is empty", ErrInvalidMessage)
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: message exceeds %d byte limit", ErrInvalidMessage, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: message contains invalid UTF-8", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: message exceeds %d character limit", ErrInvalidMessage, MaxTextChars)
	}
	return nil
}

// ValidateAttachment checks an attachment descriptor produced by the upload
// collaborator.
func ValidateAttachment(a Attachment) error {
	if a.URL == "" {
		return fmt.Errorf("%w: attachment url is empty", ErrInvalidMessage)
	}
	if a.Size < 0 {
		return fmt.Errorf("%w: attachment size is negative", ErrInvalidMessage)
	}
	switch a.Kind {
	case KindImage, KindVideo, KindAudio, KindDocument, KindOther:
	default:
		return fmt.Errorf("%w: unknown attachment kind %q", ErrInvalidMessage, a.Kind)
	}
	return nil
}

// ValidateEmoji accepts a short string containing at least one pictograph
// from the emoticon, symbol, transport, flag or dingbat blocks.
func ValidateEmoji(emoji string) error {
	if emoji == "" || len(emoji) > MaxEmojiBytes || !utf8.ValidString(emoji) {
		return fmt.Errorf("%w: invalid emoji", ErrInvalidMessage)
	}
	for _, r := range emoji {
		switch {
		case r >= 0x1F600 && r <= 0x1F64F,
			r >= 0x1F300 && r <= 0x1F5FF,
			r >= 0x1F680 && r <= 0x1F6FF,
			r >= 0x1F900 && r <= 0x1F9FF,
			r >= 0x1F1E0 && r <= 0x1F1FF,
			r >= 0x2600 && r <= 0x26FF,
			r >= 0x2700 && r <= 0x27BF:
			return nil
		}
	}
	return fmt.Errorf("%w: invalid emoji", ErrInvalidMessage)
}

// ValidateDisplayName checks a display name chosen at signup.
func ValidateDisplayName(name string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	if n < MinNameChars || n > MaxNameChars {
		return fmt.Errorf("%w: display name must be %d-%d characters", ErrInvalidName, MinNameChars, MaxNameChars)
	}
	return nil
}
