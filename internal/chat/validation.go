package chat

import (
	"strings"
	"unicode/utf8"

	apperr "go-chat-delivery/internal/errors"
)

const (
	maxClientMessageIDLength = 64
	maxAlbumSize             = 10
	maxFileAttachments       = 5
)

type attachmentRule struct {
	min, max int // max 0 means unbounded
	kind     MediaKind
}

var attachmentRules = map[MessageType]attachmentRule{
	TypeImage:   {min: 1, max: maxAlbumSize, kind: MediaImage},
	TypeSticker: {min: 1, max: maxAlbumSize, kind: MediaImage},
	TypeVideo:   {min: 1, max: 1, kind: MediaVideo},
	TypeVoice:   {min: 1, max: 1, kind: MediaAudio},
	TypeFile:    {min: 1, max: maxFileAttachments, kind: MediaDocument},
	TypeAudio:   {min: 1, kind: MediaAudio},
}

// ValidateSendInput checks everything that can be checked without I/O.
func ValidateSendInput(in *SendInput) error {
	if in.ConversationID <= 0 {
		return apperr.Invalid("conversationId is required")
	}
	// The token is stored and cached verbatim, so it is checked verbatim.
	token := in.ClientMessageID
	if strings.TrimSpace(token) == "" {
		return apperr.Invalid("clientMessageId is required")
	}
	if strings.TrimSpace(token) != token {
		return apperr.Invalid("clientMessageId must not have leading or trailing whitespace")
	}
	if utf8.RuneCountInString(token) > maxClientMessageIDLength {
		return apperr.Invalid("clientMessageId must be at most %d characters", maxClientMessageIDLength)
	}
	if in.ReplyToID != nil && *in.ReplyToID <= 0 {
		return apperr.Invalid("replyToId must be positive")
	}
	seen := make(map[int64]struct{}, len(in.MediaIDs))
	for _, id := range in.MediaIDs {
		if id <= 0 {
			return apperr.Invalid("mediaIds must be positive")
		}
		if _, dup := seen[id]; dup {
			return apperr.Invalid("mediaIds must not repeat")
		}
		seen[id] = struct{}{}
	}
	return ValidateTypeConsistency(in)
}

// ValidateTypeConsistency enforces the per-type attachment and content rules.
func ValidateTypeConsistency(in *SendInput) error {
	hasText := in.Content != nil && strings.TrimSpace(*in.Content) != ""
	n := len(in.MediaIDs)

	switch in.Type {
	case TypeSystem:
		return apperr.Invalid("SYSTEM messages cannot be sent by clients")
	case TypeText:
		if n > 0 {
			return apperr.Invalid("TEXT messages cannot carry attachments")
		}
		if !hasText {
			return apperr.Invalid("TEXT messages require content")
		}
		return nil
	case TypeVoice:
		if hasText {
			return apperr.Invalid("VOICE messages cannot carry text content")
		}
	}

	rule, ok := attachmentRules[in.Type]
	if !ok {
		return apperr.Invalid("unknown message type %q", in.Type)
	}
	if n < rule.min {
		return apperr.Invalid("%s messages require at least %d attachment(s)", in.Type, rule.min)
	}
	if rule.max > 0 && n > rule.max {
		return apperr.Invalid("%s messages allow at most %d attachment(s)", in.Type, rule.max)
	}
	return nil
}

// ValidateMediaTypeConsistency cross-checks the declared type against the
// kinds of the attachments as stored.
func ValidateMediaTypeConsistency(t MessageType, attachments []Media) error {
	rule, ok := attachmentRules[t]
	if !ok {
		if len(attachments) > 0 {
			return apperr.Invalid("%s messages cannot carry attachments", t)
		}
		return nil
	}

	if t == TypeImage && len(attachments) > 1 {
		first := attachments[0].Kind
		for _, a := range attachments[1:] {
			if a.Kind != first {
				return apperr.Invalid("IMAGE albums cannot mix media kinds")
			}
		}
	}

	for _, a := range attachments {
		if a.Kind != rule.kind {
			return apperr.Invalid("media %d is %s, %s messages require %s", a.ID, a.Kind, t, rule.kind).
				WithContext("media_id", a.ID)
		}
	}
	return nil
}
