// Package reply links messages to the earlier messages they answer.
package reply

import (
	"strings"

	"palaver/internal/content"
	"palaver/internal/models"
	"palaver/internal/view"
)

// PreviewLength is the maximum number of runes kept from the target body.
const PreviewLength = 80

// Attach returns msg with a reply reference to the target message. The
// preview is copied into the reply and is not updated if the target later
// changes or is deleted.
func Attach(msg models.Message, targetKey, targetBody, targetSenderName string) models.Message {
	msg.ReplyRef = &models.ReplyRef{
		Key:        targetKey,
		Snippet:    Snippet(targetBody),
		SenderName: targetSenderName,
	}
	return msg
}

// Snippet collapses whitespace and bounds the preview length.
func Snippet(body string) string {
	return content.Truncate(strings.Join(strings.Fields(body), " "), PreviewLength)
}

// Locate finds the rendered message a reply refers to. A target that is not
// loaded or was deleted yields ok == false; callers treat it as a no-op.
func Locate(v *view.View, key string) (int, bool) {
	if v == nil || key == "" {
		return 0, false
	}
	return v.Index(key)
}
