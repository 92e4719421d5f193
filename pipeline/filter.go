package pipeline

import (
	"strings"

	"whatsapp-autoreply/transport"
)

const statusBroadcast = "status@broadcast"

// Ignored reports messages that never get a reply or a mirror: our own,
// status updates, broadcast lists, groups and channels.
func Ignored(msg *transport.Message) bool {
	if msg == nil || msg.FromMe || msg.IsGroup {
		return true
	}
	jid := msg.ChatJID
	switch {
	case jid == "", jid == statusBroadcast:
		return true
	case strings.HasSuffix(jid, "@broadcast"),
		strings.HasSuffix(jid, "@g.us"),
		strings.HasSuffix(jid, "@newsletter"):
		return true
	}
	return false
}

// ExtractText returns the first non-empty text part of a message.
func ExtractText(e transport.Envelope) string {
	for _, s := range []string{e.Conversation, e.ExtendedText, e.ImageCaption, e.VideoCaption, e.DocumentCaption} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// Phone is the user part of a JID without the device suffix.
func Phone(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	user, _, _ = strings.Cut(user, ":")
	return user
}
