package wa

import (
	"fmt"
	"regexp"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

var nonDigits = regexp.MustCompile(`[^\d]`)

// ParseRecipient accepts either a full JID ("123@s.whatsapp.net",
// "123-456@g.us") or a bare phone number with optional formatting
// characters.
func ParseRecipient(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return types.JID{}, fmt.Errorf("empty recipient")
	}

	if strings.ContainsRune(to, '@') {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("invalid recipient JID: %w", err)
		}
		if jid.User == "" {
			return types.JID{}, fmt.Errorf("invalid recipient JID: missing user part")
		}
		return jid, nil
	}

	cleaned := nonDigits.ReplaceAllString(to, "")
	if len(cleaned) < 8 || len(cleaned) > 15 {
		return types.JID{}, fmt.Errorf("invalid phone number %q", to)
	}
	return types.NewJID(cleaned, types.DefaultUserServer), nil
}
