package agents

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"
)

// Resolve turns a recipient string into a pubkey. Accepted forms, in order:
// npub bech32, 64-char hex pubkey, project-local slug. Anything else is an
// ErrUnknownRecipient.
func (r *Registry) Resolve(recipient string) (string, error) {
	recipient = strings.TrimSpace(strings.TrimPrefix(recipient, "@"))
	if recipient == "" {
		return "", fmt.Errorf("%w: empty recipient", ErrUnknownRecipient)
	}

	if strings.HasPrefix(recipient, "npub1") {
		prefix, value, err := nip19.Decode(recipient)
		if err != nil || prefix != "npub" {
			return "", fmt.Errorf("%w: invalid npub %q", ErrUnknownRecipient, recipient)
		}
		return value.(string), nil
	}

	if isHexPubkey(recipient) {
		return strings.ToLower(recipient), nil
	}

	if def, ok := r.BySlug(recipient); ok {
		return def.Pubkey, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRecipient, recipient)
}

// ResolveAll resolves a recipient list, failing on the first unknown entry.
func (r *Registry) ResolveAll(recipients []string) ([]string, error) {
	out := make([]string, 0, len(recipients))
	seen := make(map[string]bool, len(recipients))
	for _, rec := range recipients {
		pk, err := r.Resolve(rec)
		if err != nil {
			return nil, err
		}
		if seen[pk] {
			continue
		}
		seen[pk] = true
		out = append(out, pk)
	}
	return out, nil
}

func isHexPubkey(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
