// Package project materializes per-project runtimes: agent registry, dedup
// store, conversation coordinator, delegation registry, and the work queue
// that feeds agent turns.
package project

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tenex-chat/tenexd/pkg/protocol"
)

// Coordinate addresses a replaceable project event: <kind>:<pubkey>:<d-tag>.
type Coordinate struct {
	Kind       int
	Pubkey     string
	Identifier string
}

// ParseCoordinate parses the a-tag form. The identifier may itself contain
// colons, so only the first two separators split.
func ParseCoordinate(s string) (Coordinate, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Coordinate{}, fmt.Errorf("coordinate %q: want <kind>:<pubkey>:<identifier>", s)
	}
	kind, err := strconv.Atoi(parts[0])
	if err != nil {
		return Coordinate{}, fmt.Errorf("coordinate %q: bad kind: %w", s, err)
	}
	if len(parts[1]) != 64 {
		return Coordinate{}, fmt.Errorf("coordinate %q: pubkey must be 64 hex chars", s)
	}
	return Coordinate{Kind: kind, Pubkey: strings.ToLower(parts[1]), Identifier: parts[2]}, nil
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%d:%s:%s", c.Kind, c.Pubkey, c.Identifier)
}

// CoordinateOf derives the coordinate of an addressable event from its kind,
// author, and d tag.
func CoordinateOf(ev *nostr.Event) (Coordinate, bool) {
	d := firstTagValue(ev, protocol.TagIdentifier)
	if d == "" {
		return Coordinate{}, false
	}
	return Coordinate{Kind: ev.Kind, Pubkey: ev.PubKey, Identifier: d}, true
}

// EventCoordinate extracts the project coordinate an event points at via its
// a tag.
func EventCoordinate(ev *nostr.Event) (Coordinate, bool) {
	a := firstTagValue(ev, protocol.TagProject)
	if a == "" {
		return Coordinate{}, false
	}
	c, err := ParseCoordinate(a)
	if err != nil {
		return Coordinate{}, false
	}
	return c, true
}

func firstTagValue(ev *nostr.Event, name string) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}
