package api

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
)

var (
	uidPattern     = regexp.MustCompile(`^\d+$`)
	channelPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// param reads a path parameter as an owned string. Fiber hands out params as views over the
// request buffer, which fasthttp reuses once the handler returns; anything passed to the
// store must be copied out first.
func param(c fiber.Ctx, name string) string {
	return strings.Clone(c.Params(name))
}

// parseUID validates a uid path parameter (digits only) and parses it. Comparison against
// stored identities is strictly numeric; no string coercion.
func parseUID(raw string) (int64, bool) {
	if !uidPattern.MatchString(raw) {
		return 0, false
	}
	uid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return uid, true
}

// validChannelName reports whether a channel name is well-formed.
func validChannelName(name string) bool {
	return channelPattern.MatchString(name)
}

// parseUIDList validates and parses a comma-separated uid list.
func parseUIDList(raw string) ([]int64, bool) {
	if raw == "" {
		return nil, true
	}
	parts := strings.Split(raw, ",")
	uids := make([]int64, 0, len(parts))
	for _, part := range parts {
		uid, ok := parseUID(part)
		if !ok {
			return nil, false
		}
		uids = append(uids, uid)
	}
	return uids, true
}
