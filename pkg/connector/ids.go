// Copyright 2024-2026 Aiku AI

package connector

import (
	"strings"

	"maunium.net/go/mautrix/id"
)

// MakeGhostLocalpart creates the Matrix localpart of the ghost for a Slack
// user. Matrix localparts are lowercase, so the Slack IDs are lowercased.
func MakeGhostLocalpart(prefix, domain, userID string) string {
	return prefix + strings.ToLower(domain) + "_" + strings.ToLower(userID)
}

// MakeGhostUserID creates the full Matrix user ID of a ghost.
func MakeGhostUserID(prefix, domain, userID, serverName string) id.UserID {
	return id.NewUserID(MakeGhostLocalpart(prefix, domain, userID), serverName)
}

// ParseGhostUserID extracts the team domain and Slack user ID from a ghost's
// Matrix ID. It returns false for user IDs outside the ghost namespace.
func ParseGhostUserID(prefix string, userID id.UserID) (domain, slackUserID string, ok bool) {
	localpart, _, err := userID.Parse()
	if err != nil || !strings.HasPrefix(localpart, prefix) {
		return "", "", false
	}
	domain, slackUserID, ok = strings.Cut(localpart[len(prefix):], "_")
	if !ok || domain == "" || slackUserID == "" {
		return "", "", false
	}
	return domain, strings.ToUpper(slackUserID), true
}
