// Copyright 2024-2026 Aiku AI

package connector

import (
	"testing"

	"maunium.net/go/mautrix/id"
)

func TestMakeGhostLocalpart(t *testing.T) {
	t.Parallel()
	got := MakeGhostLocalpart("slack_", "Acme", "U0123ABC")
	if got != "slack_acme_u0123abc" {
		t.Errorf("MakeGhostLocalpart: got %q, want %q", got, "slack_acme_u0123abc")
	}
}

func TestMakeGhostUserID(t *testing.T) {
	t.Parallel()
	got := MakeGhostUserID("slack_", "acme", "U1", "example.com")
	if got != id.UserID("@slack_acme_u1:example.com") {
		t.Errorf("MakeGhostUserID: got %q", got)
	}
}

func TestParseGhostUserID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		userID     id.UserID
		wantDomain string
		wantUser   string
		wantOK     bool
	}{
		{"ghost", "@slack_acme_u0123abc:example.com", "acme", "U0123ABC", true},
		{"hyphenated domain", "@slack_my-team_w9:example.com", "my-team", "W9", true},
		{"other prefix", "@discord_acme_u1:example.com", "", "", false},
		{"regular user", "@alice:example.com", "", "", false},
		{"missing user part", "@slack_acme:example.com", "", "", false},
		{"empty domain", "@slack__u1:example.com", "", "", false},
		{"empty user", "@slack_acme_:example.com", "", "", false},
		{"malformed", "slack_acme_u1", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			domain, user, ok := ParseGhostUserID("slack_", tt.userID)
			if ok != tt.wantOK || domain != tt.wantDomain || user != tt.wantUser {
				t.Errorf("ParseGhostUserID(%s): got (%q, %q, %v), want (%q, %q, %v)",
					tt.userID, domain, user, ok, tt.wantDomain, tt.wantUser, tt.wantOK)
			}
		})
	}
}

func TestGhostUserIDRoundTrip(t *testing.T) {
	t.Parallel()
	userID := MakeGhostUserID("slack_", "acme", "U42XYZ", "example.com")
	domain, user, ok := ParseGhostUserID("slack_", userID)
	if !ok || domain != "acme" || user != "U42XYZ" {
		t.Errorf("round trip: got (%q, %q, %v)", domain, user, ok)
	}
}
