// Copyright 2024-2026 Aiku AI

package teamsync

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	powerLevelAdmin     = 100
	powerLevelModerator = 50
)

// resolveCreator returns the ghost of the Slack user who created the channel,
// or the bridge bot if the ghost cannot be obtained. It never fails.
func (s *Syncer) resolveCreator(ctx context.Context, team *Team, creatorID string) id.UserID {
	if creatorID == "" || team.Domain == "" {
		return s.bridge.BotUserID()
	}
	ghost, err := s.bridge.GetOrCreateGhost(ctx, creatorID, team.Domain, team.ID)
	if err != nil || ghost == nil {
		s.log.Warn().Err(err).
			Str("team_id", team.ID).
			Str("user_id", creatorID).
			Msg("Could not get ghost for channel creator, creating room as bridge bot")
		return s.bridge.BotUserID()
	}
	return ghost.UserID()
}

// roomPowerLevels grants the bot and the creator admin, requires admin for
// renames, power level, history visibility and encryption changes, and lets
// anyone invite.
func roomPowerLevels(bot, creator id.UserID) *event.PowerLevelsEventContent {
	stateDefault := powerLevelModerator
	invite := 0
	kick := powerLevelModerator
	ban := powerLevelModerator
	redact := powerLevelModerator
	return &event.PowerLevelsEventContent{
		Users: map[id.UserID]int{
			bot:     powerLevelAdmin,
			creator: powerLevelAdmin,
		},
		UsersDefault: 0,
		Events: map[string]int{
			event.StateRoomName.Type:          powerLevelAdmin,
			event.StatePowerLevels.Type:       powerLevelAdmin,
			event.StateHistoryVisibility.Type: powerLevelAdmin,
			event.StateEncryption.Type:        powerLevelAdmin,
			event.StateCanonicalAlias.Type:    powerLevelModerator,
			event.StateRoomAvatar.Type:        powerLevelModerator,
		},
		EventsDefault:   0,
		StateDefaultPtr: &stateDefault,
		InvitePtr:       &invite,
		KickPtr:         &kick,
		BanPtr:          &ban,
		RedactPtr:       &redact,
	}
}

// buildCreateRoom assembles the room creation request for a channel.
func buildCreateRoom(channel *RemoteChannel, aliasPrefix string, bot, creator id.UserID, isPublic bool, extraInvites []id.UserID) *mautrix.ReqCreateRoom {
	req := &mautrix.ReqCreateRoom{
		Name:               channel.Name,
		Topic:              channel.Purpose,
		PowerLevelOverride: roomPowerLevels(bot, creator),
	}
	if aliasPrefix != "" {
		req.RoomAliasName = aliasPrefix + strings.ToLower(channel.Name)
	}
	if isPublic {
		req.Visibility = "public"
		req.Preset = "public_chat"
	} else {
		req.Visibility = "private"
		req.Preset = "private_chat"
	}

	invites := make([]id.UserID, 0, len(extraInvites)+1)
	for _, userID := range extraInvites {
		if userID == creator || userID == bot || slices.Contains(invites, userID) {
			continue
		}
		invites = append(invites, userID)
	}
	// The creator is joined already, so the bot only needs an invite when
	// someone else creates the room.
	if creator != bot {
		invites = append(invites, bot)
	}
	req.Invite = invites
	return req
}

// CreateRoom provisions a Matrix room for a Slack channel and returns its ID.
// The room is created by the channel creator's ghost when possible.
func (s *Syncer) CreateRoom(ctx context.Context, teamID, creatorID string, channel *RemoteChannel, isPublic bool, extraInvites []id.UserID) (id.RoomID, error) {
	team, err := s.requireTeam(ctx, teamID)
	if err != nil {
		return "", err
	}
	var aliasPrefix string
	if policy, ok := s.policy.IsEligible(teamID, "", ""); ok {
		aliasPrefix = policy.Channels.AliasPrefix
	}

	bot := s.bridge.BotUserID()
	creator := s.resolveCreator(ctx, team, creatorID)
	req := buildCreateRoom(channel, aliasPrefix, bot, creator, isPublic, extraInvites)

	roomID, err := s.bridge.CreateRoom(ctx, creator, req)
	s.metrics.roomProvisioned(req.Visibility, err)
	if err != nil {
		return "", fmt.Errorf("failed to create room for %s: %w", channel.ID, err)
	}
	s.log.Info().
		Str("team_id", teamID).
		Str("channel_id", channel.ID).
		Str("room_id", roomID.String()).
		Str("creator", creator.String()).
		Msg("Created room for channel")
	return roomID, nil
}
