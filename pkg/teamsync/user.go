// Copyright 2024-2026 Aiku AI

package teamsync

import (
	"context"

	"maunium.net/go/mautrix/id"
)

// DeletedUserDisplayName replaces the name of ghosts whose Slack account was
// deleted.
const DeletedUserDisplayName = "Deleted User"

// SyncUser creates or updates the ghost of a Slack user. A deleted user's
// ghost is blanked and made to leave every bridged room. Failures are logged.
func (s *Syncer) SyncUser(ctx context.Context, teamID, domain string, user *RemoteUser) {
	log := s.log.With().Str("team_id", teamID).Str("user_id", user.ID).Logger()

	ghost, err := s.bridge.GetOrCreateGhost(ctx, user.ID, domain, teamID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to get ghost for user")
		s.metrics.userSynced("active", err)
		return
	}

	if !user.Deleted {
		err = ghost.UpdateProfile(ctx, user)
		s.metrics.userSynced("active", err)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to update ghost profile")
		}
		return
	}

	log.Info().Str("ghost", ghost.UserID().String()).Msg("Slack user was deleted, blanking ghost")
	if err = ghost.SetDisplayName(ctx, DeletedUserDisplayName); err != nil {
		log.Warn().Err(err).Msg("Failed to set deleted user display name")
	}
	if avatarErr := ghost.SetAvatar(ctx, id.ContentURI{}); avatarErr != nil {
		log.Warn().Err(avatarErr).Msg("Failed to clear deleted user avatar")
		if err == nil {
			err = avatarErr
		}
	}
	s.metrics.userSynced("deleted", err)

	links := s.registry.ListAll()
	left := 0
	for _, link := range links {
		leaveErr := ghost.LeaveRoom(ctx, link.RoomID)
		s.metrics.roomLeft(leaveErr)
		if leaveErr != nil {
			log.Debug().Err(leaveErr).
				Str("room_id", link.RoomID.String()).
				Msg("Failed to remove deleted user from room")
			continue
		}
		left++
	}
	log.Info().
		Int("rooms_left", left).
		Int("rooms_total", len(links)).
		Msg("Removed deleted user from bridged rooms")
}
