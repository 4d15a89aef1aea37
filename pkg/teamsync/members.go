// Copyright 2024-2026 Aiku AI

package teamsync

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// MapMembers lists the members of a Slack channel and returns the Matrix
// users of those who have puppeted their Slack account. Members without a
// puppet are dropped. Order is not meaningful.
func (s *Syncer) MapMembers(ctx context.Context, teamID string, client RemoteClient, channelID string) ([]id.UserID, error) {
	team, err := s.requireTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if team.Domain == "" {
		return nil, fmt.Errorf("%w: %s", ErrTeamDomainMissing, teamID)
	}

	members, err := FetchAll(ctx, s.pager("channel_members"), func(ctx context.Context, cursor string) ([]string, string, error) {
		return client.ListChannelMembers(ctx, channelID, cursor)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list members of %s: %w", channelID, err)
	}

	unique := make(map[string]struct{}, len(members))
	for _, member := range members {
		unique[member] = struct{}{}
	}

	userIDs := make([]id.UserID, 0, len(unique))
	for member := range unique {
		mxid, err := s.store.GetPuppetLocalUserID(ctx, teamID, member)
		if err != nil {
			s.log.Warn().Err(err).
				Str("team_id", teamID).
				Str("user_id", member).
				Msg("Failed to look up puppet for channel member")
			continue
		}
		if mxid == "" {
			continue
		}
		userIDs = append(userIDs, mxid)
	}
	return userIDs, nil
}
