// Copyright 2024-2026 Aiku AI

package teamsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var errNoClientFactory = errors.New("no client factory configured")

const deletedChannelNotice = "The Slack channel bridged to this room has been deleted."

func inviteHint(botUserID string) string {
	return fmt.Sprintf("Hint: To bridge this channel to Matrix, invite the bridge bot by running `/invite <@%s>` in this channel.", botUserID)
}

// SyncChannel provisions a room for a public Slack channel that is allowed
// by policy and not yet bridged. Failures are logged.
func (s *Syncer) SyncChannel(ctx context.Context, teamID string, channel *RemoteChannel) {
	s.syncChannel(ctx, teamID, nil, channel)
}

func (s *Syncer) syncChannel(ctx context.Context, teamID string, teamClient RemoteClient, channel *RemoteChannel) {
	log := s.log.With().Str("team_id", teamID).Str("channel_id", channel.ID).Logger()

	if _, ok := s.policy.IsEligible(teamID, KindChannel, channel.ID); !ok {
		log.Debug().Msg("Channel not allowed by policy")
		s.metrics.channelSkipped("policy")
		return
	}
	if s.registry.GetByRemoteChannelID(channel.ID) != nil {
		s.metrics.channelSkipped("linked")
		return
	}
	if !channel.IsPublicChannel() {
		log.Debug().Msg("Channel is not a public channel")
		s.metrics.channelSkipped("not_public")
		return
	}
	if !s.claim(channel.ID) {
		log.Debug().Msg("Channel is already being provisioned")
		s.metrics.channelSkipped("in_flight")
		return
	}
	defer s.release(channel.ID)
	if s.registry.GetByRemoteChannelID(channel.ID) != nil {
		s.metrics.channelSkipped("linked")
		return
	}

	team, err := s.requireTeam(ctx, teamID)
	if err != nil {
		log.Warn().Err(err).Msg("Cannot sync channel without team")
		return
	}

	s.inviteBot(ctx, log, team, teamClient, channel)

	roomID, err := s.CreateRoom(ctx, teamID, channel.CreatorID, channel, true, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to provision room for channel")
		return
	}
	s.saveLink(ctx, log, &BridgedRoomLink{
		InboundID:       uuid.NewString(),
		RoomID:          roomID,
		TeamID:          teamID,
		RemoteChannelID: channel.ID,
	})
}

// inviteBot asks the channel creator's client to invite the bridge bot into
// the channel. If that is not possible it falls back to showing the creator
// a hint. Neither step is fatal.
func (s *Syncer) inviteBot(ctx context.Context, log zerolog.Logger, team *Team, teamClient RemoteClient, channel *RemoteChannel) {
	if team.BotUserID == "" {
		log.Warn().Msg("Team has no bot user, cannot invite bot to channel")
		return
	}
	err := s.inviteBotAsCreator(ctx, team, channel)
	if err == nil {
		log.Debug().Msg("Invited bot to channel as creator")
		return
	}
	log.Debug().Err(err).Msg("Could not invite bot as channel creator, posting hint")

	if teamClient == nil {
		if teamClient, err = s.teamClient(ctx, team.ID); err != nil {
			log.Warn().Err(err).Msg("No team client to post invite hint with")
			return
		}
	}
	if err = teamClient.PostEphemeralMessage(ctx, channel.ID, channel.CreatorID, inviteHint(team.BotUserID)); err != nil {
		log.Warn().Err(err).Msg("Failed to post invite hint to channel creator")
	}
}

func (s *Syncer) inviteBotAsCreator(ctx context.Context, team *Team, channel *RemoteChannel) error {
	if s.clients == nil {
		return errNoClientFactory
	}
	if channel.CreatorID == "" {
		return errors.New("channel has no creator")
	}
	client, err := s.clients.ClientForUser(ctx, team.ID, channel.CreatorID)
	if err != nil {
		return err
	}
	if client == nil {
		return errors.New("no client for channel creator")
	}
	return client.InviteToChannel(ctx, channel.ID, team.BotUserID)
}

func (s *Syncer) teamClient(ctx context.Context, teamID string) (RemoteClient, error) {
	if s.clients == nil {
		return nil, errNoClientFactory
	}
	client, err := s.clients.ClientForTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("no client for team %s", teamID)
	}
	return client, nil
}

// saveLink stores a new link in the registry and the datastore. The
// registry refuses duplicates, so the first link for a channel wins. A link
// that cannot be persisted is taken out of the registry again so both agree;
// the room it points to is reported as orphaned.
func (s *Syncer) saveLink(ctx context.Context, log zerolog.Logger, link *BridgedRoomLink) {
	log = log.With().Str("room_id", link.RoomID.String()).Logger()
	if !s.registry.Insert(link) {
		log.Warn().Msg("Channel was linked concurrently, leaving new room unlinked")
		s.metrics.roomOrphaned("raced")
		return
	}
	if err := s.store.UpsertLink(ctx, link); err != nil {
		s.registry.Remove(link)
		log.Error().Err(err).
			Str("inbound_id", link.InboundID).
			Msg("Failed to persist room link, room is orphaned and the channel will be provisioned again")
		s.metrics.roomOrphaned("persist_failed")
		return
	}
	log.Info().
		Bool("private", link.IsPrivate).
		Msg("Bridged channel")
}

// OnChannelAdded handles a live channel creation. Channel info is fetched
// again so private channels are not bridged as public rooms.
func (s *Syncer) OnChannelAdded(ctx context.Context, teamID, channelID, name, creatorID string) {
	log := s.log.With().Str("team_id", teamID).Str("channel_id", channelID).Logger()
	if s.registry.GetByRemoteChannelID(channelID) != nil {
		log.Debug().Msg("New channel is already bridged")
		return
	}
	client, err := s.teamClient(ctx, teamID)
	if err != nil {
		log.Warn().Err(err).Msg("Cannot handle new channel without team client")
		return
	}
	channel, err := client.GetChannelInfo(ctx, channelID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to get info for new channel")
		return
	}
	if channel.ID == "" {
		channel.ID = channelID
	}
	if channel.Name == "" {
		channel.Name = name
	}
	if channel.CreatorID == "" {
		channel.CreatorID = creatorID
	}
	s.syncChannel(ctx, teamID, client, channel)
}

// OnDiscoveredPrivateChannel bridges a private channel the bridge has just
// found itself in. Members who have puppeted their Slack account are invited
// to the new, non-public room.
func (s *Syncer) OnDiscoveredPrivateChannel(ctx context.Context, teamID string, client RemoteClient, channel *RemoteChannel) {
	log := s.log.With().Str("team_id", teamID).Str("channel_id", channel.ID).Logger()

	if channel.IsIM || channel.IsMpIM {
		log.Debug().Msg("Ignoring direct message conversation")
		return
	}
	if !channel.IsPrivate {
		log.Debug().Msg("Ignoring non-private channel")
		return
	}
	if _, ok := s.policy.IsEligible(teamID, KindChannel, channel.ID); !ok {
		log.Debug().Msg("Private channel not allowed by policy")
		s.metrics.channelSkipped("policy")
		return
	}
	if s.registry.GetByRemoteChannelID(channel.ID) != nil {
		s.metrics.channelSkipped("linked")
		return
	}
	if !s.claim(channel.ID) {
		s.metrics.channelSkipped("in_flight")
		return
	}
	defer s.release(channel.ID)
	if s.registry.GetByRemoteChannelID(channel.ID) != nil {
		s.metrics.channelSkipped("linked")
		return
	}

	members, err := s.MapMembers(ctx, teamID, client, channel.ID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to map private channel members")
		return
	}
	roomID, err := s.CreateRoom(ctx, teamID, channel.CreatorID, channel, false, members)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to provision room for private channel")
		return
	}
	s.saveLink(ctx, log, &BridgedRoomLink{
		InboundID:       uuid.NewString(),
		RoomID:          roomID,
		TeamID:          teamID,
		RemoteChannelID: channel.ID,
		IsPrivate:       true,
	})
}

// OnChannelDeleted tells the bridged room that its channel is gone, hides
// the room from the directory and unlinks it. The steps are independent; a
// failing notice does not prevent the unlink.
func (s *Syncer) OnChannelDeleted(ctx context.Context, teamID, channelID string) {
	log := s.log.With().Str("team_id", teamID).Str("channel_id", channelID).Logger()

	if _, ok := s.policy.IsEligible(teamID, KindChannel, channelID); !ok {
		log.Debug().Msg("Deleted channel not allowed by policy")
		return
	}
	link := s.registry.GetByRemoteChannelID(channelID)
	if link == nil {
		log.Debug().Msg("Deleted channel was not bridged")
		return
	}
	log = log.With().Str("room_id", link.RoomID.String()).Logger()

	if err := s.bridge.SendNotice(ctx, link.RoomID, deletedChannelNotice); err != nil {
		log.Warn().Err(err).Msg("Failed to send channel deletion notice")
	}
	if err := s.bridge.SetRoomDirectoryVisibility(ctx, link.RoomID, "private"); err != nil {
		log.Warn().Err(err).Msg("Failed to hide room from directory")
	}
	if err := s.unlink(ctx, link); err != nil {
		log.Warn().Err(err).Msg("Failed to unlink deleted channel")
		return
	}
	log.Info().Msg("Unlinked deleted channel")
}

func (s *Syncer) unlink(ctx context.Context, link *BridgedRoomLink) error {
	s.registry.Remove(link)
	if err := s.store.DeleteLink(ctx, link); err != nil {
		return fmt.Errorf("failed to delete link: %w", err)
	}
	return nil
}
