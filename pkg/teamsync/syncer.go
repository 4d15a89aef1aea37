// Copyright 2024-2026 Aiku AI

package teamsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTeamConcurrency = 1
	DefaultItemConcurrency = 2
)

// Params configures a Syncer. Bridge, Store, Registry and Policy are required.
type Params struct {
	Bridge   LocalBridge
	Store    Datastore
	Registry RoomRegistry
	Clients  ClientFactory
	Policy   *PolicyFilter
	Metrics  *Metrics
	Log      zerolog.Logger

	PageBackoff Backoff
	MaxPages    int
	// TeamConcurrency is how many teams are synced at once. Teams share the
	// Slack app's rate limits, so the default is one.
	TeamConcurrency int
	ItemConcurrency int
}

// Syncer reconciles Slack teams into Matrix.
type Syncer struct {
	bridge   LocalBridge
	store    Datastore
	registry RoomRegistry
	clients  ClientFactory
	policy   *PolicyFilter
	metrics  *Metrics
	log      zerolog.Logger

	backoff         Backoff
	maxPages        int
	teamConcurrency int
	itemConcurrency int

	claimMu sync.Mutex
	claims  map[string]struct{}
}

// New creates a Syncer from params, filling in defaults.
func New(params Params) *Syncer {
	s := &Syncer{
		bridge:          params.Bridge,
		store:           params.Store,
		registry:        params.Registry,
		clients:         params.Clients,
		policy:          params.Policy,
		metrics:         params.Metrics,
		log:             params.Log.With().Str("component", "teamsync").Logger(),
		backoff:         params.PageBackoff,
		maxPages:        params.MaxPages,
		teamConcurrency: params.TeamConcurrency,
		itemConcurrency: params.ItemConcurrency,
		claims:          make(map[string]struct{}),
	}
	if s.maxPages <= 0 {
		s.maxPages = DefaultMaxPages
	}
	if s.teamConcurrency <= 0 {
		s.teamConcurrency = DefaultTeamConcurrency
	}
	if s.itemConcurrency <= 0 {
		s.itemConcurrency = DefaultItemConcurrency
	}
	return s
}

func (s *Syncer) pager(kind string) Pager {
	return Pager{
		Backoff:  s.backoff,
		MaxPages: s.maxPages,
		Log:      s.log,
		Metrics:  s.metrics,
		Kind:     kind,
	}
}

// claim marks a channel as being provisioned. It returns false if another
// goroutine already holds the claim.
func (s *Syncer) claim(channelID string) bool {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	if _, busy := s.claims[channelID]; busy {
		return false
	}
	s.claims[channelID] = struct{}{}
	return true
}

func (s *Syncer) release(channelID string) {
	s.claimMu.Lock()
	delete(s.claims, channelID)
	s.claimMu.Unlock()
}

// SyncAllTeams runs a users pass followed by a channels pass for every team
// that has a client and an enabled policy. Teams run in slice order on a
// queue limited to TeamConcurrency. It returns once all work has drained and
// never fails; errors are logged.
func (s *Syncer) SyncAllTeams(ctx context.Context, teams []TeamClient) {
	var queue errgroup.Group
	queue.SetLimit(s.teamConcurrency)

	queued := 0
	for _, tc := range teams {
		if tc.Client == nil {
			s.log.Debug().Str("team_id", tc.TeamID).Msg("No client for team, skipping sync")
			continue
		}
		if _, ok := s.policy.IsEligible(tc.TeamID, "", ""); !ok {
			s.log.Debug().Str("team_id", tc.TeamID).Msg("Team sync disabled by policy")
			continue
		}
		queued++
		queue.Go(func() error {
			err := s.syncTeam(ctx, tc)
			if err != nil {
				s.log.Warn().Err(err).Str("team_id", tc.TeamID).Msg("Team sync failed")
			}
			return err
		})
	}

	s.log.Info().Int("teams", queued).Msg("Waiting for team sync queue to drain")
	if err := queue.Wait(); err != nil {
		s.log.Error().Err(err).Msg("Team sync queue finished with an error")
		return
	}
	s.log.Info().Int("teams", queued).Msg("Team sync complete")
}

func (s *Syncer) syncTeam(ctx context.Context, tc TeamClient) error {
	defer s.metrics.observeTeamPass(time.Now())
	log := s.log.With().Str("team_id", tc.TeamID).Logger()
	log.Info().Msg("Syncing team")

	team, err := s.requireTeam(ctx, tc.TeamID)
	if err != nil {
		return err
	}

	var errs []error
	if _, ok := s.policy.IsEligible(tc.TeamID, KindUser, ""); ok {
		if err := s.syncUsers(ctx, team, tc.Client); err != nil {
			errs = append(errs, err)
		}
	}
	if _, ok := s.policy.IsEligible(tc.TeamID, KindChannel, ""); ok {
		if err := s.syncChannels(ctx, tc.TeamID, tc.Client); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to sync team %s: %w", tc.TeamID, errors.Join(errs...))
	}
	log.Info().Msg("Team synced")
	return nil
}

func (s *Syncer) syncUsers(ctx context.Context, team *Team, client RemoteClient) error {
	teamID := team.ID
	users, err := FetchAll(ctx, s.pager("users"), client.ListUsers)
	if err != nil && len(users) == 0 {
		return fmt.Errorf("failed to list users: %w", err)
	} else if err != nil {
		s.log.Warn().Err(err).Str("team_id", teamID).Int("count", len(users)).
			Msg("User list incomplete, syncing what was fetched")
	}
	s.log.Info().Str("team_id", teamID).Int("count", len(users)).Msg("Syncing users")
	return syncItems(ctx, s.itemConcurrency, users, func(ctx context.Context, user RemoteUser) {
		s.SyncUser(ctx, teamID, team.Domain, &user)
	})
}

func (s *Syncer) syncChannels(ctx context.Context, teamID string, client RemoteClient) error {
	channels, err := FetchAll(ctx, s.pager("channels"), client.ListChannels)
	if err != nil && len(channels) == 0 {
		return fmt.Errorf("failed to list channels: %w", err)
	} else if err != nil {
		s.log.Warn().Err(err).Str("team_id", teamID).Int("count", len(channels)).
			Msg("Channel list incomplete, syncing what was fetched")
	}
	s.log.Info().Str("team_id", teamID).Int("count", len(channels)).Msg("Syncing channels")
	return syncItems(ctx, s.itemConcurrency, channels, func(ctx context.Context, channel RemoteChannel) {
		s.syncChannel(ctx, teamID, client, &channel)
	})
}

// syncItems runs fn for every item on a queue limited to ItemConcurrency.
// fn handles its own errors, so the only error is a cancelled context.
func syncItems[T any](ctx context.Context, limit int, items []T, fn func(context.Context, T)) error {
	var queue errgroup.Group
	queue.SetLimit(limit)
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		queue.Go(func() error {
			fn(ctx, item)
			return nil
		})
	}
	if err := queue.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Syncer) requireTeam(ctx context.Context, teamID string) (*Team, error) {
	team, err := s.store.GetTeam(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to get team %s: %w", teamID, err)
	}
	if team == nil {
		return nil, fmt.Errorf("%w: %s", ErrTeamNotFound, teamID)
	}
	return team, nil
}
