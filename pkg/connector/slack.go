// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"github.com/aiku/mautrix-slack-teamsync/pkg/connector/slackfmt"
	"github.com/aiku/mautrix-slack-teamsync/pkg/teamsync"
)

const (
	slackPageLimit = 200

	defaultRequestsPerSecond = 1
	defaultBurst             = 5
)

var errUnknownCursor = errors.New("unknown or expired user list cursor")

// SlackClient adapts a slack-go client to the engine. All requests of one
// team share a rate limiter.
type SlackClient struct {
	api     *slack.Client
	teamID  string
	limiter *rate.Limiter

	// users.list does not expose its cursor, so pages in progress are kept
	// here under opaque tokens.
	pageMu    sync.Mutex
	userPages map[string]userPage
}

// userPage is a users.list position. When fetched is set, page.Users have
// been requested already and are returned without another request.
type userPage struct {
	page    slack.UserPagination
	fetched bool
}

var _ teamsync.RemoteClient = (*SlackClient)(nil)

// NewSlackClient creates a client using token. A nil limiter disables
// client-side rate limiting.
func NewSlackClient(token, teamID string, cfg SlackConfig, limiter *rate.Limiter) *SlackClient {
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &SlackClient{
		api:       slack.New(token, opts...),
		teamID:    teamID,
		limiter:   limiter,
		userPages: make(map[string]userPage),
	}
}

func newTeamLimiter(cfg SlackConfig) *rate.Limiter {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (c *SlackClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// convertError turns Slack rate limit responses into the engine's error type.
func convertError(err error) error {
	var rateErr *slack.RateLimitedError
	if errors.As(err, &rateErr) {
		return &teamsync.RateLimitedError{RetryAfter: rateErr.RetryAfter}
	}
	return err
}

func convertChannel(ch *slack.Channel) *teamsync.RemoteChannel {
	return &teamsync.RemoteChannel{
		ID:        ch.ID,
		Name:      ch.Name,
		CreatorID: ch.Creator,
		IsChannel: ch.IsChannel,
		IsPrivate: ch.IsPrivate,
		IsIM:      ch.IsIM,
		IsMpIM:    ch.IsMpIM,
		Purpose:   slackfmt.PlainText(ch.Purpose.Value),
		Topic:     slackfmt.PlainText(ch.Topic.Value),
	}
}

func convertUser(u *slack.User) *teamsync.RemoteUser {
	avatar := u.Profile.ImageOriginal
	if avatar == "" {
		avatar = u.Profile.Image512
	}
	if avatar == "" {
		avatar = u.Profile.Image192
	}
	realName := u.RealName
	if realName == "" {
		realName = u.Profile.RealName
	}
	return &teamsync.RemoteUser{
		ID:          u.ID,
		Name:        u.Name,
		RealName:    realName,
		DisplayName: u.Profile.DisplayName,
		FirstName:   u.Profile.FirstName,
		LastName:    u.Profile.LastName,
		AvatarURL:   avatar,
		IsBot:       u.IsBot,
		Deleted:     u.Deleted,
	}
}

func (c *SlackClient) ListChannels(ctx context.Context, cursor string) ([]teamsync.RemoteChannel, string, error) {
	if err := c.wait(ctx); err != nil {
		return nil, "", err
	}
	channels, next, err := c.api.GetConversationsContext(ctx, &slack.GetConversationsParameters{
		Cursor:          cursor,
		ExcludeArchived: true,
		Limit:           slackPageLimit,
		Types:           []string{"public_channel", "private_channel"},
		TeamID:          c.teamID,
	})
	if err != nil {
		return nil, "", convertError(err)
	}
	out := make([]teamsync.RemoteChannel, 0, len(channels))
	for i := range channels {
		out = append(out, *convertChannel(&channels[i]))
	}
	return out, next, nil
}

// ListUsers returns one page of users.list. The returned cursor is an
// opaque token only valid for this client, and is empty on the last page.
func (c *SlackClient) ListUsers(ctx context.Context, cursor string) ([]teamsync.RemoteUser, string, error) {
	c.pageMu.Lock()
	var pos userPage
	if cursor == "" {
		clear(c.userPages)
		pos.page = c.api.GetUsersPaginated(
			slack.GetUsersOptionLimit(slackPageLimit),
			slack.GetUsersOptionTeamID(c.teamID),
		)
	} else {
		var ok bool
		if pos, ok = c.userPages[cursor]; !ok {
			c.pageMu.Unlock()
			return nil, "", errUnknownCursor
		}
	}
	c.pageMu.Unlock()

	current := pos.page
	if !pos.fetched {
		if err := c.wait(ctx); err != nil {
			return nil, "", err
		}
		var err error
		current, err = current.Next(ctx)
		if current.Done(err) {
			c.forgetPage(cursor)
			return nil, "", nil
		} else if err != nil {
			// The stored position is left untouched so the same cursor can be retried.
			return nil, "", convertError(err)
		}
	}

	users := make([]teamsync.RemoteUser, 0, len(current.Users))
	for i := range current.Users {
		users = append(users, *convertUser(&current.Users[i]))
	}

	// Look one page ahead so the last page can report an empty cursor.
	// slack-go answers without a request when there is no next page.
	if err := c.wait(ctx); err != nil {
		return nil, "", err
	}
	following, err := current.Next(ctx)
	if current.Done(err) {
		c.forgetPage(cursor)
		return users, "", nil
	}
	next := userPage{page: following, fetched: true}
	if err != nil {
		// The failed request is repeated when the returned cursor is used.
		next = userPage{page: current}
	}
	token := uuid.NewString()
	c.pageMu.Lock()
	delete(c.userPages, cursor)
	c.userPages[token] = next
	c.pageMu.Unlock()
	return users, token, nil
}

func (c *SlackClient) forgetPage(cursor string) {
	c.pageMu.Lock()
	delete(c.userPages, cursor)
	c.pageMu.Unlock()
}

func (c *SlackClient) GetChannelInfo(ctx context.Context, channelID string) (*teamsync.RemoteChannel, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	ch, err := c.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		return nil, convertError(err)
	}
	return convertChannel(ch), nil
}

func (c *SlackClient) GetUserInfo(ctx context.Context, userID string) (*teamsync.RemoteUser, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	user, err := c.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return nil, convertError(err)
	}
	return convertUser(user), nil
}

func (c *SlackClient) ListChannelMembers(ctx context.Context, channelID, cursor string) ([]string, string, error) {
	if err := c.wait(ctx); err != nil {
		return nil, "", err
	}
	members, next, err := c.api.GetUsersInConversationContext(ctx, &slack.GetUsersInConversationParameters{
		ChannelID: channelID,
		Cursor:    cursor,
		Limit:     slackPageLimit,
	})
	if err != nil {
		return nil, "", convertError(err)
	}
	return members, next, nil
}

// InviteToChannel invites userID into channelID. A user who is already in
// the channel counts as success.
func (c *SlackClient) InviteToChannel(ctx context.Context, channelID, userID string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err := c.api.InviteUsersToConversationContext(ctx, channelID, userID)
	var slackErr slack.SlackErrorResponse
	if errors.As(err, &slackErr) && slackErr.Err == "already_in_channel" {
		return nil
	} else if err != nil {
		return convertError(err)
	}
	return nil
}

func (c *SlackClient) PostEphemeralMessage(ctx context.Context, channelID, userID, text string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if _, err := c.api.PostEphemeralContext(ctx, channelID, userID, slack.MsgOptionText(text, false)); err != nil {
		return convertError(err)
	}
	return nil
}

// SlackClientFactory builds Slack clients from the tokens in the database:
// the team's bot token, or the token of a user who logged in.
type SlackClientFactory struct {
	db  *Database
	cfg SlackConfig
	log zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	teams    map[string]*SlackClient
	tokens   map[string]string
}

var _ teamsync.ClientFactory = (*SlackClientFactory)(nil)

func NewSlackClientFactory(db *Database, cfg SlackConfig, log zerolog.Logger) *SlackClientFactory {
	return &SlackClientFactory{
		db:       db,
		cfg:      cfg,
		log:      log,
		limiters: make(map[string]*rate.Limiter),
		teams:    make(map[string]*SlackClient),
		tokens:   make(map[string]string),
	}
}

func (f *SlackClientFactory) limiter(teamID string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[teamID]
	if !ok {
		l = newTeamLimiter(f.cfg)
		f.limiters[teamID] = l
	}
	return l
}

// ClientForTeam returns the bot client of a team. Clients are cached until
// the team's token changes.
func (f *SlackClientFactory) ClientForTeam(ctx context.Context, teamID string) (teamsync.RemoteClient, error) {
	team, err := f.db.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if team == nil {
		return nil, fmt.Errorf("%w: %s", teamsync.ErrTeamNotFound, teamID)
	}
	return f.teamClient(team)
}

func (f *SlackClientFactory) teamClient(team *teamsync.Team) (*SlackClient, error) {
	if team.BotToken == "" {
		return nil, fmt.Errorf("team %s has no bot token", team.ID)
	}
	limiter := f.limiter(team.ID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if client, ok := f.teams[team.ID]; ok && f.tokens[team.ID] == team.BotToken {
		return client, nil
	}
	client := NewSlackClient(team.BotToken, team.ID, f.cfg, limiter)
	f.teams[team.ID] = client
	f.tokens[team.ID] = team.BotToken
	return client, nil
}

// ClientForUser returns a client acting as a Slack user who logged in to
// the bridge.
func (f *SlackClientFactory) ClientForUser(ctx context.Context, teamID, userID string) (teamsync.RemoteClient, error) {
	puppet, err := f.db.GetPuppet(ctx, teamID, userID)
	if err != nil {
		return nil, err
	}
	if puppet == nil || puppet.Token == "" {
		return nil, fmt.Errorf("user %s of team %s is not logged in", userID, teamID)
	}
	return NewSlackClient(puppet.Token, teamID, f.cfg, f.limiter(teamID)), nil
}

// TeamClients returns a client for every stored team, ordered by team ID.
// Teams without a bot token get a nil client and are skipped by the engine.
func (f *SlackClientFactory) TeamClients(ctx context.Context) ([]teamsync.TeamClient, error) {
	teams, err := f.db.ListTeams(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]teamsync.TeamClient, 0, len(teams))
	for _, team := range teams {
		tc := teamsync.TeamClient{TeamID: team.ID}
		if client, err := f.teamClient(team); err != nil {
			f.log.Warn().Err(err).Str("team_id", team.ID).Msg("No Slack client for team")
		} else {
			tc.Client = client
		}
		out = append(out, tc)
	}
	return out, nil
}
