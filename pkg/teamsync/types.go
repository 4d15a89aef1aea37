// Copyright 2024-2026 Aiku AI

package teamsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

var (
	ErrTeamNotFound      = errors.New("team not found")
	ErrTeamDomainMissing = errors.New("team has no domain")
)

// RateLimitedError is returned by a RemoteClient when the remote API asked
// the caller to slow down.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// RemoteChannel is a Slack conversation as seen by the engine.
type RemoteChannel struct {
	ID        string
	Name      string
	CreatorID string
	IsChannel bool
	IsPrivate bool
	IsIM      bool
	IsMpIM    bool
	Purpose   string
	Topic     string
}

// IsPublicChannel reports whether the conversation is a regular public channel.
func (c *RemoteChannel) IsPublicChannel() bool {
	return c.IsChannel && !c.IsPrivate && !c.IsIM && !c.IsMpIM
}

// RemoteUser is a Slack team member.
type RemoteUser struct {
	ID          string
	Name        string
	RealName    string
	DisplayName string
	FirstName   string
	LastName    string
	AvatarURL   string
	IsBot       bool
	Deleted     bool
}

// Team is the persisted record of a bridged Slack team.
type Team struct {
	ID        string
	Domain    string
	Name      string
	BotUserID string
	BotToken  string
}

// BridgedRoomLink associates one Slack channel with one Matrix room.
type BridgedRoomLink struct {
	InboundID       string
	RoomID          id.RoomID
	TeamID          string
	RemoteChannelID string
	IsPrivate       bool
}

// TeamClient pairs a team with the Slack client used for its sync pass.
type TeamClient struct {
	TeamID string
	Client RemoteClient
}

// RemoteClient is the subset of the Slack Web API used by the engine.
// Paginated calls return an empty cursor on the last page.
type RemoteClient interface {
	ListChannels(ctx context.Context, cursor string) ([]RemoteChannel, string, error)
	ListUsers(ctx context.Context, cursor string) ([]RemoteUser, string, error)
	GetChannelInfo(ctx context.Context, channelID string) (*RemoteChannel, error)
	GetUserInfo(ctx context.Context, userID string) (*RemoteUser, error)
	ListChannelMembers(ctx context.Context, channelID, cursor string) ([]string, string, error)
	InviteToChannel(ctx context.Context, channelID, userID string) error
	PostEphemeralMessage(ctx context.Context, channelID, userID, text string) error
}

// ClientFactory returns Slack clients acting as a team's bot or as a
// specific team member.
type ClientFactory interface {
	ClientForTeam(ctx context.Context, teamID string) (RemoteClient, error)
	ClientForUser(ctx context.Context, teamID, userID string) (RemoteClient, error)
}

// Ghost is a Matrix puppet of a Slack user.
type Ghost interface {
	UserID() id.UserID
	UpdateProfile(ctx context.Context, user *RemoteUser) error
	SetDisplayName(ctx context.Context, name string) error
	SetAvatar(ctx context.Context, uri id.ContentURI) error
	LeaveRoom(ctx context.Context, roomID id.RoomID) error
}

// LocalBridge is the Matrix side of the bridge.
type LocalBridge interface {
	BotUserID() id.UserID
	CreateRoom(ctx context.Context, sender id.UserID, req *mautrix.ReqCreateRoom) (id.RoomID, error)
	SendNotice(ctx context.Context, roomID id.RoomID, text string) error
	SetRoomDirectoryVisibility(ctx context.Context, roomID id.RoomID, visibility string) error
	GetOrCreateGhost(ctx context.Context, remoteUserID, domain, teamID string) (Ghost, error)
}

// Datastore is the persistent store. GetTeam and GetPuppetLocalUserID return
// zero values without an error when nothing is stored.
type Datastore interface {
	GetTeam(ctx context.Context, teamID string) (*Team, error)
	UpsertLink(ctx context.Context, link *BridgedRoomLink) error
	DeleteLink(ctx context.Context, link *BridgedRoomLink) error
	GetPuppetLocalUserID(ctx context.Context, teamID, remoteUserID string) (id.UserID, error)
}

// RoomRegistry is the in-memory index of bridged rooms, keyed by Slack
// channel ID. Insert must not replace an existing link and reports whether
// the link was stored.
type RoomRegistry interface {
	GetByRemoteChannelID(channelID string) *BridgedRoomLink
	ListAll() []*BridgedRoomLink
	Insert(link *BridgedRoomLink) bool
	Remove(link *BridgedRoomLink)
}
