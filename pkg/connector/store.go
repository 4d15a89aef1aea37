// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/aiku/mautrix-slack-teamsync/pkg/connector/upgrades"
	"github.com/aiku/mautrix-slack-teamsync/pkg/teamsync"
)

const (
	getTeamQuery = `
		SELECT team_id, domain, name, bot_user_id, bot_token FROM slack_team WHERE team_id=$1
	`
	listTeamsQuery = `
		SELECT team_id, domain, name, bot_user_id, bot_token FROM slack_team ORDER BY team_id
	`
	upsertTeamQuery = `
		INSERT INTO slack_team (team_id, domain, name, bot_user_id, bot_token)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (team_id) DO UPDATE
			SET domain=excluded.domain, name=excluded.name,
				bot_user_id=excluded.bot_user_id, bot_token=excluded.bot_token
	`
	upsertLinkQuery = `
		INSERT INTO room_link (remote_channel_id, inbound_id, room_id, team_id, is_private)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (remote_channel_id) DO UPDATE
			SET inbound_id=excluded.inbound_id, room_id=excluded.room_id,
				team_id=excluded.team_id, is_private=excluded.is_private
	`
	deleteLinkQuery = `DELETE FROM room_link WHERE remote_channel_id=$1`
	listLinksQuery  = `
		SELECT remote_channel_id, inbound_id, room_id, team_id, is_private FROM room_link ORDER BY remote_channel_id
	`
	getPuppetQuery = `
		SELECT mxid, token FROM puppet WHERE team_id=$1 AND remote_user_id=$2
	`
	upsertPuppetQuery = `
		INSERT INTO puppet (team_id, remote_user_id, mxid, token) VALUES ($1, $2, $3, $4)
		ON CONFLICT (team_id, remote_user_id) DO UPDATE SET mxid=excluded.mxid, token=excluded.token
	`
	getGhostQuery = `
		SELECT mxid, team_id, remote_user_id, name, avatar_url, avatar_mxc FROM ghost WHERE mxid=$1
	`
	upsertGhostQuery = `
		INSERT INTO ghost (mxid, team_id, remote_user_id, name, avatar_url, avatar_mxc)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (mxid) DO UPDATE
			SET name=excluded.name, avatar_url=excluded.avatar_url, avatar_mxc=excluded.avatar_mxc
	`
)

// GhostRecord is the persisted profile state of a ghost.
type GhostRecord struct {
	UserID       id.UserID
	TeamID       string
	RemoteUserID string
	Name         string
	// AvatarURL is the Slack image URL the avatar was uploaded from.
	AvatarURL string
	AvatarMXC id.ContentURIString
}

// Puppet is a Matrix user who logged in with their own Slack account.
type Puppet struct {
	TeamID       string
	RemoteUserID string
	UserID       id.UserID
	Token        string
}

// Database is the SQL datastore of the bridge.
type Database struct {
	*dbutil.Database
}

var _ teamsync.Datastore = (*Database)(nil)

// OpenDatabase opens the configured database. Call Upgrade before use to
// apply the migrations in the upgrades package.
func OpenDatabase(cfg DatabaseConfig, log zerolog.Logger) (*Database, error) {
	driver := cfg.Type
	if driver == "postgresql" {
		driver = "postgres"
	}
	rawDB, err := sql.Open(driver, cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		rawDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	db, err := dbutil.NewWithDB(rawDB, driver)
	if err != nil {
		_ = rawDB.Close()
		return nil, fmt.Errorf("failed to wrap database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("db_section", "teamsync").Logger())
	db.VersionTable = "teamsync_version"
	db.UpgradeTable = upgrades.Table
	return &Database{Database: db}, nil
}

func scanTeam(row dbutil.Scannable) (*teamsync.Team, error) {
	var team teamsync.Team
	err := row.Scan(&team.ID, &team.Domain, &team.Name, &team.BotUserID, &team.BotToken)
	if err != nil {
		return nil, err
	}
	return &team, nil
}

func (db *Database) GetTeam(ctx context.Context, teamID string) (*teamsync.Team, error) {
	team, err := scanTeam(db.QueryRow(ctx, getTeamQuery, teamID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get team %s: %w", teamID, err)
	}
	return team, nil
}

// ListTeams returns every stored team ordered by team ID.
func (db *Database) ListTeams(ctx context.Context) ([]*teamsync.Team, error) {
	rows, err := db.Query(ctx, listTeamsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	defer rows.Close()
	var teams []*teamsync.Team
	for rows.Next() {
		team, err := scanTeam(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan team: %w", err)
		}
		teams = append(teams, team)
	}
	return teams, rows.Err()
}

func (db *Database) UpsertTeam(ctx context.Context, team *teamsync.Team) error {
	_, err := db.Exec(ctx, upsertTeamQuery, team.ID, team.Domain, team.Name, team.BotUserID, team.BotToken)
	if err != nil {
		return fmt.Errorf("failed to save team %s: %w", team.ID, err)
	}
	return nil
}

func (db *Database) UpsertLink(ctx context.Context, link *teamsync.BridgedRoomLink) error {
	_, err := db.Exec(ctx, upsertLinkQuery,
		link.RemoteChannelID, link.InboundID, link.RoomID.String(), link.TeamID, link.IsPrivate)
	if err != nil {
		return fmt.Errorf("failed to save link for %s: %w", link.RemoteChannelID, err)
	}
	return nil
}

func (db *Database) DeleteLink(ctx context.Context, link *teamsync.BridgedRoomLink) error {
	if _, err := db.Exec(ctx, deleteLinkQuery, link.RemoteChannelID); err != nil {
		return fmt.Errorf("failed to delete link for %s: %w", link.RemoteChannelID, err)
	}
	return nil
}

// ListLinks returns every stored room link.
func (db *Database) ListLinks(ctx context.Context) ([]*teamsync.BridgedRoomLink, error) {
	rows, err := db.Query(ctx, listLinksQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	defer rows.Close()
	var links []*teamsync.BridgedRoomLink
	for rows.Next() {
		var link teamsync.BridgedRoomLink
		var roomID string
		if err = rows.Scan(&link.RemoteChannelID, &link.InboundID, &roomID, &link.TeamID, &link.IsPrivate); err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		link.RoomID = id.RoomID(roomID)
		links = append(links, &link)
	}
	return links, rows.Err()
}

// GetPuppet returns the puppet of a Slack user, or nil if the user has not
// logged in.
func (db *Database) GetPuppet(ctx context.Context, teamID, remoteUserID string) (*Puppet, error) {
	puppet := Puppet{TeamID: teamID, RemoteUserID: remoteUserID}
	var mxid string
	err := db.QueryRow(ctx, getPuppetQuery, teamID, remoteUserID).Scan(&mxid, &puppet.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get puppet %s/%s: %w", teamID, remoteUserID, err)
	}
	puppet.UserID = id.UserID(mxid)
	return &puppet, nil
}

func (db *Database) GetPuppetLocalUserID(ctx context.Context, teamID, remoteUserID string) (id.UserID, error) {
	puppet, err := db.GetPuppet(ctx, teamID, remoteUserID)
	if err != nil || puppet == nil {
		return "", err
	}
	return puppet.UserID, nil
}

func (db *Database) UpsertPuppet(ctx context.Context, puppet *Puppet) error {
	_, err := db.Exec(ctx, upsertPuppetQuery, puppet.TeamID, puppet.RemoteUserID, puppet.UserID.String(), puppet.Token)
	if err != nil {
		return fmt.Errorf("failed to save puppet %s/%s: %w", puppet.TeamID, puppet.RemoteUserID, err)
	}
	return nil
}

// GetGhost returns the stored profile of a ghost, or nil if it has never
// been saved.
func (db *Database) GetGhost(ctx context.Context, userID id.UserID) (*GhostRecord, error) {
	var rec GhostRecord
	var mxid, mxc string
	err := db.QueryRow(ctx, getGhostQuery, userID.String()).
		Scan(&mxid, &rec.TeamID, &rec.RemoteUserID, &rec.Name, &rec.AvatarURL, &mxc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get ghost %s: %w", userID, err)
	}
	rec.UserID = id.UserID(mxid)
	rec.AvatarMXC = id.ContentURIString(mxc)
	return &rec, nil
}

func (db *Database) UpsertGhost(ctx context.Context, rec *GhostRecord) error {
	_, err := db.Exec(ctx, upsertGhostQuery,
		rec.UserID.String(), rec.TeamID, rec.RemoteUserID, rec.Name, rec.AvatarURL, string(rec.AvatarMXC))
	if err != nil {
		return fmt.Errorf("failed to save ghost %s: %w", rec.UserID, err)
	}
	return nil
}
