// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-slack-teamsync/pkg/teamsync"
)

// intents hands out Matrix clients acting as the bridge bot or a ghost.
type intents interface {
	BotUserID() id.UserID
	Client(ctx context.Context, userID id.UserID) (*mautrix.Client, error)
}

// appserviceIntents masquerades as users in the appservice namespace.
// Ghosts are registered on first use.
type appserviceIntents struct {
	as     *appservice.AppService
	prefix string
}

// NewAppService creates the appservice from the registration file.
func NewAppService(cfg *Config) (*appservice.AppService, error) {
	reg, err := appservice.LoadRegistration(cfg.AppService.Registration)
	if err != nil {
		return nil, fmt.Errorf("failed to load registration: %w", err)
	}
	as, err := appservice.CreateFull(appservice.CreateOpts{
		Registration:     reg,
		HomeserverDomain: cfg.Homeserver.Domain,
		HomeserverURL:    cfg.Homeserver.Address,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create appservice: %w", err)
	}
	return as, nil
}

func (a *appserviceIntents) BotUserID() id.UserID {
	return a.as.BotMXID()
}

func (a *appserviceIntents) Client(ctx context.Context, userID id.UserID) (*mautrix.Client, error) {
	intent := a.as.Intent(userID)
	if intent == nil {
		return nil, fmt.Errorf("%s is not a user on this homeserver", userID)
	}
	if userID != a.as.BotMXID() {
		if _, _, ok := ParseGhostUserID(a.prefix, userID); ok {
			if err := intent.EnsureRegistered(ctx); err != nil {
				return nil, fmt.Errorf("failed to register %s: %w", userID, err)
			}
		}
	}
	return intent.Client, nil
}

// MatrixBridge is the Matrix side of the team sync.
type MatrixBridge struct {
	intents    intents
	db         *Database
	cfg        *Config
	serverName string
	httpClient *http.Client
	log        zerolog.Logger

	ghostMu sync.Mutex
	ghosts  map[id.UserID]*Ghost
}

var _ teamsync.LocalBridge = (*MatrixBridge)(nil)

// NewMatrixBridge creates a bridge backed by an appservice.
func NewMatrixBridge(as *appservice.AppService, db *Database, cfg *Config, log zerolog.Logger) *MatrixBridge {
	return newMatrixBridge(&appserviceIntents{as: as, prefix: cfg.AppService.UserPrefix}, db, cfg, log)
}

func newMatrixBridge(in intents, db *Database, cfg *Config, log zerolog.Logger) *MatrixBridge {
	return &MatrixBridge{
		intents:    in,
		db:         db,
		cfg:        cfg,
		serverName: cfg.Homeserver.Domain,
		httpClient: &http.Client{Timeout: avatarDownloadTimeout},
		log:        log.With().Str("component", "matrix").Logger(),
		ghosts:     make(map[id.UserID]*Ghost),
	}
}

func (mb *MatrixBridge) BotUserID() id.UserID {
	return mb.intents.BotUserID()
}

func (mb *MatrixBridge) bot(ctx context.Context) (*mautrix.Client, error) {
	return mb.intents.Client(ctx, mb.intents.BotUserID())
}

// CreateRoom creates a room as sender, which must be the bot or a ghost.
func (mb *MatrixBridge) CreateRoom(ctx context.Context, sender id.UserID, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	cli, err := mb.intents.Client(ctx, sender)
	if err != nil {
		return "", err
	}
	resp, err := cli.CreateRoom(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (mb *MatrixBridge) SendNotice(ctx context.Context, roomID id.RoomID, text string) error {
	cli, err := mb.bot(ctx)
	if err != nil {
		return err
	}
	_, err = cli.SendNotice(ctx, roomID, text)
	return err
}

// SetRoomDirectoryVisibility publishes ("public") or hides ("private") a
// room in the homeserver's room directory.
func (mb *MatrixBridge) SetRoomDirectoryVisibility(ctx context.Context, roomID id.RoomID, visibility string) error {
	cli, err := mb.bot(ctx)
	if err != nil {
		return err
	}
	url := cli.BuildClientURL("v3", "directory", "list", "room", roomID.String())
	_, err = cli.MakeRequest(ctx, http.MethodPut, url, map[string]string{"visibility": visibility}, nil)
	return err
}

// GetOrCreateGhost returns the ghost of a Slack user, loading its stored
// profile on first use. Registration and the database read happen outside
// the cache lock; if two callers race, the first cached ghost wins.
func (mb *MatrixBridge) GetOrCreateGhost(ctx context.Context, remoteUserID, domain, teamID string) (teamsync.Ghost, error) {
	if domain == "" {
		return nil, fmt.Errorf("%w: %s", teamsync.ErrTeamDomainMissing, teamID)
	}
	userID := MakeGhostUserID(mb.cfg.AppService.UserPrefix, domain, remoteUserID, mb.serverName)

	mb.ghostMu.Lock()
	ghost, ok := mb.ghosts[userID]
	mb.ghostMu.Unlock()
	if ok {
		return ghost, nil
	}

	cli, err := mb.intents.Client(ctx, userID)
	if err != nil {
		return nil, err
	}
	rec, err := mb.db.GetGhost(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &GhostRecord{UserID: userID, TeamID: teamID, RemoteUserID: remoteUserID}
	}

	mb.ghostMu.Lock()
	defer mb.ghostMu.Unlock()
	if existing, ok := mb.ghosts[userID]; ok {
		return existing, nil
	}
	ghost = &Ghost{
		client: cli,
		record: rec,
		bridge: mb,
		log:    mb.log.With().Str("ghost", userID.String()).Logger(),
	}
	mb.ghosts[userID] = ghost
	return ghost, nil
}
