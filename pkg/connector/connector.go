// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-slack-teamsync/pkg/teamsync"
)

const defaultAdminAPIAddr = ":29335"

// TeamSyncConnector owns the team sync engine and its collaborators, runs
// the periodic sync loop and serves the admin API.
type TeamSyncConnector struct {
	Config *Config
	Log    zerolog.Logger

	DB       *Database
	Bridge   teamsync.LocalBridge
	Clients  *SlackClientFactory
	Registry *RoomRegistry
	Syncer   *teamsync.Syncer
	Metrics  *prometheus.Registry

	policy *teamsync.PolicyFilter

	// passMu is held for the whole duration of a full sync pass.
	passMu sync.Mutex
	runCtx context.Context
	server *http.Server
}

// NewConnector creates a connector. Call Start to open the database and
// begin syncing.
func NewConnector(cfg *Config, log zerolog.Logger) *TeamSyncConnector {
	return &TeamSyncConnector{Config: cfg, Log: log}
}

// Start opens the database, connects to the homeserver through the
// appservice registration, starts the admin API and the sync loop.
func (tc *TeamSyncConnector) Start(ctx context.Context) error {
	if err := tc.Config.PostProcess(); err != nil {
		return fmt.Errorf("failed to post-process config: %w", err)
	}
	db, err := OpenDatabase(tc.Config.Database, tc.Log)
	if err != nil {
		return err
	}
	if err = db.Upgrade(ctx); err != nil {
		return err
	}
	as, err := NewAppService(tc.Config)
	if err != nil {
		return err
	}
	as.Log = tc.Log.With().Str("component", "appservice").Logger()
	if err = tc.setup(ctx, db, NewMatrixBridge(as, db, tc.Config, tc.Log)); err != nil {
		return err
	}

	tc.startAdminAPI()
	go tc.WatchSync(ctx, tc.Config.Sync.Interval)
	return nil
}

// setup wires the engine over an opened database and a Matrix bridge.
func (tc *TeamSyncConnector) setup(ctx context.Context, db *Database, bridge teamsync.LocalBridge) error {
	links, err := db.ListLinks(ctx)
	if err != nil {
		return err
	}
	tc.runCtx = ctx
	tc.DB = db
	tc.Bridge = bridge
	tc.Registry = NewRoomRegistry(links)
	tc.Clients = NewSlackClientFactory(db, tc.Config.Slack, tc.Log)
	tc.Metrics = prometheus.NewRegistry()
	tc.Metrics.MustRegister(collectors.NewGoCollector())
	tc.policy = tc.Config.PolicyFilter()

	syncCfg := tc.Config.Sync
	tc.Syncer = teamsync.New(teamsync.Params{
		Bridge:   bridge,
		Store:    db,
		Registry: tc.Registry,
		Clients:  tc.Clients,
		Policy:   tc.policy,
		Metrics:  teamsync.NewMetrics(tc.Metrics),
		Log:      tc.Log,
		PageBackoff: teamsync.Backoff{
			Min: syncCfg.PageWaitMin,
			Max: syncCfg.PageWaitMax,
		},
		MaxPages:        syncCfg.MaxPages,
		TeamConcurrency: syncCfg.TeamConcurrency,
		ItemConcurrency: syncCfg.ItemConcurrency,
	})
	tc.Log.Info().
		Int("bridged_rooms", tc.Registry.Len()).
		Msg("Team sync initialized")
	return nil
}

func (tc *TeamSyncConnector) startAdminAPI() {
	apiAddr := tc.Config.AdminAPIAddr
	if apiAddr == "" {
		apiAddr = defaultAdminAPIAddr
	}
	tc.server = &http.Server{
		Addr:         apiAddr,
		Handler:      tc.adminMux(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		tc.Log.Info().Str("addr", apiAddr).Msg("Starting team sync admin API")
		if err := tc.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			tc.Log.Error().Err(err).Msg("Team sync admin API error")
		}
	}()
}

func (tc *TeamSyncConnector) adminMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sync", tc.HandleSync)
	mux.HandleFunc("/api/teams", tc.HandlePutTeam)
	mux.HandleFunc("/api/puppets", tc.HandlePutPuppet)
	mux.HandleFunc("/api/channels/added", tc.HandleChannelAdded)
	mux.HandleFunc("/api/channels/discovered", tc.HandleChannelDiscovered)
	mux.HandleFunc("/api/channels/deleted", tc.HandleChannelDeleted)
	mux.HandleFunc("/api/users/changed", tc.HandleUserChanged)
	mux.Handle("/metrics", promhttp.HandlerFor(tc.Metrics, promhttp.HandlerOpts{}))
	return mux
}

// Stop shuts down the admin API. Running passes end when the context given
// to Start is cancelled.
func (tc *TeamSyncConnector) Stop(ctx context.Context) error {
	if tc.server != nil {
		if err := tc.server.Shutdown(ctx); err != nil {
			return err
		}
	}
	if tc.DB != nil {
		return tc.DB.Close()
	}
	return nil
}

// SyncOnce runs one full pass over every stored team. It returns false
// without doing anything if another pass is running.
func (tc *TeamSyncConnector) SyncOnce(ctx context.Context) bool {
	if !tc.passMu.TryLock() {
		return false
	}
	defer tc.passMu.Unlock()
	tc.syncAll(ctx)
	return true
}

// startSync runs a pass in the background unless one is already running.
func (tc *TeamSyncConnector) startSync() bool {
	if !tc.passMu.TryLock() {
		return false
	}
	go func() {
		defer tc.passMu.Unlock()
		tc.syncAll(tc.runCtx)
	}()
	return true
}

func (tc *TeamSyncConnector) syncAll(ctx context.Context) {
	teams, err := tc.Clients.TeamClients(ctx)
	if err != nil {
		tc.Log.Error().Err(err).Msg("Failed to load teams for sync")
		return
	}
	start := time.Now()
	tc.Log.Info().Int("teams", len(teams)).Msg("Starting full team sync")
	tc.Syncer.SyncAllTeams(ctx, teams)
	tc.Log.Info().
		Int("teams", len(teams)).
		Dur("duration", time.Since(start)).
		Msg("Full team sync finished")
}

// WatchSync runs a full pass immediately and then every interval until ctx
// is done. An interval of zero runs only the initial pass.
func (tc *TeamSyncConnector) WatchSync(ctx context.Context, interval time.Duration) {
	if !tc.SyncOnce(ctx) {
		tc.Log.Debug().Msg("Initial sync skipped, a pass is already running")
	}
	if interval <= 0 {
		tc.Log.Info().Msg("Periodic team sync disabled")
		return
	}

	tc.Log.Info().
		Dur("interval", interval).
		Msg("Starting periodic team sync loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			tc.Log.Info().Msg("Periodic team sync stopped")
			return
		case <-ticker.C:
			if !tc.SyncOnce(ctx) {
				tc.Log.Warn().Msg("Previous team sync still running, skipping tick")
			}
		}
	}
}
