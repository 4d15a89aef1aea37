// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-slack-teamsync/pkg/teamsync"
)

// maxAdminBodySize is the maximum allowed request body for admin API calls (1 MB).
const maxAdminBodySize = 1 << 20

var errEmptyBody = errors.New("empty request body")

// ChannelEvent is the body of the channel hook endpoints.
type ChannelEvent struct {
	TeamID    string `json:"team_id"`
	ChannelID string `json:"channel_id"`
	Name      string `json:"name,omitempty"`
	CreatorID string `json:"creator_id,omitempty"`
	// UserID is the Slack user whose puppet client discovered a private
	// channel. Empty means the team's bot client.
	UserID string `json:"user_id,omitempty"`
}

// UserEvent is the body of the user change hook.
type UserEvent struct {
	TeamID string `json:"team_id"`
	UserID string `json:"user_id"`
}

// TeamEntry is the body of PUT /api/teams.
type TeamEntry struct {
	TeamID    string `json:"team_id"`
	Domain    string `json:"domain"`
	Name      string `json:"name"`
	BotUserID string `json:"bot_user_id"`
	BotToken  string `json:"bot_token"`
}

// PuppetEntry is the body of PUT /api/puppets.
type PuppetEntry struct {
	TeamID string `json:"team_id"`
	UserID string `json:"user_id"`
	MXID   string `json:"mxid"`
	Token  string `json:"token"`
}

// readJSON decodes a size-limited JSON body into into. It writes the error
// response itself and returns false on failure.
func readJSON(w http.ResponseWriter, r *http.Request, into any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		http.Error(w, errEmptyBody.Error(), http.StatusBadRequest)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return false
	}
	if err = json.Unmarshal(body, into); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (tc *TeamSyncConnector) writeJSON(w http.ResponseWriter, status int, resp any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		tc.Log.Warn().Err(err).Msg("Failed to write admin API response")
	}
}

// hookContext detaches a hook from the HTTP request so a client hanging up
// does not abort half-done room provisioning.
func hookContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// HandleSync is an HTTP handler for POST /api/sync. It starts a full pass
// in the background.
func (tc *TeamSyncConnector) HandleSync(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	tc.Log.Info().Str("remote_addr", r.RemoteAddr).Msg("Full sync requested")
	if !tc.startSync() {
		tc.writeJSON(w, http.StatusConflict, map[string]string{"status": "running"})
		return
	}
	tc.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandlePutTeam is an HTTP handler for PUT /api/teams.
func (tc *TeamSyncConnector) HandlePutTeam(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPut) {
		return
	}
	var entry TeamEntry
	if !readJSON(w, r, &entry) {
		return
	}
	if entry.TeamID == "" || entry.Domain == "" {
		http.Error(w, "team_id and domain are required", http.StatusBadRequest)
		return
	}
	err := tc.DB.UpsertTeam(r.Context(), &teamsync.Team{
		ID:        entry.TeamID,
		Domain:    entry.Domain,
		Name:      entry.Name,
		BotUserID: entry.BotUserID,
		BotToken:  entry.BotToken,
	})
	if err != nil {
		tc.Log.Error().Err(err).Str("team_id", entry.TeamID).Msg("Failed to save team")
		http.Error(w, "failed to save team", http.StatusInternalServerError)
		return
	}
	tc.Log.Info().Str("team_id", entry.TeamID).Str("domain", entry.Domain).Msg("Saved team")
	w.WriteHeader(http.StatusNoContent)
}

// HandlePutPuppet is an HTTP handler for PUT /api/puppets.
func (tc *TeamSyncConnector) HandlePutPuppet(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPut) {
		return
	}
	var entry PuppetEntry
	if !readJSON(w, r, &entry) {
		return
	}
	mxid := id.UserID(entry.MXID)
	if _, _, err := mxid.Parse(); err != nil || entry.TeamID == "" || entry.UserID == "" {
		http.Error(w, "team_id, user_id and a valid mxid are required", http.StatusBadRequest)
		return
	}
	err := tc.DB.UpsertPuppet(r.Context(), &Puppet{
		TeamID:       entry.TeamID,
		RemoteUserID: entry.UserID,
		UserID:       mxid,
		Token:        entry.Token,
	})
	if err != nil {
		tc.Log.Error().Err(err).Str("team_id", entry.TeamID).Msg("Failed to save puppet")
		http.Error(w, "failed to save puppet", http.StatusInternalServerError)
		return
	}
	tc.Log.Info().
		Str("team_id", entry.TeamID).
		Str("user_id", entry.UserID).
		Str("mxid", entry.MXID).
		Msg("Saved puppet")
	w.WriteHeader(http.StatusNoContent)
}

func (tc *TeamSyncConnector) readChannelEvent(w http.ResponseWriter, r *http.Request) (*ChannelEvent, bool) {
	if !allowMethod(w, r, http.MethodPost) {
		return nil, false
	}
	var evt ChannelEvent
	if !readJSON(w, r, &evt) {
		return nil, false
	}
	if evt.TeamID == "" || evt.ChannelID == "" {
		http.Error(w, "team_id and channel_id are required", http.StatusBadRequest)
		return nil, false
	}
	return &evt, true
}

func (tc *TeamSyncConnector) writeLink(w http.ResponseWriter, channelID string) {
	resp := map[string]string{"channel_id": channelID}
	if link := tc.Registry.GetByRemoteChannelID(channelID); link != nil {
		resp["room_id"] = link.RoomID.String()
	}
	tc.writeJSON(w, http.StatusOK, resp)
}

// HandleChannelAdded is an HTTP handler for POST /api/channels/added.
func (tc *TeamSyncConnector) HandleChannelAdded(w http.ResponseWriter, r *http.Request) {
	evt, ok := tc.readChannelEvent(w, r)
	if !ok {
		return
	}
	tc.Syncer.OnChannelAdded(hookContext(r), evt.TeamID, evt.ChannelID, evt.Name, evt.CreatorID)
	tc.writeLink(w, evt.ChannelID)
}

// HandleChannelDiscovered is an HTTP handler for POST /api/channels/discovered.
func (tc *TeamSyncConnector) HandleChannelDiscovered(w http.ResponseWriter, r *http.Request) {
	evt, ok := tc.readChannelEvent(w, r)
	if !ok {
		return
	}
	ctx := hookContext(r)
	log := tc.Log.With().Str("team_id", evt.TeamID).Str("channel_id", evt.ChannelID).Logger()

	var client teamsync.RemoteClient
	var err error
	if evt.UserID != "" {
		client, err = tc.Clients.ClientForUser(ctx, evt.TeamID, evt.UserID)
	} else {
		client, err = tc.Clients.ClientForTeam(ctx, evt.TeamID)
	}
	if err != nil {
		log.Warn().Err(err).Msg("No Slack client for discovered channel")
		http.Error(w, "no Slack client for team", http.StatusNotFound)
		return
	}
	channel, err := client.GetChannelInfo(ctx, evt.ChannelID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to get info for discovered channel")
		http.Error(w, "failed to get channel info", http.StatusBadGateway)
		return
	}
	tc.Syncer.OnDiscoveredPrivateChannel(ctx, evt.TeamID, client, channel)
	tc.writeLink(w, evt.ChannelID)
}

// HandleChannelDeleted is an HTTP handler for POST /api/channels/deleted.
func (tc *TeamSyncConnector) HandleChannelDeleted(w http.ResponseWriter, r *http.Request) {
	evt, ok := tc.readChannelEvent(w, r)
	if !ok {
		return
	}
	tc.Syncer.OnChannelDeleted(hookContext(r), evt.TeamID, evt.ChannelID)
	tc.writeLink(w, evt.ChannelID)
}

// HandleUserChanged is an HTTP handler for POST /api/users/changed. It
// re-syncs one user's ghost.
func (tc *TeamSyncConnector) HandleUserChanged(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var evt UserEvent
	if !readJSON(w, r, &evt) {
		return
	}
	if evt.TeamID == "" || evt.UserID == "" {
		http.Error(w, "team_id and user_id are required", http.StatusBadRequest)
		return
	}
	if _, ok := tc.policy.IsEligible(evt.TeamID, teamsync.KindUser, evt.UserID); !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ctx := hookContext(r)
	log := tc.Log.With().Str("team_id", evt.TeamID).Str("user_id", evt.UserID).Logger()

	team, err := tc.DB.GetTeam(ctx, evt.TeamID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get team")
		http.Error(w, "failed to get team", http.StatusInternalServerError)
		return
	} else if team == nil {
		http.Error(w, "unknown team", http.StatusNotFound)
		return
	}
	client, err := tc.Clients.ClientForTeam(ctx, evt.TeamID)
	if err != nil {
		log.Warn().Err(err).Msg("No Slack client for changed user")
		http.Error(w, "no Slack client for team", http.StatusNotFound)
		return
	}
	user, err := client.GetUserInfo(ctx, evt.UserID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to get info for changed user")
		http.Error(w, "failed to get user info", http.StatusBadGateway)
		return
	}
	tc.Syncer.SyncUser(ctx, team.ID, team.Domain, user)
	w.WriteHeader(http.StatusNoContent)
}
