// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-slack-teamsync/pkg/teamsync"
)

const (
	testServer = "example.com"
	testBot    = id.UserID("@slackbot:example.com")
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	// User is the Slack token or the masqueraded Matrix user.
	User string
	Body string
}

type callRecorder struct {
	mu    sync.Mutex
	calls []endpointCall
}

func (c *callRecorder) record(call endpointCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *callRecorder) Calls() []endpointCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]endpointCall, len(c.calls))
	copy(cp, c.calls)
	return cp
}

// CallsTo returns the calls whose path contains path.
func (c *callRecorder) CallsTo(path string) []endpointCall {
	var out []endpointCall
	for _, call := range c.Calls() {
		if strings.Contains(call.Path, path) {
			out = append(out, call)
		}
	}
	return out
}

func (c *callRecorder) CalledPath(path string) bool {
	return len(c.CallsTo(path)) > 0
}

// fakeSlack is a test helper that wraps an httptest.Server simulating the
// Slack Web API. List methods page through the configured fixtures with
// cursors "p1", "p2", ...
type fakeSlack struct {
	Server *httptest.Server
	callRecorder

	mu sync.Mutex
	// ChannelPages are the pages returned by conversations.list.
	ChannelPages [][]map[string]any
	// UserPages are the pages returned by users.list.
	UserPages [][]map[string]any
	// Channels maps channel ID to conversations.info results.
	Channels map[string]map[string]any
	// Users maps user ID to users.info results.
	Users map[string]map[string]any
	// Members maps channel ID to conversations.members results.
	Members map[string][]string
	// Errors maps a method to the Slack error code it responds with.
	Errors map[string]string
	// RateLimits maps a method to the number of 429 responses sent before
	// it succeeds.
	RateLimits map[string]int
	// Avatars maps a path under /avatars/ to image bytes.
	Avatars map[string][]byte
}

func newFakeSlack(t *testing.T) *fakeSlack {
	f := &fakeSlack{
		Channels:   make(map[string]map[string]any),
		Users:      make(map[string]map[string]any),
		Members:    make(map[string][]string),
		Errors:     make(map[string]string),
		RateLimits: make(map[string]int),
		Avatars:    make(map[string][]byte),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

// APIURL is the slack.api_url value pointing at the fake.
func (f *fakeSlack) APIURL() string {
	return f.Server.URL + "/api/"
}

func slackChannel(channelID, name string, private bool) map[string]any {
	return map[string]any{
		"id":         channelID,
		"name":       name,
		"is_channel": true,
		"is_private": private,
		"creator":    "UCREATOR",
		"purpose":    map[string]any{"value": name + " purpose"},
		"topic":      map[string]any{"value": ""},
	}
}

func slackUser(userID, name string) map[string]any {
	return map[string]any{
		"id":        userID,
		"name":      name,
		"real_name": strings.ToUpper(name[:1]) + name[1:],
		"profile": map[string]any{
			"display_name": "",
			"real_name":    strings.ToUpper(name[:1]) + name[1:],
		},
	}
}

func pageIndex(cursor string) int {
	var idx int
	if cursor != "" {
		_, _ = fmt.Sscanf(cursor, "p%d", &idx)
	}
	return idx
}

func nextCursor(idx, total int) string {
	if idx+1 >= total {
		return ""
	}
	return fmt.Sprintf("p%d", idx+1)
}

func (f *fakeSlack) writeJSON(w http.ResponseWriter, resp map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeSlack) handler(w http.ResponseWriter, r *http.Request) {
	if avatar, ok := strings.CutPrefix(r.URL.Path, "/avatars/"); ok {
		f.mu.Lock()
		data, found := f.Avatars[avatar]
		f.mu.Unlock()
		f.record(endpointCall{Method: r.Method, Path: r.URL.Path})
		if !found {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)
		return
	}

	_ = r.ParseForm()
	method := strings.TrimPrefix(r.URL.Path, "/api/")
	token := r.Form.Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	f.record(endpointCall{Method: r.Method, Path: method, User: token, Body: r.Form.Encode()})

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RateLimits[method] > 0 {
		f.RateLimits[method]--
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	if code, ok := f.Errors[method]; ok {
		f.writeJSON(w, map[string]any{"ok": false, "error": code})
		return
	}

	switch method {
	case "conversations.list":
		idx := pageIndex(r.Form.Get("cursor"))
		var page []map[string]any
		if idx < len(f.ChannelPages) {
			page = f.ChannelPages[idx]
		}
		f.writeJSON(w, map[string]any{
			"ok":                true,
			"channels":          page,
			"response_metadata": map[string]any{"next_cursor": nextCursor(idx, len(f.ChannelPages))},
		})
	case "users.list":
		idx := pageIndex(r.Form.Get("cursor"))
		var page []map[string]any
		if idx < len(f.UserPages) {
			page = f.UserPages[idx]
		}
		f.writeJSON(w, map[string]any{
			"ok":                true,
			"members":           page,
			"response_metadata": map[string]any{"next_cursor": nextCursor(idx, len(f.UserPages))},
		})
	case "conversations.info":
		ch, ok := f.Channels[r.Form.Get("channel")]
		if !ok {
			f.writeJSON(w, map[string]any{"ok": false, "error": "channel_not_found"})
			return
		}
		f.writeJSON(w, map[string]any{"ok": true, "channel": ch})
	case "users.info":
		user, ok := f.Users[r.Form.Get("user")]
		if !ok {
			f.writeJSON(w, map[string]any{"ok": false, "error": "user_not_found"})
			return
		}
		f.writeJSON(w, map[string]any{"ok": true, "user": user})
	case "conversations.members":
		f.writeJSON(w, map[string]any{
			"ok":                true,
			"members":           f.Members[r.Form.Get("channel")],
			"response_metadata": map[string]any{"next_cursor": ""},
		})
	case "conversations.invite":
		f.writeJSON(w, map[string]any{
			"ok":      true,
			"channel": map[string]any{"id": r.Form.Get("channel")},
		})
	case "chat.postEphemeral":
		f.writeJSON(w, map[string]any{"ok": true, "message_ts": "1700000000.000100"})
	default:
		f.writeJSON(w, map[string]any{"ok": false, "error": "unknown_method"})
	}
}

// fakeHomeserver is a test helper that wraps an httptest.Server simulating
// the parts of the Matrix client-server API used by the bridge.
type fakeHomeserver struct {
	Server *httptest.Server
	callRecorder

	mu      sync.Mutex
	rooms   int
	uploads int
	// FailEndpoints causes paths containing a key to return M_FORBIDDEN.
	FailEndpoints map[string]bool
}

func newFakeHomeserver(t *testing.T) *fakeHomeserver {
	f := &fakeHomeserver{FailEndpoints: make(map[string]bool)}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeHomeserver) Fail(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailEndpoints[path] = true
}

func (f *fakeHomeserver) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	path := r.URL.Path
	f.record(endpointCall{
		Method: r.Method,
		Path:   path,
		User:   r.URL.Query().Get("user_id"),
		Body:   string(body),
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	for prefix := range f.FailEndpoints {
		if strings.Contains(path, prefix) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"forbidden by test"}`))
			return
		}
	}

	switch {
	case strings.HasSuffix(path, "/v3/createRoom"):
		f.rooms++
		_, _ = fmt.Fprintf(w, `{"room_id":"!room%d:%s"}`, f.rooms, testServer)
	case strings.HasPrefix(path, "/_matrix/media/v3/upload"):
		f.uploads++
		_, _ = fmt.Fprintf(w, `{"content_uri":"mxc://%s/avatar%d"}`, testServer, f.uploads)
	case strings.Contains(path, "/send/"):
		_, _ = w.Write([]byte(`{"event_id":"$event"}`))
	default:
		_, _ = w.Write([]byte(`{}`))
	}
}

// testIntents hands out plain clients that masquerade through the user_id
// query parameter, like appservice intents do.
type testIntents struct {
	hsURL string
}

func (ti *testIntents) BotUserID() id.UserID {
	return testBot
}

func (ti *testIntents) Client(_ context.Context, userID id.UserID) (*mautrix.Client, error) {
	cli, err := mautrix.NewClient(ti.hsURL, userID, "as-token")
	if err != nil {
		return nil, err
	}
	cli.SetAppServiceUserID = true
	return cli, nil
}

func boolPtr(b bool) *bool { return &b }

func newTestConfig(t *testing.T, slackAPIURL string) *Config {
	t.Helper()
	cfg := &Config{
		Homeserver: HomeserverConfig{Address: "http://localhost:8008", Domain: testServer},
		AppService: AppServiceConfig{UserPrefix: "slack_"},
		Slack: SlackConfig{
			APIURL:            slackAPIURL,
			RequestsPerSecond: 1000,
			Burst:             100,
		},
		TeamSync: map[string]teamsync.TeamSyncPolicy{
			teamsync.DefaultPolicyKey: {
				Enabled:  true,
				Channels: teamsync.ChannelPolicy{AliasPrefix: "slack_"},
			},
		},
		DisplaynameTemplate: "{{or .DisplayName .RealName .Username}} (Slack)",
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	return cfg
}

// newTestDB opens an upgraded SQLite database in a temporary directory.
func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := OpenDatabase(DatabaseConfig{
		Type: "sqlite3",
		URI:  "file:" + filepath.Join(t.TempDir(), "test.db") + "?_txlock=immediate&_busy_timeout=5000",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err = db.Upgrade(context.Background()); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	return db
}

func saveTestTeam(t *testing.T, db *Database, team *teamsync.Team) {
	t.Helper()
	if err := db.UpsertTeam(context.Background(), team); err != nil {
		t.Fatalf("UpsertTeam: %v", err)
	}
}

var testTeam = &teamsync.Team{
	ID:        "T1",
	Domain:    "acme",
	Name:      "Acme",
	BotUserID: "UBOT",
	BotToken:  "xoxb-team",
}

// testEnv wires a connector over the fakes without an appservice.
type testEnv struct {
	slack *fakeSlack
	hs    *fakeHomeserver
	db    *Database
	cfg   *Config
	tc    *TeamSyncConnector
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		slack: newFakeSlack(t),
		hs:    newFakeHomeserver(t),
		db:    newTestDB(t),
	}
	env.cfg = newTestConfig(t, env.slack.APIURL())
	saveTestTeam(t, env.db, testTeam)
	env.tc = NewConnector(env.cfg, zerolog.Nop())
	bridge := newMatrixBridge(&testIntents{hsURL: env.hs.Server.URL}, env.db, env.cfg, zerolog.Nop())
	if err := env.tc.setup(context.Background(), env.db, bridge); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return env
}
