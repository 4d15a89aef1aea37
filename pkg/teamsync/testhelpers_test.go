// Copyright 2024-2026 Aiku AI

package teamsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

const testBot = id.UserID("@slackbot:example.com")

var errFake = errors.New("fake error")

// fakeGhost records profile changes and room leaves.
type fakeGhost struct {
	userID id.UserID

	mu          sync.Mutex
	displayName string
	avatar      id.ContentURI
	avatarSet   bool
	updated     []string
	left        []id.RoomID
	failLeave   map[id.RoomID]bool
}

func (g *fakeGhost) UserID() id.UserID { return g.userID }

func (g *fakeGhost) UpdateProfile(_ context.Context, user *RemoteUser) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updated = append(g.updated, user.ID)
	g.displayName = user.RealName
	return nil
}

func (g *fakeGhost) SetDisplayName(_ context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.displayName = name
	return nil
}

func (g *fakeGhost) SetAvatar(_ context.Context, uri id.ContentURI) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.avatar = uri
	g.avatarSet = true
	return nil
}

func (g *fakeGhost) LeaveRoom(_ context.Context, roomID id.RoomID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.left = append(g.left, roomID)
	if g.failLeave[roomID] {
		return errFake
	}
	return nil
}

type createRoomCall struct {
	Sender id.UserID
	Req    *mautrix.ReqCreateRoom
}

// fakeBridge is an in-memory LocalBridge.
type fakeBridge struct {
	mu          sync.Mutex
	ghosts      map[string]*fakeGhost
	created     []createRoomCall
	notices     map[id.RoomID][]string
	visibility  map[id.RoomID]string
	failCreate  bool
	failNotice  bool
	failGhostOf map[string]bool
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		ghosts:      make(map[string]*fakeGhost),
		notices:     make(map[id.RoomID][]string),
		visibility:  make(map[id.RoomID]string),
		failGhostOf: make(map[string]bool),
	}
}

func (b *fakeBridge) BotUserID() id.UserID { return testBot }

func (b *fakeBridge) CreateRoom(_ context.Context, sender id.UserID, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failCreate {
		return "", errFake
	}
	b.created = append(b.created, createRoomCall{Sender: sender, Req: req})
	return id.RoomID(fmt.Sprintf("!room%d:example.com", len(b.created))), nil
}

func (b *fakeBridge) SendNotice(_ context.Context, roomID id.RoomID, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNotice {
		return errFake
	}
	b.notices[roomID] = append(b.notices[roomID], text)
	return nil
}

func (b *fakeBridge) SetRoomDirectoryVisibility(_ context.Context, roomID id.RoomID, visibility string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.visibility[roomID] = visibility
	return nil
}

func (b *fakeBridge) GetOrCreateGhost(_ context.Context, remoteUserID, domain, _ string) (Ghost, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failGhostOf[remoteUserID] {
		return nil, errFake
	}
	if g, ok := b.ghosts[remoteUserID]; ok {
		return g, nil
	}
	g := &fakeGhost{
		userID:    id.UserID(fmt.Sprintf("@slack_%s_%s:example.com", domain, remoteUserID)),
		failLeave: make(map[id.RoomID]bool),
	}
	b.ghosts[remoteUserID] = g
	return g, nil
}

func (b *fakeBridge) Created() []createRoomCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]createRoomCall, len(b.created))
	copy(cp, b.created)
	return cp
}

// fakeStore is an in-memory Datastore.
type fakeStore struct {
	mu         sync.Mutex
	teams      map[string]*Team
	links      map[string]*BridgedRoomLink
	puppets    map[string]id.UserID
	failDelete bool
	failUpsert bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		teams:   make(map[string]*Team),
		links:   make(map[string]*BridgedRoomLink),
		puppets: make(map[string]id.UserID),
	}
}

func (s *fakeStore) GetTeam(_ context.Context, teamID string) (*Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teams[teamID], nil
}

func (s *fakeStore) UpsertLink(_ context.Context, link *BridgedRoomLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpsert {
		return errFake
	}
	s.links[link.RemoteChannelID] = link
	return nil
}

func (s *fakeStore) DeleteLink(_ context.Context, link *BridgedRoomLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDelete {
		return errFake
	}
	delete(s.links, link.RemoteChannelID)
	return nil
}

func (s *fakeStore) GetPuppetLocalUserID(_ context.Context, teamID, remoteUserID string) (id.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puppets[teamID+":"+remoteUserID], nil
}

func (s *fakeStore) Links() map[string]*BridgedRoomLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]*BridgedRoomLink, len(s.links))
	for k, v := range s.links {
		cp[k] = v
	}
	return cp
}

// fakeRegistry is a mutex-guarded RoomRegistry.
type fakeRegistry struct {
	mu    sync.Mutex
	links map[string]*BridgedRoomLink
	order []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{links: make(map[string]*BridgedRoomLink)}
}

func (r *fakeRegistry) GetByRemoteChannelID(channelID string) *BridgedRoomLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links[channelID]
}

func (r *fakeRegistry) ListAll() []*BridgedRoomLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*BridgedRoomLink, 0, len(r.order))
	for _, key := range r.order {
		if link, ok := r.links[key]; ok {
			all = append(all, link)
		}
	}
	return all
}

func (r *fakeRegistry) Insert(link *BridgedRoomLink) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.links[link.RemoteChannelID]; exists {
		return false
	}
	r.links[link.RemoteChannelID] = link
	r.order = append(r.order, link.RemoteChannelID)
	return true
}

func (r *fakeRegistry) Remove(link *BridgedRoomLink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.links, link.RemoteChannelID)
}

// fakeRemote serves canned Slack pages keyed by cursor.
type fakeRemote struct {
	mu sync.Mutex

	channelPages map[string][]RemoteChannel
	channelNext  map[string]string
	userPages    map[string][]RemoteUser
	userNext     map[string]string
	memberPages  map[string][]string
	memberNext   map[string]string
	info         map[string]*RemoteChannel

	failInvite bool
	failHint   bool
	invites    []string
	hints      []string
	listCalls  int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		channelPages: make(map[string][]RemoteChannel),
		channelNext:  make(map[string]string),
		userPages:    make(map[string][]RemoteUser),
		userNext:     make(map[string]string),
		memberPages:  make(map[string][]string),
		memberNext:   make(map[string]string),
		info:         make(map[string]*RemoteChannel),
	}
}

func (f *fakeRemote) ListChannels(_ context.Context, cursor string) ([]RemoteChannel, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.channelPages[cursor], f.channelNext[cursor], nil
}

func (f *fakeRemote) ListUsers(_ context.Context, cursor string) ([]RemoteUser, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userPages[cursor], f.userNext[cursor], nil
}

func (f *fakeRemote) GetChannelInfo(_ context.Context, channelID string) (*RemoteChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.info[channelID]
	if !ok {
		return nil, errFake
	}
	cp := *ch
	return &cp, nil
}

func (f *fakeRemote) GetUserInfo(_ context.Context, userID string) (*RemoteUser, error) {
	return &RemoteUser{ID: userID}, nil
}

func (f *fakeRemote) ListChannelMembers(_ context.Context, channelID, cursor string) ([]string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memberPages[channelID+":"+cursor], f.memberNext[channelID+":"+cursor], nil
}

func (f *fakeRemote) InviteToChannel(_ context.Context, channelID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInvite {
		return errFake
	}
	f.invites = append(f.invites, channelID+":"+userID)
	return nil
}

func (f *fakeRemote) PostEphemeralMessage(_ context.Context, channelID, userID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHint {
		return errFake
	}
	f.hints = append(f.hints, channelID+":"+userID+":"+text)
	return nil
}

// fakeFactory hands out fakeRemote clients.
type fakeFactory struct {
	team  RemoteClient
	users map[string]RemoteClient
}

func (f *fakeFactory) ClientForTeam(_ context.Context, _ string) (RemoteClient, error) {
	if f.team == nil {
		return nil, errFake
	}
	return f.team, nil
}

func (f *fakeFactory) ClientForUser(_ context.Context, _, userID string) (RemoteClient, error) {
	if c, ok := f.users[userID]; ok {
		return c, nil
	}
	return nil, errFake
}

type testEnv struct {
	syncer   *Syncer
	bridge   *fakeBridge
	store    *fakeStore
	registry *fakeRegistry
	remote   *fakeRemote
	factory  *fakeFactory
}

// newTestEnv wires a Syncer to fresh fakes with team T1 (domain "acme") and
// the given policy table.
func newTestEnv(policies map[string]TeamSyncPolicy) *testEnv {
	env := &testEnv{
		bridge:   newFakeBridge(),
		store:    newFakeStore(),
		registry: newFakeRegistry(),
		remote:   newFakeRemote(),
	}
	env.factory = &fakeFactory{team: env.remote, users: make(map[string]RemoteClient)}
	env.store.teams["T1"] = &Team{ID: "T1", Domain: "acme", BotUserID: "UBOT", BotToken: "xoxb-test"}
	env.syncer = New(Params{
		Bridge:   env.bridge,
		Store:    env.store,
		Registry: env.registry,
		Clients:  env.factory,
		Policy:   NewPolicyFilter(policies),
		Log:      zerolog.Nop(),
	})
	return env
}

func enabledPolicy() map[string]TeamSyncPolicy {
	return map[string]TeamSyncPolicy{"T1": {Enabled: true}}
}

func publicChannel(channelID, name string) RemoteChannel {
	return RemoteChannel{ID: channelID, Name: name, CreatorID: "UCREATOR", IsChannel: true, Purpose: "about " + name}
}

func boolPtr(b bool) *bool { return &b }
