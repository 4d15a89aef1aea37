// Copyright 2024-2026 Aiku AI

package connector

import (
	"sync"

	"github.com/aiku/mautrix-slack-teamsync/pkg/teamsync"
)

// RoomRegistry is the in-memory index of bridged rooms. It is loaded from the
// database at startup and kept in sync by the engine.
type RoomRegistry struct {
	mu    sync.RWMutex
	links map[string]*teamsync.BridgedRoomLink
	order []string
}

var _ teamsync.RoomRegistry = (*RoomRegistry)(nil)

func NewRoomRegistry(links []*teamsync.BridgedRoomLink) *RoomRegistry {
	r := &RoomRegistry{links: make(map[string]*teamsync.BridgedRoomLink, len(links))}
	for _, link := range links {
		r.Insert(link)
	}
	return r
}

func (r *RoomRegistry) GetByRemoteChannelID(channelID string) *teamsync.BridgedRoomLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.links[channelID]
}

// ListAll returns the links in insertion order.
func (r *RoomRegistry) ListAll() []*teamsync.BridgedRoomLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*teamsync.BridgedRoomLink, 0, len(r.links))
	for _, channelID := range r.order {
		if link, ok := r.links[channelID]; ok {
			all = append(all, link)
		}
	}
	return all
}

// Insert stores link unless the channel is already linked.
func (r *RoomRegistry) Insert(link *teamsync.BridgedRoomLink) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.links[link.RemoteChannelID]; exists {
		return false
	}
	r.links[link.RemoteChannelID] = link
	r.order = append(r.order, link.RemoteChannelID)
	return true
}

func (r *RoomRegistry) Remove(link *teamsync.BridgedRoomLink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.links[link.RemoteChannelID]; !ok {
		return
	}
	delete(r.links, link.RemoteChannelID)
	for i, channelID := range r.order {
		if channelID == link.RemoteChannelID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of bridged rooms.
func (r *RoomRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}
