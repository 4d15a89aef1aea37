// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-slack-teamsync/pkg/teamsync"
)

const (
	avatarDownloadTimeout = 30 * time.Second
	maxAvatarSize         = 10 << 20
)

// Ghost is the Matrix puppet of one Slack user. Profile changes are
// persisted so unchanged profiles are not re-sent on every pass.
type Ghost struct {
	client *mautrix.Client
	bridge *MatrixBridge
	log    zerolog.Logger

	mu     sync.Mutex
	record *GhostRecord
}

var _ teamsync.Ghost = (*Ghost)(nil)

func (g *Ghost) UserID() id.UserID {
	return g.record.UserID
}

// UpdateProfile brings the ghost's display name and avatar in line with the
// Slack profile.
func (g *Ghost) UpdateProfile(ctx context.Context, user *teamsync.RemoteUser) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	changed := false
	name := g.bridge.cfg.FormatDisplayname(DisplaynameParams{
		Username:    user.Name,
		RealName:    user.RealName,
		DisplayName: user.DisplayName,
		FirstName:   user.FirstName,
		LastName:    user.LastName,
	})
	if name != g.record.Name {
		if err := g.client.SetDisplayName(ctx, name); err != nil {
			return fmt.Errorf("failed to set display name: %w", err)
		}
		g.record.Name = name
		changed = true
	}

	if user.AvatarURL != g.record.AvatarURL {
		var uri id.ContentURI
		if user.AvatarURL != "" {
			var err error
			if uri, err = g.reuploadAvatar(ctx, user.AvatarURL); err != nil {
				return err
			}
		}
		if err := g.client.SetAvatarURL(ctx, uri); err != nil {
			return fmt.Errorf("failed to set avatar: %w", err)
		}
		g.record.AvatarURL = user.AvatarURL
		g.record.AvatarMXC = contentURIString(uri)
		changed = true
	}

	if !changed {
		return nil
	}
	g.log.Debug().Str("name", name).Msg("Updated ghost profile")
	return g.bridge.db.UpsertGhost(ctx, g.record)
}

func (g *Ghost) reuploadAvatar(ctx context.Context, url string) (id.ContentURI, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("failed to prepare avatar download: %w", err)
	}
	resp, err := g.bridge.httpClient.Do(req)
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("failed to download avatar: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return id.ContentURI{}, fmt.Errorf("failed to download avatar: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAvatarSize+1))
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("failed to read avatar: %w", err)
	} else if len(data) > maxAvatarSize {
		return id.ContentURI{}, fmt.Errorf("avatar is larger than %d bytes", maxAvatarSize)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	upload, err := g.client.UploadBytes(ctx, data, contentType)
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("failed to upload avatar: %w", err)
	}
	return upload.ContentURI, nil
}

func (g *Ghost) SetDisplayName(ctx context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.client.SetDisplayName(ctx, name); err != nil {
		return err
	}
	g.record.Name = name
	return g.bridge.db.UpsertGhost(ctx, g.record)
}

// SetAvatar sets the avatar to uri. An empty uri removes the avatar.
func (g *Ghost) SetAvatar(ctx context.Context, uri id.ContentURI) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.client.SetAvatarURL(ctx, uri); err != nil {
		return err
	}
	g.record.AvatarURL = ""
	g.record.AvatarMXC = contentURIString(uri)
	return g.bridge.db.UpsertGhost(ctx, g.record)
}

func (g *Ghost) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := g.client.LeaveRoom(ctx, roomID)
	return err
}

func contentURIString(uri id.ContentURI) id.ContentURIString {
	if uri.IsEmpty() {
		return ""
	}
	return uri.CUString()
}
