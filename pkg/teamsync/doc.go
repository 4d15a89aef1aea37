// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package teamsync reconciles the channels and users of Slack teams into
// bridged Matrix rooms and ghost users.
//
// A full pass is started with [Syncer.SyncAllTeams]. Teams are processed one
// at a time; inside a team the users pass runs before the channels pass, and
// individual channels or users are handled by a small bounded worker pool.
// Live notifications from the event layer enter through
// [Syncer.OnChannelAdded], [Syncer.OnChannelDeleted] and
// [Syncer.OnDiscoveredPrivateChannel].
//
// # Policy
//
// Each team is governed by a [TeamSyncPolicy], looked up by team ID and
// falling back to the "all" entry. A blacklisted channel is always rejected,
// even when it is also whitelisted.
//
// # Idempotency
//
// The existence of a [BridgedRoomLink] for a Slack channel is what prevents a
// second room from being provisioned. Link creation is guarded by an
// in-process claim on the channel ID and by [RoomRegistry.Insert], which
// refuses to overwrite an existing link.
//
// # Failure handling
//
// Per-item failures (one channel, one user, one room leave) are logged and
// never abort sibling items. The public entry points do not return errors.
package teamsync
