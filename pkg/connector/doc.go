// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector runs the Slack team sync engine against real services:
// the Slack Web API through slack-go, a Matrix homeserver through a mautrix
// appservice, and a Postgres or SQLite database.
//
// # Core Types
//
// [TeamSyncConnector] owns the lifecycle: it opens the [Database], loads the
// [RoomRegistry] from the stored links, runs a full sync pass at startup and
// every sync.interval, and serves the admin API.
//
// [SlackClient] implements the engine's Slack client on top of slack-go, with
// a token bucket shared by every client of the same team.
// [SlackClientFactory] builds those clients from the bot and puppet tokens
// stored in the database.
//
// [MatrixBridge] creates rooms and sends notices as the appservice bot, and
// hands out [Ghost] users whose profiles are persisted so unchanged profiles
// are not re-sent.
//
// # Admin API
//
// All endpoints take and return JSON:
//
//	POST /api/sync                 start a full pass (409 if one is running)
//	PUT  /api/teams                store a team and its bot token
//	PUT  /api/puppets              store a puppeted Slack login
//	POST /api/channels/added       bridge a newly created channel
//	POST /api/channels/discovered  bridge a private channel the bridge joined
//	POST /api/channels/deleted     unlink a deleted channel
//	POST /api/users/changed        re-sync one user's ghost
//	GET  /metrics                  Prometheus metrics
package connector
