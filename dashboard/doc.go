// Package dashboard implements the backend for a web dashboard that lets
// the owner of a Discord bot browse the bot's guilds and talk in their
// channels as the bot.
//
// The browser never talks to Discord directly. Key components:
//
//   - API: REST endpoints proxying guilds, channels, members, emojis,
//     stickers and messages, with per-resource TTL caches in front.
//   - Gateway: a Discord gateway client with heartbeating, resume and
//     reconnect, shared between relay clients using the same token.
//   - RelayHub: the /api/events websocket, which forwards MESSAGE_CREATE
//     events for the channels a client subscribes to.
//   - Notifier: tells other instances sharing the database to purge
//     their caches.
//
// Bot tokens are supplied per request and are never persisted. Anything
// that needs to identify a token, like cache keys or logs, uses a
// truncated SHA-256 fingerprint of it.
package dashboard
