// Package redishost implements sessions.Host on Redis so sessions survive
// restarts and are shared across horizontally scaled relying-party instances.
//
// Design Notes
//   - Session blobs: plain string keys written with SET PX; Redis expires them.
//   - Indices: Redis sets at "sid:<sid>" and "sub:<sub>".
//   - Index upsert: a Lua script runs SADD, PTTL and PEXPIRE atomically so the
//     set never ends up with a TTL shorter than a member it was extended for.
//   - Without scripting (DisableScripting) the upsert falls back to a
//     pipelined SADD+PTTL followed by PEXPIRE. Two writers to the same key may
//     then interleave and leave the TTL at the smaller of their values; the
//     impact is bounded by that session's own remaining lifetime.
//   - KeyPrefix defaults to empty so the persisted layout is exactly
//     "<id>", "sid:<sid>", "sub:<sub>".
//
// Example:
//
//	host, _ := redishost.New(redishost.Config{RedisAddr: "localhost:6379", KeyPrefix: "rp:"})
//	defer host.Close()
//
// Use memoryhost for ephemeral development; use redishost where scale-out or
// restart persistence is required.
package redishost
