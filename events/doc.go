// Package events publishes plugin lifecycle events to Redis and keeps a live index
// of loaded plugins there.
//
// # Redis Key Schema
//
// All keys share a configurable prefix (default "pluginhost"):
//   - <prefix>:events - Pub/Sub channel carrying one JSON Message per lifecycle event
//   - <prefix>:plugin:<id> - Hash with the plugin's current name, version, path,
//     instance id, state and last error
//   - <prefix>:loaded - Set of the ids of plugins currently loaded
//
// A plugin torn down for good has its hash deleted. Hot reloads keep the hash and
// update the instance id.
package events
