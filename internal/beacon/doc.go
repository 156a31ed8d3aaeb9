// Package beacon implements the tracker detection engine: it links rotating
// BLE addresses into stable identities, keeps running statistics per
// identity, classifies devices as fixed or moving with the owner, scores how
// strongly each one appears to follow the owner, and decides when to alert.
//
// The per-event pipeline lives in Evaluate and is pure. Engine adds identity
// resolution, per-identity locking, batching and persistence through the
// Store interfaces; MemoryStore and internal/db provide implementations.
//
// Dependency rule: beacon may import config, geo, monitoring and timeutil.
// It must not import db, api, ingest, serialmux or notify.
package beacon
