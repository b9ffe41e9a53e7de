// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 30 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second

	// DatabaseConnectRetries is how many times startup retries the initial database connection
	DatabaseConnectRetries = 5

	// RedisHealthCheckInterval is how often degraded mode is re-evaluated
	RedisHealthCheckInterval = 10 * time.Second

	// ServerReadHeaderTimeout bounds slow clients sending headers
	ServerReadHeaderTimeout = 10 * time.Second
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Room and session constants
const (
	// RoomNamePrefix prefixes every generated room name
	RoomNamePrefix = "room_"

	// RoomNameEntropy is the number of hex characters appended to RoomNamePrefix
	RoomNameEntropy = 8

	// OneToOneCapacity is the fixed capacity of a one-to-one call
	OneToOneCapacity = 2

	// DefaultGroupMax caps group rooms and is the default when no size is requested
	DefaultGroupMax = 100

	// DefaultLiveMax caps live rooms
	DefaultLiveMax = 10000

	// DefaultLiveCapacity is used for live rooms when no size is requested
	DefaultLiveCapacity = 10000

	// DefaultRoomCapacity applies when the session type is not recognised
	DefaultRoomCapacity = 10

	// RoomCacheTTL bounds cached room membership to the expected session lifetime
	RoomCacheTTL = 2 * time.Hour

	// MediaTokenTTL is the validity of media join credentials
	MediaTokenTTL = 2 * time.Hour

	// MediaRoomEmptyTimeout lets the media server reap rooms nobody deleted
	MediaRoomEmptyTimeout = 10 * time.Minute
)

// Media provider call constants
const (
	// MediaRequestTimeout bounds a single media provider request
	MediaRequestTimeout = 10 * time.Second

	// MediaMaxAttempts bounds retried media provider requests
	MediaMaxAttempts = 3

	// MediaRetryBackoff is the base delay between media provider attempts
	MediaRetryBackoff = 200 * time.Millisecond
)

// Call state constants
const (
	// CallStateTTL bounds per-participant call state to the room lifetime
	CallStateTTL = 2 * time.Hour

	// CallStateHistoryLimit caps the per-participant transition history
	CallStateHistoryLimit = 10
)

// Storage constants
const (
	// RecordingURLExpiry is the validity period for presigned recording URLs
	RecordingURLExpiry = 15 * time.Minute
)
