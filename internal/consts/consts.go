package consts

const (
	// BoardEventsChannel is the Redis pub/sub channel carrying change events between nodes.
	BoardEventsChannel = "board-events"
	// IdempotencyKeyPrefix namespaces deduplicated insert requests in Redis.
	IdempotencyKeyPrefix = "idem:"
	// CacheKeyPrefix namespaces read-through cache entries in Redis.
	CacheKeyPrefix = "pb:"

	SSEDataPrefix  = "data: "
	SSEEventPrefix = "event: "
	SSEIDPrefix    = "id: "
	SSEKeepAlive   = ":keepalive\n\n"
	SSEConnected   = "connected"

	NotificationsQueue = "board-notifications"
	NotificationsTable = "BoardNotifications"
)
