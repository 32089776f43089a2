package ipc

import "time"

const (
	defaultMaxEventClients = 64

	maxWSReadBytesEventStream = 64 << 10

	shutdownTimeout = 5 * time.Second

	screenshotCacheControl = "public, max-age=300"
)
