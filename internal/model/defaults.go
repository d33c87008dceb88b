package model

import "time"

// Shared defaults used by both the watcher and collector binaries.
const (
	DefaultCollectorPath     = "/json"
	DefaultRequestTimeout    = 30 * time.Second
	DefaultMaxConcurrent     = 10
	DefaultShutdownGrace     = 60 * time.Second
	DefaultRetryAttempts     = 1
	DefaultRetryInitialDelay = 500 * time.Millisecond
	DefaultRetryMaxDelay     = 10 * time.Second
	DefaultQuietPeriod       = time.Second
)

// AckBody is the fixed acknowledgment returned by the collector for every record.
const AckBody = "JSON received successfully"
