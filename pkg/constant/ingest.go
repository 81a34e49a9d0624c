package constant

// Ingestion pipeline defaults; overridable through config / INGEST_* env vars.
const (
	DefaultQueueCapacity  = 5000
	DefaultBatchSize      = 100
	DefaultBatchMaxWaitMs = 250
	DefaultWorkers        = 2

	DefaultRetryBaseMs      = 100
	DefaultRetryMaxMs       = 5000
	DefaultRetryMaxAttempts = 10
	DefaultRetryHorizonMs   = 600000

	// Rejection reasons returned to producers.
	ReasonInvalidMessage  = "invalid_message"
	ReasonLogAppendFailed = "log_append_failed"
)
