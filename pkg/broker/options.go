package broker

import "time"

// Options stores global broker settings.
type Options struct {
	// Claiming
	ClaimScanLimit uint // max queue entries inspected per claim attempt
	// Dedup indexes
	IndexTTL time.Duration // idempotency/fingerprint window default
	// Delayed promotion
	PromoteInterval time.Duration
	PromoteBatch    uint
	// Stall detection
	StallInterval time.Duration
	StallTimeout  time.Duration // max time a claim may stay in the active set
	MaxStallCount int           // stall recoveries before dead-lettering
	// Cleaner
	CleanInterval      time.Duration
	CleanBatch         uint // max meta keys scanned per invocation
	CompletedRetention time.Duration
	CancelledRetention time.Duration
	FailedRetention    time.Duration
	ServerRetention    time.Duration // drop servers without heartbeats for this long
	// Server registry
	ServerTTL time.Duration // server key TTL, refreshed by heartbeat
	// Secondary artifacts
	ChainTTL time.Duration // successor template list TTL
	BatchTTL time.Duration // batch meta TTL
}

// DefaultOptions returns the default broker options.
// Only pass by value, not reference, to avoid modifying this globally.
var DefaultOptions = Options{
	ClaimScanLimit:     100,
	IndexTTL:           time.Hour,
	PromoteInterval:    time.Second,
	PromoteBatch:       100,
	StallInterval:      30 * time.Second,
	StallTimeout:       5 * time.Minute,
	MaxStallCount:      3,
	CleanInterval:      5 * time.Minute,
	CleanBatch:         512,
	CompletedRetention: 24 * time.Hour,
	CancelledRetention: 24 * time.Hour,
	FailedRetention:    7 * 24 * time.Hour,
	ServerRetention:    5 * time.Minute,
	ServerTTL:          90 * time.Second,
	ChainTTL:           5 * time.Minute,
	BatchTTL:           24 * time.Hour,
}
