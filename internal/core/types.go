package core

import "time"

// BotConfig names one running grid bot, matching the CLI surface
// (--bot/--pool/--precA/--precB/--interval/--lookback/--apiKey).
type BotConfig struct {
	Name          string
	PoolID        string
	AssetA        Asset
	AssetB        Asset
	Interval      time.Duration
	LookbackHours int
	APIKeyRef     string
}

// BroadcastAttempt is the durable-workflow-visible record of one
// executeBatch call, identified by an idempotency key so a retried
// broadcast after a crash or timeout can be recognized as the same
// logical attempt rather than resubmitted.
type BroadcastAttempt struct {
	IdempotencyKey string
	BotKey         string
	Ops            []Action
	StartedAt      time.Time
	Status         BroadcastStatus
}

type BroadcastStatus int

const (
	BroadcastPending BroadcastStatus = iota
	BroadcastSucceeded
	BroadcastFailed
)
