package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ActionKind identifies the settlement flavours recorded in the ledger.
type ActionKind string

// All ledger action kinds.
const (
	ActionTimeConsumption ActionKind = "time_consumption"
	ActionTip             ActionKind = "tip"
	ActionPoolClaim       ActionKind = "pool_claim"
)

// ActionStatus represents a state in the settlement lifecycle.
type ActionStatus string

// Lifecycle states. Confirmed and Failed are terminal; a row never leaves a
// terminal state.
const (
	ActionPending   ActionStatus = "pending"
	ActionSubmitted ActionStatus = "submitted"
	ActionConfirmed ActionStatus = "confirmed"
	ActionFailed    ActionStatus = "failed"
)

// SessionStatus tracks whether a game session can still consume time.
type SessionStatus string

// Session states.
const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// Player caches per-wallet aggregate counters derived from chain events.
// Counters are only ever moved by atomic increments so the indexer and the
// request path can touch the same row concurrently.
type Player struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey"`
	WalletAddress        string    `gorm:"size:64;uniqueIndex"`
	Handle               string    `gorm:"size:64;index"`
	FID                  uint64    `gorm:"index"`
	TimePurchasedSeconds int64     `gorm:"not null;default:0"`
	TimeConsumedSeconds  int64     `gorm:"not null;default:0"`
	TimeReservedSeconds  int64     `gorm:"not null;default:0"`
	QuartersSpent        int64     `gorm:"not null;default:0"`
	TipsSentQuarters     int64     `gorm:"not null;default:0"`
	TipsReceivedQuarters int64     `gorm:"not null;default:0"`
	StakedQuarters       int64     `gorm:"not null;default:0"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// GameSession is one cabinet session for a player.
type GameSession struct {
	ID              uuid.UUID     `gorm:"type:uuid;primaryKey"`
	PlayerID        uuid.UUID     `gorm:"type:uuid;index"`
	WalletAddress   string        `gorm:"size:64;index"`
	GameID          string        `gorm:"size:64;index"`
	Status          SessionStatus `gorm:"size:16;index"`
	SecondsConsumed int64         `gorm:"not null;default:0"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
	EndedAt         *time.Time
}

// SettlementAction is one attempted on-chain action: a play-time debit, a tip,
// or a pool payout. Created pending by the request path; the indexer is the
// durable backstop that confirms rows the request path lost track of.
type SettlementAction struct {
	ID                 uuid.UUID    `gorm:"type:uuid;primaryKey"`
	Kind               ActionKind   `gorm:"size:32;index"`
	WalletAddress      string       `gorm:"size:64;index"`
	CounterpartyWallet string       `gorm:"size:64"`
	Amount             int64        `gorm:"not null"`
	Status             ActionStatus `gorm:"size:16;index"`
	TxHash             string       `gorm:"size:80;index"`
	ErrorMessage       string       `gorm:"type:text"`
	CreatedAt          time.Time
	ConfirmedAt        *time.Time
}

// Checkpoint records the last block synced per monitored contract. The value
// is monotonically non-decreasing and only moves after a whole sub-range of
// logs has been dispatched.
type Checkpoint struct {
	ContractName    string `gorm:"primaryKey;size:64"`
	ContractAddress string `gorm:"primaryKey;size:64"`
	LastSyncedBlock uint64 `gorm:"not null"`
	LastSyncedAt    time.Time
}

// ChainEvent is one durable row per processed log. The (tx hash, log index)
// unique key is the dedup guard that keeps handlers idempotent under
// at-least-once delivery.
type ChainEvent struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	TxHash             string    `gorm:"size:80;uniqueIndex:idx_chain_events_tx_log"`
	LogIndex           uint      `gorm:"uniqueIndex:idx_chain_events_tx_log"`
	EventName          string    `gorm:"size:48;index"`
	ContractAddress    string    `gorm:"size:64;index"`
	BlockNumber        uint64    `gorm:"index"`
	WalletAddress      string    `gorm:"size:64;index"`
	CounterpartyWallet string    `gorm:"size:64"`
	Amount             int64     `gorm:"not null"`
	CreatedAt          time.Time
}

// PoolState is the singleton shared reward pool row.
type PoolState struct {
	ID              uint  `gorm:"primaryKey"`
	BalanceQuarters int64 `gorm:"not null;default:0"`
	AllTimeReceived int64 `gorm:"not null;default:0"`
	AllTimeClaimed  int64 `gorm:"not null;default:0"`
	AllTimeOverflow int64 `gorm:"not null;default:0"`
	UpdatedAt       time.Time
}

// ClaimState tracks per-wallet cooldown and streak accounting.
type ClaimState struct {
	WalletAddress   string    `gorm:"primaryKey;size:64"`
	LastClaimAt     time.Time `gorm:"not null"`
	Streak          int       `gorm:"not null;default:0"`
	LifetimeClaimed int64     `gorm:"not null;default:0"`
	UpdatedAt       time.Time
}

// ClaimRecord is the immutable claim history trail.
type ClaimRecord struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	WalletAddress  string    `gorm:"size:64;index"`
	AmountQuarters int64     `gorm:"not null"`
	Streak         int       `gorm:"not null"`
	TxHash         string    `gorm:"size:80"`
	CreatedAt      time.Time
}

// NotificationMark is the durable per-wallet notification dedup row. It
// replaces process-memory "already notified" state so restarts do not re-spam.
type NotificationMark struct {
	WalletAddress string `gorm:"primaryKey;size:64"`
	Topic         string `gorm:"primaryKey;size:32"`
	NotifiedAt    time.Time
}

// Terminal reports whether the status accepts no further transitions.
func (s ActionStatus) Terminal() bool {
	return s == ActionConfirmed || s == ActionFailed
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Player{},
		&GameSession{},
		&SettlementAction{},
		&Checkpoint{},
		&ChainEvent{},
		&PoolState{},
		&ClaimState{},
		&ClaimRecord{},
		&NotificationMark{},
	)
}
