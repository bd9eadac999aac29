package domain

import "time"

// SigningRecord is the append-only proof that one field was fulfilled by one
// actor at one time. Corrections are new contracts, never edits.
type SigningRecord struct {
	RecordID          string    `json:"record_id"`
	ContractID        string    `json:"contract_id"`
	FieldID           string    `json:"field_id"`
	ActorID           string    `json:"actor_id"`
	SignatureAssetRef string    `json:"signature_asset_ref,omitempty"`
	ContentHash       string    `json:"content_hash"`
	Timestamp         time.Time `json:"timestamp"`
}

type NotificationKind string

const (
	NotifyContractSent      NotificationKind = "contract.sent"
	NotifyFieldSigned       NotificationKind = "contract.field_signed"
	NotifyFieldFilled       NotificationKind = "contract.field_filled"
	NotifyYourTurn          NotificationKind = "contract.your_turn"
	NotifyContractCompleted NotificationKind = "contract.completed"
	NotifyContractRejected  NotificationKind = "contract.rejected"
	NotifyContractRevoked   NotificationKind = "contract.revoked"
)

// Notification is queued with a committed transition and delivered after it.
type Notification struct {
	NotificationID string           `json:"notification_id"`
	ActorID        string           `json:"actor_id"`
	ContractID     string           `json:"contract_id"`
	Kind           NotificationKind `json:"kind"`
	Status         Status           `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
}
