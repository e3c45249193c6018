package indexer

import "github.com/shopspring/decimal"

// SettlementAssetID is the only asset balances and transfers are denominated in.
const SettlementAssetID = "0"

// Transfer is an immutable ledger entry moving an asset between subaccounts
// (or in/out of the exchange when one side is nil).
type Transfer struct {
	ID                    string          `db:"id" json:"id"`
	SenderSubaccountID    *SubaccountID   `db:"sender_subaccount_id" json:"sender_subaccount_id,omitempty"`
	RecipientSubaccountID *SubaccountID   `db:"recipient_subaccount_id" json:"recipient_subaccount_id,omitempty"`
	AssetID               string          `db:"asset_id" json:"asset_id"`
	Size                  decimal.Decimal `db:"size" json:"size"`
	CreatedAtHeight       uint64          `db:"created_at_height" json:"created_at_height"`
}
