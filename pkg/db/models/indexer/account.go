package indexer

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// subaccountNamespace seeds the deterministic subaccount ids. Changing it
// re-keys every subaccount, so it is fixed for the lifetime of the schema.
var subaccountNamespace = uuid.MustParse("0f9da948-a6fb-4c45-9edc-4685c3f3317d")

// SubaccountID identifies a trading subaccount (owner address + number).
type SubaccountID string

// NewSubaccountID derives the canonical id for an address and subaccount number.
func NewSubaccountID(address string, number uint32) SubaccountID {
	return SubaccountID(uuid.NewSHA1(subaccountNamespace, []byte(fmt.Sprintf("%s-%d", address, number))).String())
}

func (id SubaccountID) String() string { return string(id) }

// Subaccount is the slice of the ingestion-owned subaccounts table that the
// tick engine reads. UpdatedAtHeight moves whenever a position, transfer or
// funding settlement touches the subaccount, which makes it the height at
// which unsettled funding was last zeroed.
type Subaccount struct {
	ID              SubaccountID `db:"id" json:"id"`
	Address         string       `db:"address" json:"address"`
	Number          uint32       `db:"subaccount_number" json:"subaccount_number"`
	UpdatedAtHeight uint64       `db:"updated_at_height" json:"updated_at_height"`
	UpdatedAt       time.Time    `db:"updated_at" json:"updated_at"`
}

// SubaccountIDs returns the ids of the given subaccounts in input order.
func SubaccountIDs(subaccounts []Subaccount) []SubaccountID {
	ids := make([]SubaccountID, 0, len(subaccounts))
	for _, s := range subaccounts {
		ids = append(ids, s.ID)
	}
	return ids
}
