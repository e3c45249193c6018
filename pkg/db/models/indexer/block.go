package indexer

import "time"

// Block is the chain head marker written by the ingestion pipeline.
type Block struct {
	Height uint64    `db:"block_height" json:"block_height"`
	Time   time.Time `db:"time" json:"time"`
}
