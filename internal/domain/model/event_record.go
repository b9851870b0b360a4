package model

import (
	"encoding/json"
	"time"
)

// EventRecord is the persisted row for one delivered envelope.
type EventRecord struct {
	ProgramID     string          `db:"program_id"`
	ProgramLabel  string          `db:"program_label"`
	Signature     string          `db:"signature"`
	Kind          string          `db:"kind"`
	LogIndex      int             `db:"log_index"`
	Slot          uint64          `db:"slot"`
	Payload       json.RawMessage `db:"payload"`
	PayloadDigest string          `db:"payload_digest"`
	Source        string          `db:"source"`
	ObservedAt    time.Time       `db:"observed_at"`
}
