package models

import (
	"encoding/json"
	"time"
)

// Resolution is the conflict resolver's decision.
type Resolution string

const (
	ResolutionUseLocal  Resolution = "use_local"
	ResolutionUseRemote Resolution = "use_remote"
	ResolutionMerge     Resolution = "merge"
)

// ConflictRule names the resolver rule that produced a resolution.
type ConflictRule string

const (
	RuleNoDivergence   ConflictRule = "no_divergence"
	RuleTimeSeparated  ConflictRule = "time_separated"
	RuleDisjointSubset ConflictRule = "disjoint_subset_merge"
	RuleFallback       ConflictRule = "fallback_local"
)

// ConflictSide is one competing version of a natural key.
type ConflictSide struct {
	DeviceID  string          `json:"deviceId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// ConflictCase records how a local mutation and a remote record were reconciled.
type ConflictCase struct {
	ID            string          `json:"id"`
	MutationID    string          `json:"mutationId"`
	RecordType    RecordType      `json:"recordType"`
	NaturalKey    string          `json:"naturalKey"`
	Local         ConflictSide    `json:"local"`
	Remote        *ConflictSide   `json:"remote,omitempty"`
	Diverged      bool            `json:"diverged"`
	Rule          ConflictRule    `json:"rule"`
	Resolution    Resolution      `json:"resolution"`
	MergedPayload json.RawMessage `json:"mergedPayload,omitempty"`
	DetectedAt    time.Time       `json:"detectedAt"`
}
