package service

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/madrasa-sync/internal/models"
)

// ConflictPolicy holds the resolver's tunable constants.
type ConflictPolicy struct {
	// Window separates "concurrent" edits from edits resolved purely by recency.
	Window time.Duration
	// MergeDisjointSubsets enables per-student merging of concurrent mark sheets.
	MergeDisjointSubsets bool
}

// DefaultConflictPolicy returns the five minute window with merging enabled.
func DefaultConflictPolicy() ConflictPolicy {
	return ConflictPolicy{Window: 5 * time.Minute, MergeDisjointSubsets: true}
}

// conflictNamespace seeds deterministic conflict case ids.
var conflictNamespace = uuid.MustParse("6f1c1f0e-3b1a-4a57-9d8e-4d1f0c9a2b71")

// ConflictResolver decides between a queued local mutation and the remote record for the same
// natural key. It is deterministic and total: every pair yields exactly one resolution.
type ConflictResolver struct {
	policy ConflictPolicy
	clock  func() time.Time
}

// NewConflictResolver constructs a resolver. clock only stamps DetectedAt.
func NewConflictResolver(policy ConflictPolicy, clock func() time.Time) *ConflictResolver {
	if policy.Window <= 0 {
		policy.Window = 5 * time.Minute
	}
	if clock == nil {
		clock = time.Now
	}
	return &ConflictResolver{policy: policy, clock: clock}
}

// Policy returns the active policy.
func (r *ConflictResolver) Policy() ConflictPolicy {
	return r.policy
}

// Resolve applies the rules in order; the first that matches wins:
//  1. no remote record, or one written by the same device: deliver local as-is
//  2. timestamps further apart than the window: the later side wins outright
//  3. concurrent mark sheets covering different student sets: merge per student
//  4. otherwise the local edit is authoritative
func (r *ConflictResolver) Resolve(local models.MutationRecord, remote *models.RemoteRecord) models.ConflictCase {
	c := models.ConflictCase{
		MutationID: local.ID,
		RecordType: local.RecordType,
		NaturalKey: local.Origin.Canonical(),
		Local: models.ConflictSide{
			DeviceID:  local.DeviceID,
			Timestamp: local.CreatedAt,
			Payload:   local.Payload,
		},
		DetectedAt: r.clock(),
	}
	if remote != nil {
		c.Remote = &models.ConflictSide{
			DeviceID:  remote.DeviceID,
			Timestamp: remote.RecordedAt,
			Payload:   remote.Payload,
		}
	}
	c.ID = conflictCaseID(local, remote)

	if remote == nil || remote.DeviceID == local.DeviceID {
		c.Rule = models.RuleNoDivergence
		c.Resolution = models.ResolutionUseLocal
		return c
	}
	c.Diverged = true

	gap := local.CreatedAt.Sub(remote.RecordedAt)
	if gap < 0 {
		gap = -gap
	}
	if gap > r.policy.Window {
		c.Rule = models.RuleTimeSeparated
		if local.CreatedAt.After(remote.RecordedAt) {
			c.Resolution = models.ResolutionUseLocal
		} else {
			c.Resolution = models.ResolutionUseRemote
		}
		return c
	}

	if r.policy.MergeDisjointSubsets && local.RecordType.Mergeable() {
		if merged, ok := mergeMarkSheets(local, remote); ok {
			c.Rule = models.RuleDisjointSubset
			c.Resolution = models.ResolutionMerge
			c.MergedPayload = merged
			return c
		}
	}

	c.Rule = models.RuleFallback
	c.Resolution = models.ResolutionUseLocal
	return c
}

// mergeMarkSheets unions two mark sheets by student id. A student present on both sides takes
// the mark with the later timestamp (the mark's own markedAt, else its sheet's timestamp); ties
// go to the local side. Local students keep their order, remote-only students follow in remote
// order. Other top-level payload fields come from the local payload. It declines (false) when
// either payload is not a mark sheet or both cover exactly the same students.
func mergeMarkSheets(local models.MutationRecord, remote *models.RemoteRecord) (json.RawMessage, bool) {
	localSheet, err := models.DecodeMarkSheet(local.Payload)
	if err != nil || len(localSheet.Marks) == 0 {
		return nil, false
	}
	remoteSheet, err := models.DecodeMarkSheet(remote.Payload)
	if err != nil || len(remoteSheet.Marks) == 0 {
		return nil, false
	}
	if sameStudents(localSheet, remoteSheet) {
		return nil, false
	}

	remoteByStudent := remoteSheet.ByStudent()
	seen := make(map[string]struct{}, len(localSheet.Marks))
	merged := make([]models.StudentMark, 0, len(localSheet.Marks)+len(remoteSheet.Marks))

	for _, mark := range localSheet.Marks {
		seen[mark.StudentID] = struct{}{}
		chosen := stamp(mark, local.CreatedAt)
		if other, ok := remoteByStudent[mark.StudentID]; ok {
			candidate := stamp(other, remote.RecordedAt)
			if candidate.MarkedAt.After(*chosen.MarkedAt) {
				chosen = candidate
			}
		}
		merged = append(merged, chosen)
	}
	for _, mark := range remoteSheet.Marks {
		if _, ok := seen[mark.StudentID]; ok {
			continue
		}
		seen[mark.StudentID] = struct{}{}
		merged = append(merged, stamp(mark, remote.RecordedAt))
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(local.Payload, &fields); err != nil {
		return nil, false
	}
	marks, err := json.Marshal(merged)
	if err != nil {
		return nil, false
	}
	fields["marks"] = marks
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, false
	}
	return out, true
}

func stamp(mark models.StudentMark, fallback time.Time) models.StudentMark {
	if mark.MarkedAt == nil || mark.MarkedAt.IsZero() {
		at := fallback
		mark.MarkedAt = &at
	}
	return mark
}

func sameStudents(a, b models.MarkSheet) bool {
	left, right := a.StudentIDs(), b.StudentIDs()
	if len(left) != len(right) {
		return false
	}
	for i := range left {
		if left[i] != right[i] {
			return false
		}
	}
	return true
}

func conflictCaseID(local models.MutationRecord, remote *models.RemoteRecord) string {
	seed := local.ID + "|" + local.CreatedAt.UTC().Format(time.RFC3339Nano)
	if remote != nil {
		seed += "|" + remote.DeviceID + "|" + remote.RecordedAt.UTC().Format(time.RFC3339Nano)
	}
	return uuid.NewSHA1(conflictNamespace, []byte(seed)).String()
}
