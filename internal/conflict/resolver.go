// Package conflict reconciles diverging local and remote copies of a synced entity.
package conflict

import (
	"fmt"
	"strings"

	"github.com/jnst/outbound-engine/internal/model"
)

// Resolution is the canonical record and the sides that must be written to realize it.
type Resolution struct {
	Record      *model.SyncRecord
	Winner      model.SyncSide
	WriteLocal  bool
	WriteRemote bool
}

// Resolve picks the canonical record for local and remote under strategy. It performs no I/O.
func Resolve(local, remote *model.SyncRecord, strategy model.ConflictStrategy) (Resolution, error) {
	if err := checkShape(local, remote); err != nil {
		return Resolution{}, err
	}

	var (
		canonical *model.SyncRecord
		winner    model.SyncSide
	)

	switch strategy {
	case model.StrategyRemoteWins:
		canonical, winner = remote.Clone(), model.SideRemote
	case model.StrategyLocalWins:
		canonical, winner = local.Clone(), model.SideLocal
	case model.StrategyMostRecent:
		if newer(remote, local) {
			canonical, winner = remote.Clone(), model.SideRemote
		} else {
			canonical, winner = local.Clone(), model.SideLocal
		}
	case model.StrategyMergeFill:
		canonical, winner = mergeFill(local, remote), model.SideLocal
	default:
		return Resolution{}, fmt.Errorf("%w: unknown strategy %q", model.ErrConflictResolution, strategy)
	}

	canonical.EntityType = local.EntityType
	canonical.LocalID = local.LocalID
	canonical.RemoteID = remote.RemoteID

	return Resolution{
		Record:      canonical,
		Winner:      winner,
		WriteLocal:  !canonical.SameFields(local),
		WriteRemote: !canonical.SameFields(remote),
	}, nil
}

func checkShape(local, remote *model.SyncRecord) error {
	switch {
	case local == nil || remote == nil:
		return fmt.Errorf("%w: both sides are required", model.ErrConflictResolution)
	case local.Fields == nil:
		return fmt.Errorf("%w: local %s %s has no fields", model.ErrConflictResolution, local.EntityType, local.LocalID)
	case remote.Fields == nil:
		return fmt.Errorf("%w: remote %s %s has no fields", model.ErrConflictResolution, remote.EntityType, remote.RemoteID)
	case local.EntityType != "" && remote.EntityType != "" && local.EntityType != remote.EntityType:
		return fmt.Errorf("%w: entity type mismatch %s != %s", model.ErrConflictResolution, local.EntityType, remote.EntityType)
	}

	return nil
}

// newer reports whether a was modified strictly after b. A missing timestamp
// loses to a present one; equal or missing timestamps are a tie.
func newer(a, b *model.SyncRecord) bool {
	switch {
	case a.UpdatedAt == nil:
		return false
	case b.UpdatedAt == nil:
		return true
	default:
		return a.UpdatedAt.After(*b.UpdatedAt)
	}
}

// mergeFill keeps every non-empty local field and fills blanks from remote.
func mergeFill(local, remote *model.SyncRecord) *model.SyncRecord {
	out := local.Clone()

	for k, v := range remote.Fields {
		if strings.TrimSpace(out.Fields[k]) == "" && v != "" {
			out.Fields[k] = v
		}
	}

	return out
}
