package collab

import (
	"context"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/doccollab/internal/docmodel"
	"github.com/MarcoPoloResearchLab/doccollab/internal/oplog"
)

// reconcile orders operations by server version and transforms every
// untransformed one against the operations sequenced after its client version.
// The input is left untouched; every returned operation is transformed.
func reconcile(ordered []Operation, transformer docmodel.Transformer) ([]Operation, error) {
	result := make([]Operation, len(ordered))
	copy(result, ordered)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ServerVersion < result[j].ServerVersion
	})

	for index := range result {
		if result[index].IsTransformed {
			continue
		}
		concurrent := make([]string, 0, index)
		for _, prior := range result[:index] {
			if prior.ServerVersion > result[index].ClientVersion {
				concurrent = append(concurrent, prior.Payload)
			}
		}
		payload, err := transformer.Transform(result[index].Payload, concurrent)
		if err != nil {
			return nil, fmt.Errorf("transform version %d: %w", result[index].ServerVersion, err)
		}
		result[index].Payload = payload
		result[index].IsTransformed = true
	}
	return result, nil
}

// requiredFloor is the lowest version an untransformed entry needs as context.
func requiredFloor(entries []oplog.Entry) (int64, bool) {
	floor, found := int64(0), false
	for _, entry := range entries {
		if entry.IsTransformed {
			continue
		}
		if !found || entry.ClientVersion+1 < floor {
			floor = entry.ClientVersion + 1
			found = true
		}
	}
	return floor, found
}

// loadReconciled reads [from, to] widened down until every untransformed entry
// has its context loaded, and returns the reconciled operations together with
// the ones whose payload changed.
func (s *Service) loadReconciled(ctx context.Context, store *oplog.Store, roomName string, from, to int64) ([]Operation, []Operation, error) {
	floor := from
	entries, err := store.Range(ctx, roomName, floor, to)
	if err != nil {
		return nil, nil, err
	}
	for {
		needed, ok := requiredFloor(entries)
		if !ok || needed >= floor {
			break
		}
		floor = needed
		if entries, err = store.Range(ctx, roomName, floor, to); err != nil {
			return nil, nil, err
		}
	}

	operations := make([]Operation, len(entries))
	for index, entry := range entries {
		operations[index] = operationFromEntry(roomName, entry)
	}
	reconciled, err := reconcile(operations, s.transformer)
	if err != nil {
		return nil, nil, err
	}

	var rewritten []Operation
	for index := range operations {
		if !operations[index].IsTransformed {
			rewritten = append(rewritten, reconciled[index])
		}
	}
	return reconciled, rewritten, nil
}
