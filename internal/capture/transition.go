package capture

import (
	"context"
	"fmt"

	"github.com/memstore-dev/memstore/internal/memstoreerr"
	"github.com/memstore-dev/memstore/internal/notecodec"
)

// allowedTransitions is the status DAG from spec.md §4.6.
var allowedTransitions = map[string]map[string]bool{
	"active":    {"resolved": true, "archived": true, "tombstone": true},
	"resolved":  {"archived": true},
	"archived":  {"tombstone": true, "active": true},
	"tombstone": {"active": true},
}

// CanTransition reports whether target is a permitted next status from
// current.
func CanTransition(current, target string) bool {
	edges, ok := allowedTransitions[current]
	return ok && edges[target]
}

// Transition moves the memory identified by id to targetStatus, by
// serializing a replacement record under the same (namespace, commit) and
// re-indexing it. The old id remains addressable until garbage collection
// (spec.md §3 Lifecycle).
func (s *Service) Transition(ctx context.Context, id, targetStatus string) (Result, error) {
	namespace, _, recordIndex, err := ParseMemoryID(id)
	if err != nil {
		return Result{}, err
	}

	current, err := s.Index.Get(id)
	if err != nil {
		return Result{}, memstoreerr.Wrap(memstoreerr.KindLifecycle, "capture.transition", "failed to load current memory", err)
	}
	if current == nil {
		return Result{}, memstoreerr.New(memstoreerr.KindLifecycle, "capture.transition", fmt.Sprintf("memory %q not found", id))
	}

	if !CanTransition(current.Status, targetStatus) {
		return Result{}, memstoreerr.ErrInvalidTransition.WithHint(
			fmt.Sprintf("%s -> %s is not a permitted edge", current.Status, targetStatus))
	}

	existing, err := s.Notes.ShowNote(ctx, namespace, current.CommitID)
	if err != nil {
		return Result{}, err
	}
	if existing == nil {
		return Result{}, memstoreerr.New(memstoreerr.KindLifecycle, "capture.transition", "backing note no longer exists")
	}

	records, err := notecodec.ParseMany(*existing)
	if err != nil {
		return Result{}, memstoreerr.Wrap(memstoreerr.KindLifecycle, "capture.transition", "failed to parse backing note", err)
	}
	if recordIndex < 0 || recordIndex >= len(records) {
		return Result{}, memstoreerr.New(memstoreerr.KindLifecycle, "capture.transition", "record index out of range for backing note")
	}

	records[recordIndex].Status = targetStatus
	rewritten, err := notecodec.SerializeMany(records)
	if err != nil {
		return Result{}, memstoreerr.Wrap(memstoreerr.KindLifecycle, "capture.transition", "failed to re-serialize note", err)
	}

	if err := s.Notes.RemoveNote(ctx, namespace, current.CommitID); err != nil {
		return Result{}, err
	}
	if err := s.Notes.AppendNote(ctx, namespace, current.CommitID, rewritten); err != nil {
		return Result{}, err
	}

	current.Status = targetStatus
	result := Result{Success: true, Memory: current}

	var vec []float32
	if s.Embedder != nil {
		vec, err = s.Embedder.Embed(current.Summary + "\n\n" + current.Content)
		if err != nil {
			result.Warning = "embedding failed: " + err.Error()
		}
	}
	if s.Index != nil {
		if err := s.Index.Update(*current, vec); err != nil {
			if result.Warning != "" {
				result.Warning += "; "
			}
			result.Warning += "re-indexing failed: " + err.Error()
		} else {
			result.Indexed = true
		}
	}

	return result, nil
}

// ParseMemoryID splits an id of the form "{namespace}:{commit_prefix}:{index}".
// commitPrefix is the first 7 characters of the original commit id (spec.md
// §6.2) — git can resolve it as an abbreviated object name as long as it
// stays unambiguous in the repository.
func ParseMemoryID(id string) (namespace, commitPrefix string, index int, err error) {
	parts := splitID(id)
	if len(parts) != 3 {
		return "", "", 0, memstoreerr.New(memstoreerr.KindValidation, "capture.parse_memory_id", fmt.Sprintf("malformed memory id %q", id))
	}
	namespace = parts[0]
	commitPrefix = parts[1]
	var idx int
	if _, err := fmt.Sscanf(parts[2], "%d", &idx); err != nil {
		return "", "", 0, memstoreerr.Wrap(memstoreerr.KindValidation, "capture.parse_memory_id", "non-numeric index segment", err)
	}
	return namespace, commitPrefix, idx, nil
}

func splitID(id string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(id); i++ {
		if id[i] == ':' {
			parts = append(parts, id[start:i])
			start = i + 1
		}
	}
	parts = append(parts, id[start:])
	return parts
}
