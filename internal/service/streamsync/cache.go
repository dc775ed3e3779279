package streamsync

import "e2e_paste/internal/model"

func reversed(events []model.StreamEvent) []model.StreamEvent {
	res := make([]model.StreamEvent, len(events))
	for i, e := range events {
		res[len(events)-1-i] = e
	}
	return res
}

// mergeNewestFirst puts batch (oldest first, as fetched) in front of cache
// (newest first). An id present in both keeps only the batch copy.
func mergeNewestFirst(cache, batch []model.StreamEvent) []model.StreamEvent {
	res := make([]model.StreamEvent, 0, len(cache)+len(batch))
	seen := make(map[string]bool, len(batch))
	for i := len(batch) - 1; i >= 0; i-- {
		if seen[batch[i].Id] {
			continue
		}
		seen[batch[i].Id] = true
		res = append(res, batch[i])
	}
	for _, e := range cache {
		if !seen[e.Id] {
			res = append(res, e)
		}
	}
	return res
}

func removeIDs(events []model.StreamEvent, ids []string) []model.StreamEvent {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	res := make([]model.StreamEvent, 0, len(events))
	for _, e := range events {
		if !drop[e.Id] {
			res = append(res, e)
		}
	}
	return res
}

// splitDeleted drops the events whose id is in deleted and returns the
// dropped ids.
func splitDeleted(events []model.StreamEvent, deleted map[string]struct{}) ([]model.StreamEvent, []string) {
	if len(deleted) == 0 {
		return events, nil
	}
	var dropped []string
	kept := make([]model.StreamEvent, 0, len(events))
	for _, e := range events {
		if _, ok := deleted[e.Id]; ok {
			dropped = append(dropped, e.Id)
			continue
		}
		kept = append(kept, e)
	}
	return kept, dropped
}
