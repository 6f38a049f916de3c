package commentary

import "github.com/MrWong99/drillcycle/pkg/types"

// drawEncouragementLocked pops the next id off the urn, refilling it when
// empty. Ids the course no longer offers are dropped.
func (s *Scheduler) drawEncouragementLocked() (types.AudioRef, bool) {
	pool := s.course.Encouragements()
	if len(pool) == 0 {
		return types.AudioRef{}, false
	}
	byID := make(map[string]types.AudioRef, len(pool))
	for _, ref := range pool {
		byID[ref.ID] = ref
	}

	// The second pass always succeeds: a refill holds only offered ids.
	for range 2 {
		for len(s.global.EncouragementUrn) > 0 {
			id := s.global.EncouragementUrn[0]
			s.global.EncouragementUrn = s.global.EncouragementUrn[1:]
			if ref, ok := byID[id]; ok {
				return ref, true
			}
			s.log.Debug("commentary: dropping stale encouragement", "clip_id", id)
		}
		s.refillLocked(pool)
	}
	return types.AudioRef{}, false
}

// refillLocked loads every distinct pool id in shuffled order and starts a
// new urn cycle.
func (s *Scheduler) refillLocked(pool []types.AudioRef) {
	seen := make(map[string]bool, len(pool))
	urn := make([]string, 0, len(pool))
	for _, ref := range pool {
		if ref.ID == "" || seen[ref.ID] {
			continue
		}
		seen[ref.ID] = true
		urn = append(urn, ref.ID)
	}
	shuffle(s.rng.IntN, urn)
	s.global.EncouragementUrn = urn
	s.global.EncouragementUrnCycle++
}

// shuffle permutes ids in place (Fisher-Yates). intN returns a uniform
// integer in [0, n).
func shuffle(intN func(int) int, ids []string) {
	for i := len(ids) - 1; i > 0; i-- {
		j := intN(i + 1)
		ids[i], ids[j] = ids[j], ids[i]
	}
}
