package course

import (
	"errors"
	"fmt"

	"github.com/MrWong99/drillcycle/pkg/types"
)

// Validate checks a course file and reports every problem found.
//
// Rules:
//   - At least one round, and every round has at least one item.
//   - Every item has a prompt and at least one reference voice.
//   - Every clip that is present has an ID.
//   - Commentary clip IDs are unique; the persisted urn refers to them.
func Validate(cf *File) error {
	var errs []error

	if len(cf.Rounds) == 0 {
		errs = append(errs, errors.New("course: at least one round is required"))
	}
	for i, r := range cf.Rounds {
		if len(r.Items) == 0 {
			errs = append(errs, fmt.Errorf("course: rounds[%d] (%s): no items", i, r.LegoID))
		}
		for j, it := range r.Items {
			where := fmt.Sprintf("rounds[%d].items[%d]", i, j)
			if it.Prompt.IsZero() {
				errs = append(errs, fmt.Errorf("course: %s: prompt is required", where))
			}
			if it.Voice1.IsZero() && it.Voice2.IsZero() {
				errs = append(errs, fmt.Errorf("course: %s: voice1 or voice2 is required", where))
			}
			errs = append(errs, clipID(where+".prompt", it.Prompt))
			errs = append(errs, clipID(where+".voice1", it.Voice1))
			errs = append(errs, clipID(where+".voice2", it.Voice2))
		}
	}

	seen := make(map[string]string)
	unique := func(where string, ref types.AudioRef) {
		if err := clipID(where, ref); err != nil {
			errs = append(errs, err)
			return
		}
		if prev, ok := seen[ref.ID]; ok {
			errs = append(errs, fmt.Errorf("course: %s: id %q already used by %s", where, ref.ID, prev))
			return
		}
		seen[ref.ID] = where
	}
	if cf.Welcome != nil && !cf.Welcome.IsZero() {
		unique("welcome", *cf.Welcome)
	}
	for i, ref := range cf.Instructions {
		unique(fmt.Sprintf("instructions[%d]", i), ref)
	}
	for i, ref := range cf.Encouragements {
		unique(fmt.Sprintf("encouragements[%d]", i), ref)
	}

	return errors.Join(errs...)
}

func clipID(where string, ref types.AudioRef) error {
	if ref.URL != "" && ref.ID == "" {
		return fmt.Errorf("course: %s: id is required", where)
	}
	if ref.Duration < 0 {
		return fmt.Errorf("course: %s: duration must not be negative", where)
	}
	return nil
}
