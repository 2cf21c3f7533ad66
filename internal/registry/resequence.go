package registry

import (
	"context"

	"github.com/thekellymethod/proseiq-clean-sub002/internal/common"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/entity"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/locking"
)

// Resequence reorders a case's exhibits so that order[i] becomes exhibit i+1.
//
// order must name every current exhibit exactly once. When expectedVersion is set and
// the registry has moved past it the call fails with a ConcurrentModification error.
// An order that already matches is a no-op and does not bump the version.
func (s *Service) Resequence(ctx context.Context, caseID string, order []string, expectedVersion *int64) (*CaseView, error) {
	if err := validateCaseID(caseID); err != nil {
		return nil, err
	}

	var (
		view    *CaseView
		changed bool
	)
	err := locking.Do(ctx, s.locker, locking.CaseKey(caseID), s.lockWait, func(ctx context.Context) error {
		err := s.tx.WithTx(ctx, func(ctx context.Context) error {
			reg, err := s.exhibits.GetRegistry(ctx, caseID)
			if err != nil {
				return err
			}
			if expectedVersion != nil && *expectedVersion != reg.RegistryVersion {
				return common.ConcurrentModificationf("case %s is at registry version %d, not %d",
					caseID, reg.RegistryVersion, *expectedVersion)
			}
			list, err := s.exhibits.List(ctx, caseID)
			if err != nil {
				return err
			}
			ordered, err := permute(list, order)
			if err != nil {
				return err
			}

			if inOrder(ordered) {
				view = &CaseView{Registry: reg, Exhibits: list}
				return nil
			}
			if err := s.renumber(ctx, reg, ordered, 1); err != nil {
				return err
			}
			version, err := s.exhibits.BumpVersion(ctx, caseID, reg.RegistryVersion)
			if err != nil {
				return err
			}
			updated := *reg
			updated.RegistryVersion = version
			fresh, err := s.exhibits.List(ctx, caseID)
			if err != nil {
				return err
			}
			view = &CaseView{Registry: &updated, Exhibits: fresh}
			changed = true
			return nil
		})
		if err != nil || !changed {
			return err
		}
		return s.supersede(ctx, caseID, view.Registry.RegistryVersion)
	})
	if err != nil {
		s.metrics.Resequenced("rejected")
		s.logger.Warn("registry.resequence.rejected", "case_id", caseID, "error", err)
		return nil, err
	}
	if !changed {
		s.metrics.Resequenced("noop")
		s.logger.Debug("registry.resequence.noop", "case_id", caseID, "registry_version", view.Registry.RegistryVersion)
		return view, nil
	}
	s.metrics.Resequenced("applied")
	s.logger.Info("registry.resequence.applied", "case_id", caseID, "exhibits", len(order),
		"registry_version", view.Registry.RegistryVersion)
	return view, nil
}

// permute returns list rearranged into order, rejecting anything that is not a
// permutation of the current exhibit ids.
func permute(list []*entity.Exhibit, order []string) ([]*entity.Exhibit, error) {
	byID := make(map[string]*entity.Exhibit, len(list))
	for _, ex := range list {
		byID[ex.ID] = ex
	}
	if len(order) != len(list) {
		return nil, common.Validationf("order names %d exhibits but the case has %d", len(order), len(list))
	}
	out := make([]*entity.Exhibit, 0, len(order))
	seen := make(map[string]bool, len(order))
	for _, id := range order {
		if seen[id] {
			return nil, common.Validationf("exhibit %s appears more than once in order", id)
		}
		seen[id] = true
		ex, ok := byID[id]
		if !ok {
			return nil, common.Validationf("exhibit %s does not belong to this case", id)
		}
		out = append(out, ex)
	}
	return out, nil
}

func inOrder(ordered []*entity.Exhibit) bool {
	for i, ex := range ordered {
		if ex.ExhibitIndex != i+1 {
			return false
		}
	}
	return true
}
