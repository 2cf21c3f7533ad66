// Package registry owns the ordered exhibit list of each case: attaching and removing
// exhibits, resequencing them, and the per-case label settings.
package registry

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/thekellymethod/proseiq-clean-sub002/constants"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/bates"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/common"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/entity"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/locking"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/metrics"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/repository"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/storage"
)

const maxPadWidth = 12

// TxRunner runs fn in one database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Service is the Exhibit Registry and Resequencer.
type Service struct {
	tx       TxRunner
	exhibits repository.ExhibitRepository
	jobs     repository.BundleJobRepository
	store    storage.Gateway
	locker   locking.Locker
	lockWait time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLockWait bounds how long a mutation queues for the case lock.
func WithLockWait(d time.Duration) Option {
	return func(s *Service) { s.lockWait = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(tx TxRunner, exhibits repository.ExhibitRepository, jobs repository.BundleJobRepository,
	store storage.Gateway, locker locking.Locker, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		tx:       tx,
		exhibits: exhibits,
		jobs:     jobs,
		store:    store,
		locker:   locker,
		lockWait: 10 * time.Second,
		logger:   logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CaseView is a consistent read of a case's registry.
type CaseView struct {
	Registry *entity.CaseRegistry
	Exhibits []*entity.Exhibit
}

// List returns the exhibits of a case in index order with the registry version they
// were read at.
func (s *Service) List(ctx context.Context, caseID string) (*CaseView, error) {
	if err := validateCaseID(caseID); err != nil {
		return nil, err
	}
	var view CaseView
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		reg, err := s.exhibits.GetRegistry(ctx, caseID)
		if err != nil {
			return err
		}
		list, err := s.exhibits.List(ctx, caseID)
		if err != nil {
			return err
		}
		view = CaseView{Registry: reg, Exhibits: list}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// Append attaches a document as exhibit N+1. When content is nil the document is read
// from the documents bucket at documentRef, which must lie under the case's own
// cases/<case_id>/ prefix; otherwise content is stored first.
func (s *Service) Append(ctx context.Context, caseID, documentRef string, content []byte) (*entity.Exhibit, error) {
	if err := validateCaseID(caseID); err != nil {
		return nil, err
	}
	if err := common.NewValidator().
		Field("document_ref", documentRef, common.Required, common.MaxLength(512)).
		Err(); err != nil {
		return nil, err
	}
	if ext := path.Ext(documentRef); ext != "" && !constants.IsAllowedExt(ext) {
		return nil, common.Validationf("document %s: only %s documents can be attached", documentRef,
			strings.Join(constants.DocumentFormats, ", "))
	}

	id := uuid.NewString()
	ref := documentRef
	if content == nil {
		if !ownedRef(caseID, documentRef) {
			return nil, common.Validationf("document_ref %s is outside %s", documentRef, casePrefix(caseID))
		}
		data, err := s.store.Get(ctx, storage.BucketDocuments, documentRef)
		if err != nil {
			return nil, err
		}
		content = data
	} else {
		ref = documentPath(caseID, id, documentRef)
		if err := s.store.Put(ctx, storage.BucketDocuments, ref, content); err != nil {
			return nil, err
		}
	}
	if len(content) == 0 {
		return nil, common.Validationf("document %s is empty", documentRef)
	}
	sum := sha256.Sum256(content)

	var created *entity.Exhibit
	err := locking.Do(ctx, s.locker, locking.CaseKey(caseID), s.lockWait, func(ctx context.Context) error {
		var version int64
		err := s.tx.WithTx(ctx, func(ctx context.Context) error {
			reg, err := s.exhibits.EnsureRegistry(ctx, caseID)
			if err != nil {
				return err
			}
			list, err := s.exhibits.List(ctx, caseID)
			if err != nil {
				return err
			}
			next := len(list) + 1
			ex := &entity.Exhibit{
				ID:           id,
				CaseID:       caseID,
				DocumentRef:  ref,
				ContentHash:  sum[:],
				SortOrder:    next,
				ExhibitIndex: next,
				Label:        bates.ExhibitLabel(reg.LabelPrefix, next, reg.LabelPadWidth),
			}
			if err := s.exhibits.Create(ctx, ex); err != nil {
				return err
			}
			if version, err = s.exhibits.BumpVersion(ctx, caseID, reg.RegistryVersion); err != nil {
				return err
			}
			created = ex
			return nil
		})
		if err != nil {
			return err
		}
		return s.supersede(ctx, caseID, version)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("registry.exhibit.appended", "case_id", caseID, "exhibit_id", created.ID,
		"exhibit_index", created.ExhibitIndex, "label", created.Label)
	return created, nil
}

// Remove detaches an exhibit and compacts the indices that followed it.
func (s *Service) Remove(ctx context.Context, caseID, exhibitID string) error {
	if err := validateCaseID(caseID); err != nil {
		return err
	}
	return locking.Do(ctx, s.locker, locking.CaseKey(caseID), s.lockWait, func(ctx context.Context) error {
		var version int64
		err := s.tx.WithTx(ctx, func(ctx context.Context) error {
			target, err := s.exhibits.Get(ctx, caseID, exhibitID)
			if err != nil {
				return err
			}
			inflight, err := s.jobs.ListByCase(ctx, caseID, constants.JobStatusPending, constants.JobStatusProcessing)
			if err != nil {
				return err
			}
			for _, j := range inflight {
				for _, id := range j.RequestedExhibitIDs {
					if id == exhibitID {
						return common.Conflictf("exhibit %s is part of in-flight bundle job %s", exhibitID, j.ID)
					}
				}
			}
			reg, err := s.exhibits.GetRegistry(ctx, caseID)
			if err != nil {
				return err
			}
			list, err := s.exhibits.List(ctx, caseID)
			if err != nil {
				return err
			}
			if err := s.exhibits.Delete(ctx, caseID, exhibitID); err != nil {
				return err
			}

			var trailing []*entity.Exhibit
			for _, ex := range list {
				if ex.ExhibitIndex > target.ExhibitIndex {
					trailing = append(trailing, ex)
				}
			}
			if err := s.renumber(ctx, reg, trailing, target.ExhibitIndex); err != nil {
				return err
			}
			version, err = s.exhibits.BumpVersion(ctx, caseID, reg.RegistryVersion)
			return err
		})
		if err != nil {
			return err
		}
		s.logger.Info("registry.exhibit.removed", "case_id", caseID, "exhibit_id", exhibitID, "registry_version", version)
		return s.supersede(ctx, caseID, version)
	})
}

// renumber moves ordered onto consecutive indices starting at first, parking every
// row on a negative index before assigning final ones.
func (s *Service) renumber(ctx context.Context, reg *entity.CaseRegistry, ordered []*entity.Exhibit, first int) error {
	for i, ex := range ordered {
		if err := s.exhibits.SetTemporaryIndex(ctx, ex.ID, -(i + 1)); err != nil {
			return err
		}
	}
	for i, ex := range ordered {
		idx := first + i
		label := ex.Label
		if idx != ex.ExhibitIndex {
			label = bates.ExhibitLabel(reg.LabelPrefix, idx, reg.LabelPadWidth)
		}
		if err := s.exhibits.SetPosition(ctx, ex.ID, idx, idx, label); err != nil {
			return err
		}
	}
	return nil
}

// Settings is a partial update of a case's label settings.
type Settings struct {
	LabelPrefix   *string `json:"label_prefix,omitempty"`
	LabelPadWidth *int    `json:"label_pad_width,omitempty"`
	BatesPrefix   *string `json:"bates_prefix,omitempty"`
	BatesPadWidth *int    `json:"bates_pad_width,omitempty"`
}

// UpdateSettings changes label settings and relabels every exhibit.
func (s *Service) UpdateSettings(ctx context.Context, caseID string, in Settings) (*entity.CaseRegistry, error) {
	if err := validateCaseID(caseID); err != nil {
		return nil, err
	}
	for name, w := range map[string]*int{"label_pad_width": in.LabelPadWidth, "bates_pad_width": in.BatesPadWidth} {
		if w != nil && (*w < 0 || *w > maxPadWidth) {
			return nil, common.Validationf("%s must be between 0 and %d", name, maxPadWidth)
		}
	}
	if in.BatesPrefix != nil && !bates.ValidPrefix(*in.BatesPrefix) {
		return nil, common.Validationf("bates_prefix must be non-empty printable ASCII without %% or \\")
	}
	var out *entity.CaseRegistry
	err := locking.Do(ctx, s.locker, locking.CaseKey(caseID), s.lockWait, func(ctx context.Context) error {
		var version int64
		err := s.tx.WithTx(ctx, func(ctx context.Context) error {
			reg, err := s.exhibits.EnsureRegistry(ctx, caseID)
			if err != nil {
				return err
			}
			updated := *reg
			if in.LabelPrefix != nil {
				updated.LabelPrefix = *in.LabelPrefix
			}
			if in.LabelPadWidth != nil {
				updated.LabelPadWidth = *in.LabelPadWidth
			}
			if in.BatesPrefix != nil {
				updated.BatesPrefix = *in.BatesPrefix
			}
			if in.BatesPadWidth != nil {
				updated.BatesPadWidth = *in.BatesPadWidth
			}
			if updated == *reg {
				out = reg
				return nil
			}
			if err := s.exhibits.UpdateSettings(ctx, &updated); err != nil {
				return err
			}
			list, err := s.exhibits.List(ctx, caseID)
			if err != nil {
				return err
			}
			for _, ex := range list {
				label := bates.ExhibitLabel(updated.LabelPrefix, ex.ExhibitIndex, updated.LabelPadWidth)
				if label == ex.Label {
					continue
				}
				if err := s.exhibits.SetPosition(ctx, ex.ID, ex.ExhibitIndex, ex.SortOrder, label); err != nil {
					return err
				}
			}
			if version, err = s.exhibits.BumpVersion(ctx, caseID, reg.RegistryVersion); err != nil {
				return err
			}
			updated.RegistryVersion = version
			out = &updated
			return nil
		})
		if err != nil || version == 0 {
			return err
		}
		s.logger.Info("registry.settings.updated", "case_id", caseID, "registry_version", version)
		return s.supersede(ctx, caseID, version)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// supersede fails every in-flight job of the case computed against an older registry
// version. Callers hold the case lock.
func (s *Service) supersede(ctx context.Context, caseID string, version int64) error {
	inflight, err := s.jobs.ListByCase(ctx, caseID, constants.JobStatusPending, constants.JobStatusProcessing)
	if err != nil {
		return err
	}
	for _, j := range inflight {
		if j.RegistryVersion >= version {
			continue
		}
		ok, err := s.jobs.MarkFailed(ctx, j.ID, constants.ReasonSuperseded,
			fmt.Sprintf("registry changed to version %d after the job was requested at version %d", version, j.RegistryVersion), nil)
		if err != nil {
			return err
		}
		if ok {
			s.metrics.JobTransition(string(constants.JobStatusFailed), string(constants.ReasonSuperseded))
			s.logger.Info("bundle.job.superseded", "job_id", j.ID, "case_id", caseID,
				"job_version", j.RegistryVersion, "registry_version", version)
		}
	}
	return nil
}

func documentPath(caseID, exhibitID, documentRef string) string {
	name := path.Base(strings.ReplaceAll(documentRef, "\\", "/"))
	if name == "." || name == "/" {
		name = "document.pdf"
	}
	return casePrefix(caseID) + "exhibits/" + exhibitID + "/" + name
}

func casePrefix(caseID string) string {
	return "cases/" + caseID + "/"
}

// ownedRef reports whether ref names an object inside the case's namespace of the
// documents bucket.
func ownedRef(caseID, ref string) bool {
	return path.Clean(ref) == ref && strings.HasPrefix(ref, casePrefix(caseID))
}

func validateCaseID(caseID string) error {
	if err := common.NewValidator().
		Field("case_id", caseID, common.Required, common.MaxLength(128)).
		Err(); err != nil {
		return err
	}
	if strings.ContainsAny(caseID, "/\\") || caseID == "." || caseID == ".." {
		return common.Validationf("case_id %q is not a valid case id", caseID)
	}
	return nil
}
