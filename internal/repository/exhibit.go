package repository

import (
	"context"
	"database/sql"
	"log/slog"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/thekellymethod/proseiq-clean-sub002/constants"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/common"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/entity"
)

var exhibitColumns = []string{
	"id", "case_id", "document_ref", "content_hash", "sort_order", "exhibit_index", "label",
	"page_count", "bates_start", "bates_end", "created_at", "updated_at",
}

var registryColumns = []string{
	"case_id", "registry_version", "label_prefix", "label_pad_width", "bates_prefix", "bates_pad_width", "updated_at",
}

// ExhibitRepository persists exhibits and the per-case registry row. Calls made with
// a context from DB.WithTx join that transaction.
type ExhibitRepository interface {
	GetRegistry(ctx context.Context, caseID string) (*entity.CaseRegistry, error)
	EnsureRegistry(ctx context.Context, caseID string) (*entity.CaseRegistry, error)
	UpdateSettings(ctx context.Context, reg *entity.CaseRegistry) error
	BumpVersion(ctx context.Context, caseID string, from int64) (int64, error)

	List(ctx context.Context, caseID string) ([]*entity.Exhibit, error)
	Get(ctx context.Context, caseID, id string) (*entity.Exhibit, error)
	Create(ctx context.Context, ex *entity.Exhibit) error
	Delete(ctx context.Context, caseID, id string) error
	SetTemporaryIndex(ctx context.Context, id string, index int) error
	SetPosition(ctx context.Context, id string, index, sortOrder int, label string) error
	SetBatesRange(ctx context.Context, r entity.BatesRange) error
	ClearBatesExcept(ctx context.Context, caseID string, keep []string) (int64, error)
}

type exhibitRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewExhibitRepository(db *DB, logger *slog.Logger) ExhibitRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &exhibitRepo{db: db, logger: logger}
}

func defaultRegistry(caseID string) *entity.CaseRegistry {
	return &entity.CaseRegistry{
		CaseID:        caseID,
		LabelPrefix:   constants.DefaultLabelPrefix,
		LabelPadWidth: constants.DefaultLabelPadWidth,
		BatesPrefix:   constants.DefaultBatesPrefix,
		BatesPadWidth: constants.DefaultBatesPadWidth,
	}
}

// GetRegistry returns the stored registry row, or the defaults at version 0 when the
// case has never been mutated.
func (r *exhibitRepo) GetRegistry(ctx context.Context, caseID string) (*entity.CaseRegistry, error) {
	reg, err := r.findRegistry(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return defaultRegistry(caseID), nil
	}
	return reg, nil
}

func (r *exhibitRepo) findRegistry(ctx context.Context, caseID string) (*entity.CaseRegistry, error) {
	b := r.db.builder()
	sel := b.Select(registryColumns...).
		From(b.Table(CaseRegistriesTable.Name)).
		Where(entsql.EQ("case_id", caseID))

	var found *entity.CaseRegistry
	err := r.db.query(ctx, sel, func(rows *entsql.Rows) error {
		reg := &entity.CaseRegistry{}
		if err := rows.Scan(&reg.CaseID, &reg.RegistryVersion, &reg.LabelPrefix, &reg.LabelPadWidth,
			&reg.BatesPrefix, &reg.BatesPadWidth, &reg.UpdatedAt); err != nil {
			return err
		}
		found = reg
		return nil
	})
	if err != nil {
		r.logger.Error("failed to load case registry", "case_id", caseID, "error", err)
		return nil, err
	}
	return found, nil
}

// EnsureRegistry creates the registry row with defaults if it does not exist yet.
// Callers hold the case lock.
func (r *exhibitRepo) EnsureRegistry(ctx context.Context, caseID string) (*entity.CaseRegistry, error) {
	reg, err := r.findRegistry(ctx, caseID)
	if err != nil || reg != nil {
		return reg, err
	}
	reg = defaultRegistry(caseID)
	reg.UpdatedAt = now()
	ins := r.db.builder().Insert(CaseRegistriesTable.Name).
		Columns(registryColumns...).
		Values(reg.CaseID, reg.RegistryVersion, reg.LabelPrefix, reg.LabelPadWidth, reg.BatesPrefix, reg.BatesPadWidth, reg.UpdatedAt)
	if _, err := r.db.exec(ctx, ins); err != nil {
		r.logger.Error("failed to create case registry", "case_id", caseID, "error", err)
		return nil, err
	}
	r.logger.Debug("case registry created", "case_id", caseID)
	return reg, nil
}

func (r *exhibitRepo) UpdateSettings(ctx context.Context, reg *entity.CaseRegistry) error {
	upd := r.db.builder().Update(CaseRegistriesTable.Name).
		Set("label_prefix", reg.LabelPrefix).
		Set("label_pad_width", reg.LabelPadWidth).
		Set("bates_prefix", reg.BatesPrefix).
		Set("bates_pad_width", reg.BatesPadWidth).
		Set("updated_at", now()).
		Where(entsql.EQ("case_id", reg.CaseID))
	n, err := r.db.exec(ctx, upd)
	if err != nil {
		r.logger.Error("failed to update case settings", "case_id", reg.CaseID, "error", err)
		return err
	}
	if n == 0 {
		return common.NotFoundf("case %s has no registry", reg.CaseID)
	}
	return nil
}

// BumpVersion advances registry_version from `from` to from+1. It fails with a
// ConcurrentModification error when the stored version is no longer `from`.
func (r *exhibitRepo) BumpVersion(ctx context.Context, caseID string, from int64) (int64, error) {
	upd := r.db.builder().Update(CaseRegistriesTable.Name).
		Set("registry_version", from+1).
		Set("updated_at", now()).
		Where(entsql.And(
			entsql.EQ("case_id", caseID),
			entsql.EQ("registry_version", from),
		))
	n, err := r.db.exec(ctx, upd)
	if err != nil {
		r.logger.Error("failed to bump registry version", "case_id", caseID, "error", err)
		return 0, err
	}
	if n != 1 {
		return 0, common.ConcurrentModificationf("registry for case %s changed since version %d", caseID, from)
	}
	return from + 1, nil
}

func (r *exhibitRepo) List(ctx context.Context, caseID string) ([]*entity.Exhibit, error) {
	b := r.db.builder()
	sel := b.Select(exhibitColumns...).
		From(b.Table(ExhibitsTable.Name)).
		Where(entsql.EQ("case_id", caseID)).
		OrderBy("exhibit_index")

	var out []*entity.Exhibit
	err := r.db.query(ctx, sel, func(rows *entsql.Rows) error {
		ex, err := scanExhibit(rows)
		if err != nil {
			return err
		}
		out = append(out, ex)
		return nil
	})
	if err != nil {
		r.logger.Error("failed to list exhibits", "case_id", caseID, "error", err)
		return nil, err
	}
	return out, nil
}

func (r *exhibitRepo) Get(ctx context.Context, caseID, id string) (*entity.Exhibit, error) {
	b := r.db.builder()
	sel := b.Select(exhibitColumns...).
		From(b.Table(ExhibitsTable.Name)).
		Where(entsql.And(entsql.EQ("case_id", caseID), entsql.EQ("id", id)))

	var found *entity.Exhibit
	err := r.db.query(ctx, sel, func(rows *entsql.Rows) error {
		ex, err := scanExhibit(rows)
		found = ex
		return err
	})
	if err != nil {
		r.logger.Error("failed to get exhibit", "case_id", caseID, "exhibit_id", id, "error", err)
		return nil, err
	}
	if found == nil {
		return nil, common.NotFoundf("exhibit %s not found in case %s", id, caseID)
	}
	return found, nil
}

func (r *exhibitRepo) Create(ctx context.Context, ex *entity.Exhibit) error {
	ts := now()
	ex.CreatedAt, ex.UpdatedAt = ts, ts
	ins := r.db.builder().Insert(ExhibitsTable.Name).
		Columns(exhibitColumns...).
		Values(ex.ID, ex.CaseID, ex.DocumentRef, ex.ContentHash, ex.SortOrder, ex.ExhibitIndex, ex.Label,
			nullInt(ex.PageCount), nullInt64(ex.BatesStart), nullInt64(ex.BatesEnd), ex.CreatedAt, ex.UpdatedAt)
	if _, err := r.db.exec(ctx, ins); err != nil {
		r.logger.Error("failed to create exhibit", "case_id", ex.CaseID, "document_ref", ex.DocumentRef, "error", err)
		return err
	}
	r.logger.Info("exhibit created", "case_id", ex.CaseID, "exhibit_id", ex.ID, "exhibit_index", ex.ExhibitIndex)
	return nil
}

func (r *exhibitRepo) Delete(ctx context.Context, caseID, id string) error {
	del := r.db.builder().Delete(ExhibitsTable.Name).
		Where(entsql.And(entsql.EQ("case_id", caseID), entsql.EQ("id", id)))
	n, err := r.db.exec(ctx, del)
	if err != nil {
		r.logger.Error("failed to delete exhibit", "case_id", caseID, "exhibit_id", id, "error", err)
		return err
	}
	if n == 0 {
		return common.NotFoundf("exhibit %s not found in case %s", id, caseID)
	}
	return nil
}

// SetTemporaryIndex parks an exhibit on an out-of-range index so the final
// renumbering never collides with the unique (case_id, exhibit_index) index.
func (r *exhibitRepo) SetTemporaryIndex(ctx context.Context, id string, index int) error {
	upd := r.db.builder().Update(ExhibitsTable.Name).
		Set("exhibit_index", index).
		Where(entsql.EQ("id", id))
	_, err := r.db.exec(ctx, upd)
	return err
}

func (r *exhibitRepo) SetPosition(ctx context.Context, id string, index, sortOrder int, label string) error {
	upd := r.db.builder().Update(ExhibitsTable.Name).
		Set("exhibit_index", index).
		Set("sort_order", sortOrder).
		Set("label", label).
		Set("updated_at", now()).
		Where(entsql.EQ("id", id))
	n, err := r.db.exec(ctx, upd)
	if err != nil {
		return err
	}
	if n == 0 {
		return common.NotFoundf("exhibit %s not found", id)
	}
	return nil
}

func (r *exhibitRepo) SetBatesRange(ctx context.Context, br entity.BatesRange) error {
	upd := r.db.builder().Update(ExhibitsTable.Name).
		Set("bates_start", br.Start).
		Set("bates_end", br.End).
		Set("page_count", br.PageCount).
		Set("updated_at", now()).
		Where(entsql.EQ("id", br.ExhibitID))
	if _, err := r.db.exec(ctx, upd); err != nil {
		r.logger.Error("failed to record bates range", "exhibit_id", br.ExhibitID, "error", err)
		return err
	}
	return nil
}

// ClearBatesExcept resets the Bates range of every exhibit in the case not listed in keep.
func (r *exhibitRepo) ClearBatesExcept(ctx context.Context, caseID string, keep []string) (int64, error) {
	preds := []*entsql.Predicate{entsql.EQ("case_id", caseID), entsql.NotNull("bates_start")}
	if len(keep) > 0 {
		args := make([]any, len(keep))
		for i, id := range keep {
			args[i] = id
		}
		preds = append(preds, entsql.NotIn("id", args...))
	}
	upd := r.db.builder().Update(ExhibitsTable.Name).
		SetNull("bates_start").
		SetNull("bates_end").
		Set("updated_at", now()).
		Where(entsql.And(preds...))
	return r.db.exec(ctx, upd)
}

func scanExhibit(rows *entsql.Rows) (*entity.Exhibit, error) {
	var (
		ex         entity.Exhibit
		pageCount  sql.NullInt64
		batesStart sql.NullInt64
		batesEnd   sql.NullInt64
	)
	if err := rows.Scan(&ex.ID, &ex.CaseID, &ex.DocumentRef, &ex.ContentHash, &ex.SortOrder, &ex.ExhibitIndex,
		&ex.Label, &pageCount, &batesStart, &batesEnd, &ex.CreatedAt, &ex.UpdatedAt); err != nil {
		return nil, err
	}
	if pageCount.Valid {
		n := int(pageCount.Int64)
		ex.PageCount = &n
	}
	if batesStart.Valid && batesEnd.Valid {
		s, e := batesStart.Int64, batesEnd.Int64
		ex.BatesStart, ex.BatesEnd = &s, &e
	}
	return &ex, nil
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}
