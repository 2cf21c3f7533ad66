package repository

import (
	"context"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

var textType = map[string]string{dialect.Postgres: "text", dialect.SQLite: "text"}

var (
	// CaseRegistriesColumns holds the columns for the "case_registries" table.
	CaseRegistriesColumns = []*schema.Column{
		{Name: "case_id", Type: field.TypeString, Size: 128},
		{Name: "registry_version", Type: field.TypeInt64, Default: 0},
		{Name: "label_prefix", Type: field.TypeString, Size: 64},
		{Name: "label_pad_width", Type: field.TypeInt, Default: 0},
		{Name: "bates_prefix", Type: field.TypeString, Size: 32},
		{Name: "bates_pad_width", Type: field.TypeInt, Default: 5},
		{Name: "updated_at", Type: field.TypeTime},
	}
	// CaseRegistriesTable holds the schema information for the "case_registries" table.
	CaseRegistriesTable = &schema.Table{
		Name:       "case_registries",
		Columns:    CaseRegistriesColumns,
		PrimaryKey: []*schema.Column{CaseRegistriesColumns[0]},
	}
	// ExhibitsColumns holds the columns for the "exhibits" table.
	ExhibitsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString, Size: 36},
		{Name: "case_id", Type: field.TypeString, Size: 128},
		{Name: "document_ref", Type: field.TypeString, Size: 512},
		{Name: "content_hash", Type: field.TypeBytes},
		{Name: "sort_order", Type: field.TypeInt},
		{Name: "exhibit_index", Type: field.TypeInt},
		{Name: "label", Type: field.TypeString, Size: 128},
		{Name: "page_count", Type: field.TypeInt, Nullable: true},
		{Name: "bates_start", Type: field.TypeInt64, Nullable: true},
		{Name: "bates_end", Type: field.TypeInt64, Nullable: true},
		{Name: "created_at", Type: field.TypeTime},
		{Name: "updated_at", Type: field.TypeTime},
	}
	// ExhibitsTable holds the schema information for the "exhibits" table.
	ExhibitsTable = &schema.Table{
		Name:       "exhibits",
		Columns:    ExhibitsColumns,
		PrimaryKey: []*schema.Column{ExhibitsColumns[0]},
		ForeignKeys: []*schema.ForeignKey{
			{
				Symbol:     "exhibits_case_registries_exhibits",
				Columns:    []*schema.Column{ExhibitsColumns[1]},
				RefColumns: []*schema.Column{CaseRegistriesColumns[0]},
				OnDelete:   schema.NoAction,
			},
		},
		Indexes: []*schema.Index{
			{
				Name:    "exhibit_case_id_exhibit_index",
				Unique:  true,
				Columns: []*schema.Column{ExhibitsColumns[1], ExhibitsColumns[5]},
			},
		},
	}
	// BundleJobsColumns holds the columns for the "bundle_jobs" table.
	BundleJobsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString, Size: 36},
		{Name: "case_id", Type: field.TypeString, Size: 128},
		{Name: "title", Type: field.TypeString, Size: 256, Default: ""},
		{Name: "requested_exhibit_ids", Type: field.TypeString, SchemaType: textType},
		{Name: "excluded_exhibit_ids", Type: field.TypeString, SchemaType: textType, Nullable: true},
		{Name: "input_fingerprint", Type: field.TypeString, Size: 64},
		{Name: "registry_version", Type: field.TypeInt64},
		{Name: "bates_start", Type: field.TypeInt64, Default: 1},
		{Name: "status", Type: field.TypeString, Size: 16},
		{Name: "storage_bucket", Type: field.TypeString, Size: 128, Nullable: true},
		{Name: "storage_path", Type: field.TypeString, Size: 512, Nullable: true},
		{Name: "content_hash", Type: field.TypeString, Size: 64, Nullable: true},
		{Name: "error_reason", Type: field.TypeString, Size: 32, Nullable: true},
		{Name: "error_message", Type: field.TypeString, SchemaType: textType, Nullable: true},
		{Name: "attempts", Type: field.TypeInt, Default: 0},
		{Name: "next_attempt_at", Type: field.TypeTime, Nullable: true},
		{Name: "claimed_at", Type: field.TypeTime, Nullable: true},
		{Name: "finished_at", Type: field.TypeTime, Nullable: true},
		{Name: "created_at", Type: field.TypeTime},
		{Name: "updated_at", Type: field.TypeTime},
	}
	// BundleJobsTable holds the schema information for the "bundle_jobs" table.
	BundleJobsTable = &schema.Table{
		Name:       "bundle_jobs",
		Columns:    BundleJobsColumns,
		PrimaryKey: []*schema.Column{BundleJobsColumns[0]},
		Indexes: []*schema.Index{
			{
				Name:    "bundlejob_case_id_input_fingerprint",
				Unique:  false,
				Columns: []*schema.Column{BundleJobsColumns[1], BundleJobsColumns[5]},
			},
			{
				Name:    "bundlejob_status",
				Unique:  false,
				Columns: []*schema.Column{BundleJobsColumns[8]},
			},
		},
	}
	// Tables holds all the tables in the schema.
	Tables = []*schema.Table{
		CaseRegistriesTable,
		ExhibitsTable,
		BundleJobsTable,
	}
)

func init() {
	ExhibitsTable.ForeignKeys[0].RefTable = CaseRegistriesTable
}

// Migrate creates or updates the tables backing the exhibit registry and bundle jobs.
func (db *DB) Migrate(ctx context.Context) error {
	m, err := schema.NewMigrate(db.Driver)
	if err != nil {
		return err
	}
	db.logger.Info("running schema migration", "dialect", db.Dialect, "tables", len(Tables))
	if err := m.Create(ctx, Tables...); err != nil {
		db.logger.Error("schema migration failed", "error", err)
		return err
	}
	return nil
}
