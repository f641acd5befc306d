package store

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"valtimo-authz/internal/log"
	"valtimo-authz/internal/metadata"
)

type Migrator struct {
	store *Store
}

func NewMigrator(store *Store) *Migrator {
	return &Migrator{store: store}
}

// Migrate ensures the resource table matches the resource type definition.
// Creates the table if it doesn't exist, or adds missing columns.
func (m *Migrator) Migrate(ctx context.Context, entity *metadata.Entity) error {
	exists, err := m.store.Dialect.TableExists(ctx, m.store.DB, entity.Table)
	if err != nil {
		return fmt.Errorf("check table exists: %w", err)
	}

	if !exists {
		return m.createTable(ctx, entity)
	}

	return m.alterTable(ctx, entity)
}

// MigrateJoinTable creates a join table for a many-to-many relation if it doesn't exist.
func (m *Migrator) MigrateJoinTable(ctx context.Context, rel *metadata.Relation, sourceEntity, targetEntity *metadata.Entity) error {
	exists, err := m.store.Dialect.TableExists(ctx, m.store.DB, rel.JoinTable)
	if err != nil {
		return fmt.Errorf("check join table exists: %w", err)
	}
	if exists {
		return nil
	}

	sourceField := sourceEntity.GetField(rel.SourceKey)
	targetField := targetEntity.GetField(rel.TargetKeyField(targetEntity))
	if sourceField == nil || targetField == nil {
		return fmt.Errorf("cannot resolve key types for join table %s", rel.JoinTable)
	}

	d := m.store.Dialect
	sql := fmt.Sprintf(
		`CREATE TABLE %s (
			%s %s NOT NULL,
			%s %s NOT NULL,
			PRIMARY KEY (%s, %s)
		)`,
		rel.JoinTable,
		rel.SourceJoinKey, d.ColumnType(sourceField.Type, sourceField.Precision),
		rel.TargetJoinKey, d.ColumnType(targetField.Type, targetField.Precision),
		rel.SourceJoinKey, rel.TargetJoinKey,
	)

	if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
		return fmt.Errorf("create join table %s: %w", rel.JoinTable, err)
	}
	log.Info("created join table", zap.String("table", rel.JoinTable), zap.String("relation", rel.Name))
	return nil
}

func (m *Migrator) createTable(ctx context.Context, entity *metadata.Entity) error {
	cols := make([]string, 0, len(entity.Fields))
	for i := range entity.Fields {
		cols = append(cols, m.buildColumnDef(entity, &entity.Fields[i]))
	}

	sql := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", entity.Table, strings.Join(cols, ",\n  "))
	if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
		return fmt.Errorf("create table %s: %w", entity.Table, err)
	}
	log.Info("created resource table", zap.String("table", entity.Table), log.FieldResourceType(entity.Name))
	return nil
}

func (m *Migrator) alterTable(ctx context.Context, entity *metadata.Entity) error {
	existing, err := m.store.Dialect.GetColumns(ctx, m.store.DB, entity.Table)
	if err != nil {
		return fmt.Errorf("get columns for %s: %w", entity.Table, err)
	}

	for _, f := range entity.Fields {
		if _, ok := existing[f.Name]; ok {
			continue
		}
		// New columns are added nullable so existing rows stay valid.
		colType := m.store.Dialect.ColumnType(f.Type, f.Precision)
		sql := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", entity.Table, f.Name, colType)
		if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
			return fmt.Errorf("add column %s.%s: %w", entity.Table, f.Name, err)
		}
		log.Info("added column", zap.String("table", entity.Table), zap.String("column", f.Name))
	}
	return nil
}

func (m *Migrator) buildColumnDef(entity *metadata.Entity, f *metadata.Field) string {
	col := f.Name + " " + m.store.Dialect.ColumnType(f.Type, f.Precision)

	if f.Name == entity.PrimaryKey.Field {
		col += " PRIMARY KEY"
		if entity.PrimaryKey.Generated && entity.PrimaryKey.Type == "uuid" && m.store.Dialect.Name() == "postgres" {
			col += " DEFAULT gen_random_uuid()"
		}
		return col
	}

	if f.Required && !f.Nullable {
		col += " NOT NULL"
	}
	return col
}
