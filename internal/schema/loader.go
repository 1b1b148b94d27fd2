// Loader introspects the upstream Postgres database's information_schema
// to build a Registry, the `sync schema` operation from spec §6. This
// keeps the schema source of truth the database itself rather than a
// separately maintained mapping file, the same way the teacher's
// migration tooling reads information_schema before generating code.
package schema

import (
	"context"
	"database/sql"
)

// LoadFromPostgres builds a Registry by introspecting every base table in
// the public schema: columns become Fields, and foreign key constraints
// mark the referencing column as IsForeignKey with its TargetModel set to
// the referenced table.
func LoadFromPostgres(ctx context.Context, db *sql.DB, indexedFields []string) (*Registry, error) {
	tables, err := listTables(ctx, db)
	if err != nil {
		return nil, err
	}

	fkByTableColumn, err := listForeignKeys(ctx, db)
	if err != nil {
		return nil, err
	}

	var models []Model
	for i, table := range tables {
		fields, err := listColumns(ctx, db, table)
		if err != nil {
			return nil, err
		}
		for j, f := range fields {
			if target, ok := fkByTableColumn[table+"."+f.Name]; ok {
				fields[j].IsForeignKey = true
				fields[j].TargetModel = target
				fields[j].Type = FieldReferenceSingle
			}
		}
		models = append(models, Model{Name: table, ModelID: uint16(i + 1), Fields: fields})
	}

	return New(models, indexedFields), nil
}

func listTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func listColumns(ctx context.Context, db *sql.DB, table string) ([]Field, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fields []Field
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, err
		}
		fields = append(fields, Field{
			Name:      name,
			Label:     name,
			Type:      mapPostgresType(dataType),
			Stored:    true,
			InPayload: true,
		})
	}
	return fields, rows.Err()
}

// listForeignKeys returns a map of "table.column" -> referenced table name.
func listForeignKeys(ctx context.Context, db *sql.DB) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT tc.table_name, kcu.column_name, ccu.table_name AS target_table
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = 'public'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var table, column, target string
		if err := rows.Scan(&table, &column, &target); err != nil {
			return nil, err
		}
		out[table+"."+column] = target
	}
	return out, rows.Err()
}

func mapPostgresType(dataType string) FieldType {
	switch dataType {
	case "integer", "bigint", "smallint", "numeric", "real", "double precision":
		return FieldNumber
	case "boolean":
		return FieldBoolean
	case "date", "timestamp without time zone", "timestamp with time zone":
		return FieldDate
	case "json", "jsonb":
		return FieldJSON
	default:
		return FieldString
	}
}
