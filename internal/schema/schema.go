// Package schema implements the Schema Map: the type-id -> table/column
// mapping an executor resolves once at load time, plus the upsert/get SQL
// it generates from that mapping (spec.md §4.2).
package schema

import (
	"context"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/weisyn/indexer/internal/manifest"
)

// TableColumns is the ordered column list for one table. Order is
// significant: it is the order the guest must emit value fragments in.
type TableColumns struct {
	Table   string
	Columns []string
}

// Map resolves an index's GraphQL types to physical tables/columns, and
// generates the SQL an executor needs to persist or fetch entities. It is
// immutable once built: a schema change requires a new Map, built by a
// fresh executor (spec.md §3).
type Map struct {
	uid    manifest.UID
	tables map[int64]TableColumns // type_id -> table + column order
}

// Row is one (type_id, table_name, column_name, ordinal) tuple of the
// decomposition produced when an index's GraphQL schema is committed
// (Decompose, in registrar.go) and read back by LoadFromDatabase.
type Row struct {
	TypeID   int64
	Table    string
	Column   string
	Ordinal  int
}

// Build constructs a Map from the decomposition rows the schema
// collaborator produced for (uid, version). Rows for the same type_id
// must already be in ordinal order; Build does not re-sort them, since
// doing so silently would hide a collaborator bug.
func Build(uid manifest.UID, rows []Row) (*Map, error) {
	tables := make(map[int64]TableColumns, len(rows))
	lastOrdinal := make(map[int64]int)

	for _, r := range rows {
		tc := tables[r.TypeID]
		if tc.Table == "" {
			tc.Table = qualify(uid, r.Table)
		} else if tc.Table != qualify(uid, r.Table) {
			return nil, errors.Errorf("schema: type_id %d maps to two tables (%s, %s)", r.TypeID, tc.Table, r.Table)
		}
		if prev, ok := lastOrdinal[r.TypeID]; ok && r.Ordinal <= prev {
			return nil, errors.Errorf("schema: type_id %d columns out of order at ordinal %d", r.TypeID, r.Ordinal)
		}
		lastOrdinal[r.TypeID] = r.Ordinal
		tc.Columns = append(tc.Columns, r.Column)
		tables[r.TypeID] = tc
	}

	for typeID, tc := range tables {
		if !containsString(tc.Columns, "id") {
			return nil, errors.Errorf("schema: type_id %d (%s) has no id column", typeID, tc.Table)
		}
	}

	return &Map{uid: uid, tables: tables}, nil
}

// LoadFromDatabase is a convenience constructor that queries the schema
// registry's own storage directly. The registry schema (table/column
// layout) is owned by the schema collaborator (spec.md §6); this helper
// assumes a `schema_column` table of that shape, which is how the
// reference schema-registry collaborator stores it.
func LoadFromDatabase(ctx context.Context, pool *pgxpool.Pool, uid manifest.UID, version string) (*Map, error) {
	rows, err := pool.Query(ctx, `
		SELECT type_id, table_name, column_name, ordinal
		FROM schema_column
		WHERE namespace = $1 AND identifier = $2 AND version = $3
		ORDER BY type_id, ordinal`,
		uid.Namespace, uid.Identifier, version)
	if err != nil {
		return nil, errors.Wrap(err, "schema: query schema_column")
	}
	defer rows.Close()

	var decomposition []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.TypeID, &r.Table, &r.Column, &r.Ordinal); err != nil {
			return nil, errors.Wrap(err, "schema: scan schema_column")
		}
		decomposition = append(decomposition, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return Build(uid, decomposition)
}

func qualify(uid manifest.UID, table string) string {
	return uid.Namespace + "_" + uid.Identifier + "." + table
}

func containsString(ss []string, target string) bool {
	for _, s := range ss {
		if s == target {
			return true
		}
	}
	return false
}

// TableFor returns the qualified table name for a type_id.
func (m *Map) TableFor(typeID int64) (string, error) {
	tc, ok := m.tables[typeID]
	if !ok {
		return "", errors.Errorf("schema: unknown type_id %d for %s", typeID, m.uid)
	}
	return tc.Table, nil
}

// ColumnsFor returns the ordered, non-id column list for a type_id — the
// order the guest must emit column-value fragments in. "id" is excluded
// since its value comes from the objectID argument of UpsertSQL/GetSQL,
// not from a guest fragment.
func (m *Map) ColumnsFor(typeID int64) ([]string, error) {
	tc, ok := m.tables[typeID]
	if !ok {
		return nil, errors.Errorf("schema: unknown type_id %d for %s", typeID, m.uid)
	}
	out := make([]string, 0, len(tc.Columns))
	for _, c := range tc.Columns {
		if c == "id" {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// UpsertSQL builds the INSERT ... ON CONFLICT statement described in
// spec.md §4.2 for typeID. valueFragments must already be properly
// quoted/encoded by the guest's column-fragment protocol; the Schema Map
// never re-encodes them, only places them in the statement. blobParam is
// the positional placeholder for the one bound parameter (the opaque
// entity bytes), conventionally "$1".
//
// Invariant: len(valueFragments) + 1 == number of Schema Map columns for
// typeID (the "+1" is the id column, filled from objectID); the blob is
// written to the separate object column through blobParam.
func (m *Map) UpsertSQL(typeID int64, objectID uint64, valueFragments []string, blobParam string) (string, error) {
	table, err := m.TableFor(typeID)
	if err != nil {
		return "", err
	}
	cols, err := m.ColumnsFor(typeID)
	if err != nil {
		return "", err
	}
	if len(valueFragments) != len(cols) {
		return "", errors.Errorf(
			"schema: type_id %d expects %d value fragments, got %d", typeID, len(cols), len(valueFragments))
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (id, ")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(", object) VALUES (")
	b.WriteString(strconv.FormatUint(objectID, 10))
	b.WriteString(", ")
	b.WriteString(strings.Join(valueFragments, ", "))
	b.WriteString(", ")
	b.WriteString(blobParam)
	b.WriteString(") ON CONFLICT (id) DO UPDATE SET ")

	sets := make([]string, 0, len(cols)+1)
	for i, c := range cols {
		sets = append(sets, c+" = "+valueFragments[i])
	}
	sets = append(sets, "object = "+blobParam)
	b.WriteString(strings.Join(sets, ", "))

	return b.String(), nil
}

// GetSQL builds the SELECT used to fetch the most recently written blob
// for objectID, per spec.md §4.2.
func (m *Map) GetSQL(typeID int64, objectID uint64) (string, error) {
	table, err := m.TableFor(typeID)
	if err != nil {
		return "", err
	}
	return "SELECT object FROM " + table + " WHERE id = " + strconv.FormatUint(objectID, 10), nil
}
