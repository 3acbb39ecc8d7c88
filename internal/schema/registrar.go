package schema

import (
	"context"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/weisyn/indexer/internal/manifest"
)

// Registrar is the narrow boundary to the schema collaborator named in
// spec.md §4.5 "Register (from manifest)" and §6 ("Schema (GraphQL).
// Consumed by the schema collaborator; this core reads only the
// table/column decomposition it produces"). Commit persists that
// decomposition for (uid, version) and returns it, ready to be handed to
// Build.
type Registrar interface {
	Commit(ctx context.Context, uid manifest.UID, version string, graphqlSource string) ([]Row, error)
}

// PGRegistrar is a minimal in-repo implementation of Registrar, good
// enough to run and test the core end to end without a standalone
// schema-registry service. It decomposes a GraphQL SDL document into one
// table per object type and one column per field, in declaration order,
// and persists the result to schema_column.
type PGRegistrar struct {
	pool *pgxpool.Pool
}

// NewPGRegistrar wraps an existing pool.
func NewPGRegistrar(pool *pgxpool.Pool) *PGRegistrar {
	return &PGRegistrar{pool: pool}
}

func (r *PGRegistrar) Commit(ctx context.Context, uid manifest.UID, version, graphqlSource string) ([]Row, error) {
	rows, err := Decompose(graphqlSource)
	if err != nil {
		return nil, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "schema: begin commit tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, row := range rows {
		_, err := tx.Exec(ctx, `
			INSERT INTO schema_column (namespace, identifier, version, type_id, table_name, column_name, ordinal)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (namespace, identifier, version, type_id, ordinal) DO UPDATE
			SET table_name = EXCLUDED.table_name, column_name = EXCLUDED.column_name`,
			uid.Namespace, uid.Identifier, version, row.TypeID, row.Table, row.Column, row.Ordinal)
		if err != nil {
			return nil, errors.Wrap(err, "schema: insert schema_column")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "schema: commit schema_column tx")
	}
	return rows, nil
}

// Decompose parses a GraphQL SDL source and produces the (type_id,
// table, column, ordinal) rows a Schema Map is built from. Every object
// type other than the reserved root types becomes one table, lower-cased
// from its type name; every field becomes one column, lower-cased from
// its field name, in declaration order. Object types are walked in
// name-sorted order so the same source always assigns the same type ids.
//
// This uses parser.ParseSchema rather than the higher-level
// gqlparser.LoadSchema: an index's data-model SDL declares entity types
// only, with no Query root, and ParseSchema's bare AST walk does not
// require one.
func Decompose(graphqlSource string) ([]Row, error) {
	doc, err := parser.ParseSchema(&ast.Source{Name: "index.graphql", Input: graphqlSource})
	if err != nil {
		return nil, errors.Wrap(err, "schema: parse graphql source")
	}

	var objects []*ast.Definition
	for _, def := range doc.Definitions {
		if def.Kind != ast.Object || isRootType(def.Name) {
			continue
		}
		objects = append(objects, def)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })

	var rows []Row
	for i, def := range objects {
		typeID := int64(i + 1)
		table := strings.ToLower(def.Name)

		hasID := false
		for ordinal, field := range def.Fields {
			if strings.EqualFold(field.Name, "id") {
				hasID = true
			}
			rows = append(rows, Row{
				TypeID:  typeID,
				Table:   table,
				Column:  strings.ToLower(field.Name),
				Ordinal: ordinal,
			})
		}
		if !hasID {
			return nil, errors.Errorf("schema: type %q declares no id field", def.Name)
		}
	}
	return rows, nil
}

func isRootType(name string) bool {
	switch name {
	case "Query", "Mutation", "Subscription":
		return true
	default:
		return false
	}
}
