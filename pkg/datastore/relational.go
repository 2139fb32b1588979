package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/wayflowcore/wayflow-go/pkg/property"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// RelationalDatastore binds collections to existing SQL tables by
// reflection. Column identifiers are matched case-insensitively against the
// entity properties and their database types are validated against a fixed
// map per property kind. All statements are parameterized; concurrency is
// handled by database-level locking.
type RelationalDatastore struct {
	db      *sql.DB
	dialect string
	schema  Schema
	tables  map[string]*tableBinding
}

// tableBinding records the reflected shape of one table: the property-name
// to actual-column mapping with the database's own casing preserved.
type tableBinding struct {
	table   string
	columns map[string]string
}

// OpenRelational connects with the given config and binds the schema. Each
// collection name must correspond to an existing table containing a
// compatible column for every entity property.
func OpenRelational(ctx context.Context, cfg ConnectionConfig, schema Schema) (*RelationalDatastore, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, newError("open", "", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	store, err := NewRelationalDatastore(ctx, db, cfg.Driver, schema)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewRelationalDatastore binds an already-open connection.
func NewRelationalDatastore(ctx context.Context, db *sql.DB, dialect string, schema Schema) (*RelationalDatastore, error) {
	if db == nil {
		return nil, newError("open", "", fmt.Errorf("database connection is required"))
	}

	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, newError("open", "", fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect))
	}

	s := &RelationalDatastore{
		db:      db,
		dialect: dialect,
		schema:  schema,
		tables:  make(map[string]*tableBinding, len(schema)),
	}

	for name, entity := range schema {
		binding, err := s.reflectTable(ctx, name, entity)
		if err != nil {
			return nil, err
		}
		s.tables[name] = binding
	}

	return s, nil
}

func (s *RelationalDatastore) Describe() Schema { return s.schema }

func (s *RelationalDatastore) Close() error { return s.db.Close() }

// reflectTable introspects the live table and matches every entity property
// to a column, case-insensitively, validating the declared database type.
func (s *RelationalDatastore) reflectTable(ctx context.Context, collection string, entity Entity) (*tableBinding, error) {
	columns, err := s.introspect(ctx, collection)
	if err != nil {
		return nil, newError("reflect", collection, err)
	}
	if len(columns) == 0 {
		return nil, newError("reflect", collection, fmt.Errorf("table does not exist or has no columns"))
	}

	byLower := make(map[string]introspectedColumn, len(columns))
	for _, col := range columns {
		byLower[strings.ToLower(col.name)] = col
	}

	binding := &tableBinding{table: collection, columns: make(map[string]string, len(entity.Properties))}
	for name, prop := range entity.Properties {
		col, ok := byLower[strings.ToLower(name)]
		if !ok {
			return nil, newError("reflect", collection, fmt.Errorf("no column matches property %q", name))
		}
		if !columnTypeAllowed(prop.Kind, col.dbType) {
			return nil, newError("reflect", collection,
				fmt.Errorf("column %q has type %q, not usable as %s", col.name, col.dbType, prop.Kind))
		}
		binding.columns[name] = col.name
	}
	return binding, nil
}

type introspectedColumn struct {
	name   string
	dbType string
}

func (s *RelationalDatastore) introspect(ctx context.Context, table string) ([]introspectedColumn, error) {
	switch s.dialect {
	case "sqlite":
		// PRAGMA arguments cannot be bound; the table name comes from the
		// schema the process was configured with, not from request input.
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []introspectedColumn
		for rows.Next() {
			var cid int
			var name, dbType string
			var notNull, pk int
			var dflt sql.NullString
			if err := rows.Scan(&cid, &name, &dbType, &notNull, &dflt, &pk); err != nil {
				return nil, err
			}
			out = append(out, introspectedColumn{name: name, dbType: dbType})
		}
		return out, rows.Err()

	default:
		query := `SELECT column_name, data_type FROM information_schema.columns
                  WHERE LOWER(table_name) = LOWER(?)`
		if s.dialect == "postgres" {
			query = convertToPostgresPlaceholders(query)
		}
		rows, err := s.db.QueryContext(ctx, query, table)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []introspectedColumn
		for rows.Next() {
			var col introspectedColumn
			if err := rows.Scan(&col.name, &col.dbType); err != nil {
				return nil, err
			}
			out = append(out, col)
		}
		return out, rows.Err()
	}
}

// columnTypeAllowed is the fixed kind-to-database-type map. Vendor size
// suffixes like varchar(255) are stripped before matching.
func columnTypeAllowed(kind property.Kind, dbType string) bool {
	base := strings.ToLower(dbType)
	if i := strings.IndexByte(base, '('); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSpace(base)

	allowed := map[property.Kind][]string{
		property.KindString:  {"text", "varchar", "character varying", "character", "char", "clob", "longtext", "mediumtext"},
		property.KindInteger: {"integer", "int", "bigint", "smallint", "int2", "int4", "int8", "serial", "bigserial"},
		property.KindFloat:   {"numeric", "decimal", "real", "double precision", "double", "float", "float4", "float8"},
		property.KindBoolean: {"boolean", "bool", "tinyint"},
		property.KindVector:  {"vector"},
	}

	types, ok := allowed[kind]
	if !ok {
		return false
	}
	for _, t := range types {
		if base == t {
			return true
		}
	}
	return false
}

func (s *RelationalDatastore) binding(collection string) (Entity, *tableBinding, error) {
	entity, ok := s.schema[collection]
	if !ok {
		return Entity{}, nil, fmt.Errorf("unknown collection %q", collection)
	}
	return entity, s.tables[collection], nil
}

func (s *RelationalDatastore) List(ctx context.Context, collection string, where map[string]any, limit int) ([]map[string]any, error) {
	entity, binding, err := s.binding(collection)
	if err != nil {
		return nil, newError("list", collection, err)
	}
	if where, err = validatePartial(entity, where); err != nil {
		return nil, newError("list", collection, err)
	}

	names := sortedPropertyNames(entity)
	cols := make([]string, len(names))
	for i, name := range names {
		cols[i] = binding.columns[name]
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), binding.table)
	clause, args := s.whereClause(binding, where)
	query += clause
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, newError("list", collection, err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		values, err := scanRow(rows, entity, names)
		if err != nil {
			return nil, newError("list", collection, err)
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, newError("list", collection, err)
	}
	return out, nil
}

func (s *RelationalDatastore) Create(ctx context.Context, collection string, rowsIn []map[string]any) ([]map[string]any, error) {
	entity, binding, err := s.binding(collection)
	if err != nil {
		return nil, newError("create", collection, err)
	}

	validated := make([]map[string]any, 0, len(rowsIn))
	for _, row := range rowsIn {
		values, err := validateRow(entity, row)
		if err != nil {
			return nil, newError("create", collection, err)
		}
		validated = append(validated, values)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, newError("create", collection, err)
	}
	defer tx.Rollback()

	for _, values := range validated {
		names := sortedKeys(values)
		cols := make([]string, len(names))
		marks := make([]string, len(names))
		args := make([]any, len(names))
		for i, name := range names {
			cols[i] = binding.columns[name]
			marks[i] = "?"
			args[i], err = bindValue(entity.Properties[name], values[name])
			if err != nil {
				return nil, newError("create", collection, err)
			}
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			binding.table, strings.Join(cols, ", "), strings.Join(marks, ", "))
		if s.dialect == "postgres" {
			query = convertToPostgresPlaceholders(query)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return nil, newError("create", collection, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, newError("create", collection, err)
	}
	return validated, nil
}

// Update rewrites matching rows inside one transaction. Setting the
// last-turn marker for a conversation clears it on every other turn of that
// conversation before the targeted update, so readers never observe two
// last turns.
func (s *RelationalDatastore) Update(ctx context.Context, collection string, where, update map[string]any) (int64, error) {
	entity, binding, err := s.binding(collection)
	if err != nil {
		return 0, newError("update", collection, err)
	}
	if where, err = validatePartial(entity, where); err != nil {
		return 0, newError("update", collection, err)
	}
	if update, err = validatePartial(entity, update); err != nil {
		return 0, newError("update", collection, err)
	}
	if len(update) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, newError("update", collection, err)
	}
	defer tx.Rollback()

	if isLastTurnUpdate(where, update) {
		clear := fmt.Sprintf("UPDATE %s SET %s = 0 WHERE %s = ?",
			binding.table, binding.columns[ColumnIsLastTurn], binding.columns[ColumnConversationID])
		if s.dialect == "postgres" {
			clear = convertToPostgresPlaceholders(clear)
		}
		arg, err := bindValue(entity.Properties[ColumnConversationID], where[ColumnConversationID])
		if err != nil {
			return 0, newError("update", collection, err)
		}
		if _, err := tx.ExecContext(ctx, clear, arg); err != nil {
			return 0, newError("update", collection, err)
		}
	}

	names := sortedKeys(update)
	sets := make([]string, len(names))
	args := make([]any, 0, len(names)+len(where))
	for i, name := range names {
		sets[i] = binding.columns[name] + " = ?"
		arg, err := bindValue(entity.Properties[name], update[name])
		if err != nil {
			return 0, newError("update", collection, err)
		}
		args = append(args, arg)
	}

	query := fmt.Sprintf("UPDATE %s SET %s", binding.table, strings.Join(sets, ", "))
	clause, whereArgs := s.whereClause(binding, where)
	query += clause
	args = append(args, whereArgs...)
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, newError("update", collection, err)
	}
	touched, err := result.RowsAffected()
	if err != nil {
		return 0, newError("update", collection, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, newError("update", collection, err)
	}
	return touched, nil
}

func (s *RelationalDatastore) Delete(ctx context.Context, collection string, where map[string]any) (int64, error) {
	entity, binding, err := s.binding(collection)
	if err != nil {
		return 0, newError("delete", collection, err)
	}
	if where, err = validatePartial(entity, where); err != nil {
		return 0, newError("delete", collection, err)
	}

	query := "DELETE FROM " + binding.table
	clause, args := s.whereClause(binding, where)
	query += clause
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, newError("delete", collection, err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, newError("delete", collection, err)
	}
	return removed, nil
}

// SearchVectors ranks rows by vector proximity. On postgres the ranking is
// pushed into the database with pgvector operators; other dialects fetch
// the filtered rows and rank in-process.
func (s *RelationalDatastore) SearchVectors(ctx context.Context, collection, column string, query []float32, k int, metric Metric, where map[string]any) ([]SearchResult, error) {
	entity, binding, err := s.binding(collection)
	if err != nil {
		return nil, newError("search", collection, err)
	}
	prop, ok := entity.Properties[column]
	if !ok || prop.Kind != property.KindVector {
		return nil, newError("search", collection, fmt.Errorf("%q is not a vector column", column))
	}
	if where, err = validatePartial(entity, where); err != nil {
		return nil, newError("search", collection, err)
	}
	if k <= 0 {
		return nil, nil
	}

	if s.dialect == "postgres" {
		return s.searchPgvector(ctx, entity, binding, column, query, k, metric, where)
	}

	rows, err := s.List(ctx, collection, where, 0)
	if err != nil {
		return nil, err
	}
	return rankRows(rows, column, query, k, metric)
}

func (s *RelationalDatastore) searchPgvector(ctx context.Context, entity Entity, binding *tableBinding, column string, query []float32, k int, metric Metric, where map[string]any) ([]SearchResult, error) {
	var operator string
	switch metric {
	case MetricCosine:
		operator = "<=>"
	case MetricL2:
		operator = "<->"
	default:
		return nil, newError("search", binding.table, fmt.Errorf("unsupported metric %q", metric))
	}

	names := sortedPropertyNames(entity)
	cols := make([]string, len(names))
	for i, name := range names {
		cols[i] = binding.columns[name]
	}

	sqlQuery := fmt.Sprintf("SELECT %s, %s %s ? AS distance FROM %s",
		strings.Join(cols, ", "), binding.columns[column], operator, binding.table)
	clause, args := s.whereClause(binding, where)
	sqlQuery += clause
	sqlQuery += " ORDER BY distance ASC LIMIT " + strconv.Itoa(k)
	sqlQuery = convertToPostgresPlaceholders(sqlQuery)

	queryArgs := append([]any{formatVector(query)}, args...)
	rows, err := s.db.QueryContext(ctx, sqlQuery, queryArgs...)
	if err != nil {
		return nil, newError("search", binding.table, err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		values, distance, err := scanRowWithDistance(rows, entity, names)
		if err != nil {
			return nil, newError("search", binding.table, err)
		}
		score := distance
		if metric == MetricCosine {
			// pgvector's <=> is cosine distance; report similarity.
			score = 1 - distance
		}
		out = append(out, SearchResult{Values: values, Score: score})
	}
	return out, rows.Err()
}

// rankRows is the in-process fallback shared by the non-postgres dialects.
func rankRows(rows []map[string]any, column string, query []float32, k int, metric Metric) ([]SearchResult, error) {
	var out []SearchResult
	for _, row := range rows {
		vec, err := toFloat32Vector(row[column])
		if err != nil || vec == nil {
			continue
		}
		switch metric {
		case MetricCosine:
			out = append(out, SearchResult{Values: row, Score: cosineSimilarity(query, vec)})
		case MetricL2:
			out = append(out, SearchResult{Values: row, Score: l2Distance(query, vec)})
		default:
			return nil, fmt.Errorf("unsupported metric %q", metric)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if metric == MetricCosine {
			return out[i].Score > out[j].Score
		}
		return out[i].Score < out[j].Score
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *RelationalDatastore) whereClause(binding *tableBinding, where map[string]any) (string, []any) {
	if len(where) == 0 {
		return "", nil
	}
	entity := s.schema[binding.table]
	names := sortedKeys(where)
	terms := make([]string, 0, len(names))
	args := make([]any, 0, len(names))
	for _, name := range names {
		if where[name] == nil {
			terms = append(terms, binding.columns[name]+" IS NULL")
			continue
		}
		terms = append(terms, binding.columns[name]+" = ?")
		arg, err := bindValue(entity.Properties[name], where[name])
		if err != nil {
			arg = where[name]
		}
		args = append(args, arg)
	}
	return " WHERE " + strings.Join(terms, " AND "), args
}

// bindValue converts a validated value to its driver representation.
// Vectors travel as their bracketed text form, booleans as 0/1 for the
// dialect-portable tinyint columns.
func bindValue(prop *property.Property, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch prop.Kind {
	case property.KindVector:
		vec, err := toFloat32Vector(value)
		if err != nil {
			return nil, err
		}
		return formatVector(vec), nil
	default:
		return value, nil
	}
}

func formatVector(vec []float32) string {
	parts := make([]string, len(vec))
	for i, f := range vec {
		parts[i] = strconv.FormatFloat(float64(f), 'g', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func parseVector(text string) ([]float32, error) {
	var out []float32
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("malformed vector literal %q: %w", text, err)
	}
	return out, nil
}

func sortedPropertyNames(entity Entity) []string {
	names := make([]string, 0, len(entity.Properties))
	for name := range entity.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func scanRow(rows *sql.Rows, entity Entity, names []string) (map[string]any, error) {
	targets := scanTargets(entity, names)
	if err := rows.Scan(targets...); err != nil {
		return nil, err
	}
	return decodeTargets(entity, names, targets)
}

func scanRowWithDistance(rows *sql.Rows, entity Entity, names []string) (map[string]any, float64, error) {
	targets := scanTargets(entity, names)
	var distance float64
	targets = append(targets, &distance)
	if err := rows.Scan(targets...); err != nil {
		return nil, 0, err
	}
	values, err := decodeTargets(entity, names, targets[:len(targets)-1])
	return values, distance, err
}

func scanTargets(entity Entity, names []string) []any {
	targets := make([]any, len(names))
	for i, name := range names {
		switch entity.Properties[name].Kind {
		case property.KindInteger:
			targets[i] = new(sql.NullInt64)
		case property.KindFloat:
			targets[i] = new(sql.NullFloat64)
		case property.KindBoolean:
			targets[i] = new(sql.NullBool)
		default:
			targets[i] = new(sql.NullString)
		}
	}
	return targets
}

func decodeTargets(entity Entity, names []string, targets []any) (map[string]any, error) {
	values := make(map[string]any, len(names))
	for i, name := range names {
		switch target := targets[i].(type) {
		case *sql.NullInt64:
			if target.Valid {
				values[name] = target.Int64
			}
		case *sql.NullFloat64:
			if target.Valid {
				values[name] = target.Float64
			}
		case *sql.NullBool:
			if target.Valid {
				values[name] = target.Bool
			}
		case *sql.NullString:
			if !target.Valid {
				continue
			}
			if entity.Properties[name].Kind == property.KindVector {
				vec, err := parseVector(target.String)
				if err != nil {
					return nil, err
				}
				values[name] = vec
			} else {
				values[name] = target.String
			}
		}
	}
	return values, nil
}

// convertToPostgresPlaceholders converts ? to $1, $2, etc. in a single pass.
func convertToPostgresPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 20)
	paramNum := 1
	for _, c := range query {
		if c == '?' {
			b.WriteString(fmt.Sprintf("$%d", paramNum))
			paramNum++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

var (
	_ Datastore      = (*RelationalDatastore)(nil)
	_ VectorSearcher = (*RelationalDatastore)(nil)
)
