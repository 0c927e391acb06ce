package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteDriverName = "sqlite"

// SQLOptions configures a SQLBackend.
type SQLOptions struct {
	// Path is the SQLite database file. Empty opens a private in-memory
	// database.
	Path string

	// NodeTable and EdgeTable override the default table names
	// ("polygraph_nodes", "polygraph_edges"). Several graphs can share
	// one database file under distinct table names.
	NodeTable string
	EdgeTable string
}

// SQLBackend stores the graph in a relational database.
//
// Layout: a node table (id TEXT PRIMARY KEY, metadata TEXT) and an edge
// table (id TEXT PRIMARY KEY, source TEXT, target TEXT, metadata TEXT) with
// indexes on source and target. Metadata is stored as JSON. An edge's
// primary key is EdgeKey of its inserted orientation; undirected lookups
// match either orientation's key.
//
// The database/sql pool serializes access; the backend itself holds no
// additional state beyond the connection.
type SQLBackend struct {
	db        *sql.DB
	directed  bool
	nodeTable string
	edgeTable string
}

// NewSQLBackend opens (and if necessary provisions) a SQLite-backed graph.
func NewSQLBackend(directed bool, opts SQLOptions) (*SQLBackend, error) {
	nodeTable := opts.NodeTable
	if nodeTable == "" {
		nodeTable = "polygraph_nodes"
	}
	edgeTable := opts.EdgeTable
	if edgeTable == "" {
		edgeTable = "polygraph_edges"
	}
	if err := validateTableName(nodeTable); err != nil {
		return nil, err
	}
	if err := validateTableName(edgeTable); err != nil {
		return nil, err
	}

	dsn := "file::memory:"
	if opts.Path != "" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", opts.Path)
	}

	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, unavailable("open sqlite db", err)
	}
	// A single connection keeps the in-memory database alive and gives the
	// file-backed database one writer, matching the single-writer contract.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, unavailable("ping sqlite db", err)
	}

	b := &SQLBackend{
		db:        db,
		directed:  directed,
		nodeTable: nodeTable,
		edgeTable: edgeTable,
	}
	if err := b.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// validateTableName restricts table names to identifier characters, since
// table names cannot be bound as query parameters.
func validateTableName(name string) error {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return fmt.Errorf("invalid table name %q", name)
		}
	}
	return nil
}

// migrate provisions the node and edge tables and their indexes.
func (b *SQLBackend) migrate() error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			metadata TEXT NOT NULL
		)`, b.nodeTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			target TEXT NOT NULL,
			metadata TEXT NOT NULL
		)`, b.edgeTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_source ON %s(source)`, b.edgeTable, b.edgeTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_target ON %s(target)`, b.edgeTable, b.edgeTable),
	}
	for _, stmt := range stmts {
		if _, err := b.db.Exec(stmt); err != nil {
			return unavailable("migrate graph schema", err)
		}
	}
	return nil
}

// IsDirected reports whether the graph is directed.
func (b *SQLBackend) IsDirected() bool {
	return b.directed
}

func encodeMeta(meta Metadata) (string, error) {
	if meta == nil {
		meta = Metadata{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

func decodeMeta(data string) (Metadata, error) {
	var meta Metadata
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}

// AddNode upserts a node, merging meta into any stored metadata.
func (b *SQLBackend) AddNode(id NodeID, meta Metadata) (NodeID, error) {
	existing, err := b.GetNode(id)
	switch {
	case err == nil:
		encoded, err := encodeMeta(existing.Merge(meta))
		if err != nil {
			return "", err
		}
		query := fmt.Sprintf(`UPDATE %s SET metadata = ? WHERE id = ?`, b.nodeTable)
		if _, err := b.db.Exec(query, encoded, string(id)); err != nil {
			return "", unavailable("update node", err)
		}
	case errors.Is(err, ErrNotFound):
		encoded, err := encodeMeta(meta)
		if err != nil {
			return "", err
		}
		query := fmt.Sprintf(`INSERT INTO %s (id, metadata) VALUES (?, ?)`, b.nodeTable)
		if _, err := b.db.Exec(query, string(id), encoded); err != nil {
			return "", unavailable("insert node", err)
		}
	default:
		return "", err
	}
	return id, nil
}

// HasNode reports whether the node exists.
func (b *SQLBackend) HasNode(id NodeID) (bool, error) {
	query := fmt.Sprintf(`SELECT 1 FROM %s WHERE id = ? LIMIT 1`, b.nodeTable)
	var one int
	err := b.db.QueryRow(query, string(id)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("query node", err)
	}
	return true, nil
}

// GetNode returns the node's metadata, or ErrNotFound.
func (b *SQLBackend) GetNode(id NodeID) (Metadata, error) {
	query := fmt.Sprintf(`SELECT metadata FROM %s WHERE id = ?`, b.nodeTable)
	var encoded string
	err := b.db.QueryRow(query, string(id)).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("query node", err)
	}
	return decodeMeta(encoded)
}

// EachNode visits every node without loading the whole table.
func (b *SQLBackend) EachNode(ctx context.Context, includeMeta bool, fn NodeVisitor) error {
	cols := "id"
	if includeMeta {
		cols = "id, metadata"
	}
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s`, cols, b.nodeTable))
	if err != nil {
		return unavailable("scan nodes", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var meta Metadata
		if includeMeta {
			var encoded string
			if err := rows.Scan(&id, &encoded); err != nil {
				return unavailable("scan node row", err)
			}
			if meta, err = decodeMeta(encoded); err != nil {
				return err
			}
		} else if err := rows.Scan(&id); err != nil {
			return unavailable("scan node row", err)
		}
		if err := fn(NodeID(id), meta); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return unavailable("scan nodes", err)
	}
	return nil
}

// NodeCount returns the number of nodes using the engine-native count.
func (b *SQLBackend) NodeCount() (int64, error) {
	return b.count(b.nodeTable)
}

// EdgeCount returns the number of edges.
func (b *SQLBackend) EdgeCount() (int64, error) {
	return b.count(b.edgeTable)
}

func (b *SQLBackend) count(table string) (int64, error) {
	var n int64
	if err := b.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		return 0, unavailable("count rows", err)
	}
	return n, nil
}

// edgeKeys returns the candidate primary keys for the edge (u, v): just the
// given orientation for directed graphs, both orientations otherwise.
func (b *SQLBackend) edgeKeys(u, v NodeID) []any {
	if b.directed {
		return []any{string(EdgeKey(u, v))}
	}
	return []any{string(EdgeKey(u, v)), string(EdgeKey(v, u))}
}

func keyPlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// AddEdge upserts the edge (u, v), auto-creating missing endpoints.
func (b *SQLBackend) AddEdge(u, v NodeID, meta Metadata) (EdgeID, error) {
	for _, endpoint := range []NodeID{u, v} {
		ok, err := b.HasNode(endpoint)
		if err != nil {
			return "", err
		}
		if !ok {
			if _, err := b.AddNode(endpoint, nil); err != nil {
				return "", err
			}
		}
	}

	keys := b.edgeKeys(u, v)
	query := fmt.Sprintf(`SELECT id, metadata FROM %s WHERE id IN (%s)`,
		b.edgeTable, keyPlaceholders(len(keys)))

	var storedID, encoded string
	err := b.db.QueryRow(query, keys...).Scan(&storedID, &encoded)
	switch {
	case err == nil:
		existing, err := decodeMeta(encoded)
		if err != nil {
			return "", err
		}
		merged, err := encodeMeta(existing.Merge(meta))
		if err != nil {
			return "", err
		}
		update := fmt.Sprintf(`UPDATE %s SET metadata = ? WHERE id = ?`, b.edgeTable)
		if _, err := b.db.Exec(update, merged, storedID); err != nil {
			return "", unavailable("update edge", err)
		}
		return EdgeID(storedID), nil
	case errors.Is(err, sql.ErrNoRows):
		id := EdgeKey(u, v)
		encoded, err := encodeMeta(meta)
		if err != nil {
			return "", err
		}
		insert := fmt.Sprintf(`INSERT INTO %s (id, source, target, metadata) VALUES (?, ?, ?, ?)`, b.edgeTable)
		if _, err := b.db.Exec(insert, string(id), string(u), string(v), encoded); err != nil {
			return "", unavailable("insert edge", err)
		}
		return id, nil
	default:
		return "", unavailable("query edge", err)
	}
}

// HasEdge reports whether the edge exists.
func (b *SQLBackend) HasEdge(u, v NodeID) (bool, error) {
	keys := b.edgeKeys(u, v)
	query := fmt.Sprintf(`SELECT 1 FROM %s WHERE id IN (%s) LIMIT 1`,
		b.edgeTable, keyPlaceholders(len(keys)))
	var one int
	err := b.db.QueryRow(query, keys...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("query edge", err)
	}
	return true, nil
}

// GetEdge returns the edge's metadata, or ErrNotFound.
func (b *SQLBackend) GetEdge(u, v NodeID) (Metadata, error) {
	keys := b.edgeKeys(u, v)
	query := fmt.Sprintf(`SELECT metadata FROM %s WHERE id IN (%s)`,
		b.edgeTable, keyPlaceholders(len(keys)))
	var encoded string
	err := b.db.QueryRow(query, keys...).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("edge %s: %w", EdgeKey(u, v), ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("query edge", err)
	}
	return decodeMeta(encoded)
}

// EachEdge visits every edge row.
func (b *SQLBackend) EachEdge(ctx context.Context, includeMeta bool, fn EdgeVisitor) error {
	cols := "source, target"
	if includeMeta {
		cols = "source, target, metadata"
	}
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s`, cols, b.edgeTable))
	if err != nil {
		return unavailable("scan edges", err)
	}
	defer rows.Close()

	for rows.Next() {
		var source, target string
		var meta Metadata
		if includeMeta {
			var encoded string
			if err := rows.Scan(&source, &target, &encoded); err != nil {
				return unavailable("scan edge row", err)
			}
			if meta, err = decodeMeta(encoded); err != nil {
				return err
			}
		} else if err := rows.Scan(&source, &target); err != nil {
			return unavailable("scan edge row", err)
		}
		if err := fn(NodeID(source), NodeID(target), meta); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return unavailable("scan edges", err)
	}
	return nil
}

// Neighbors returns the downstream nodes of u.
func (b *SQLBackend) Neighbors(u NodeID) ([]NodeID, error) {
	edges, err := b.NeighborEdges(u)
	if err != nil {
		return nil, err
	}
	return nodeSet(edges), nil
}

// NeighborEdges returns u's neighbors mapped to edge metadata. Undirected
// graphs match edges where u appears on either side.
func (b *SQLBackend) NeighborEdges(u NodeID) (map[NodeID]Metadata, error) {
	if b.directed {
		return b.incidentEdges(u, "source")
	}
	return b.incidentEdges(u, "")
}

// Predecessors returns the upstream nodes of u.
func (b *SQLBackend) Predecessors(u NodeID) ([]NodeID, error) {
	edges, err := b.PredecessorEdges(u)
	if err != nil {
		return nil, err
	}
	return nodeSet(edges), nil
}

// PredecessorEdges returns u's predecessors mapped to edge metadata.
func (b *SQLBackend) PredecessorEdges(u NodeID) (map[NodeID]Metadata, error) {
	if b.directed {
		return b.incidentEdges(u, "target")
	}
	return b.incidentEdges(u, "")
}

// incidentEdges selects edges touching u. column restricts the match to one
// side ("source" or "target"); an empty column matches either side, for
// undirected graphs. The neighbor is whichever endpoint is not u.
func (b *SQLBackend) incidentEdges(u NodeID, column string) (map[NodeID]Metadata, error) {
	ok, err := b.HasNode(u)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("node %q: %w", u, ErrNotFound)
	}

	var query string
	var args []any
	if column != "" {
		query = fmt.Sprintf(`SELECT source, target, metadata FROM %s WHERE %s = ? ORDER BY id`, b.edgeTable, column)
		args = []any{string(u)}
	} else {
		query = fmt.Sprintf(`SELECT source, target, metadata FROM %s WHERE source = ? OR target = ? ORDER BY id`, b.edgeTable)
		args = []any{string(u), string(u)}
	}

	rows, err := b.db.Query(query, args...)
	if err != nil {
		return nil, unavailable("query incident edges", err)
	}
	defer rows.Close()

	out := make(map[NodeID]Metadata)
	for rows.Next() {
		var source, target, encoded string
		if err := rows.Scan(&source, &target, &encoded); err != nil {
			return nil, unavailable("scan edge row", err)
		}
		meta, err := decodeMeta(encoded)
		if err != nil {
			return nil, err
		}
		other := NodeID(target)
		if column == "target" || (column == "" && target == string(u) && source != string(u)) {
			other = NodeID(source)
		}
		out[other] = meta
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query incident edges", err)
	}
	return out, nil
}

func nodeSet(edges map[NodeID]Metadata) []NodeID {
	out := make([]NodeID, 0, len(edges))
	for id := range edges {
		out = append(out, id)
	}
	return out
}

// RemoveNode deletes a node and every edge touching it.
func (b *SQLBackend) RemoveNode(id NodeID) error {
	ok, err := b.HasNode(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("node %q: %w", id, ErrNotFound)
	}

	del := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, b.nodeTable)
	if _, err := b.db.Exec(del, string(id)); err != nil {
		return unavailable("delete node", err)
	}
	del = fmt.Sprintf(`DELETE FROM %s WHERE source = ? OR target = ?`, b.edgeTable)
	if _, err := b.db.Exec(del, string(id), string(id)); err != nil {
		return unavailable("delete incident edges", err)
	}
	return nil
}

// RemoveEdge deletes the edge (u, v).
func (b *SQLBackend) RemoveEdge(u, v NodeID) error {
	ok, err := b.HasEdge(u, v)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("edge %s: %w", EdgeKey(u, v), ErrNotFound)
	}

	keys := b.edgeKeys(u, v)
	del := fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`, b.edgeTable, keyPlaceholders(len(keys)))
	if _, err := b.db.Exec(del, keys...); err != nil {
		return unavailable("delete edge", err)
	}
	return nil
}

// Teardown drops the graph's tables, deleting all data.
func (b *SQLBackend) Teardown() error {
	for _, table := range []string{b.edgeTable, b.nodeTable} {
		if _, err := b.db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
			return unavailable("drop table", err)
		}
	}
	return nil
}

// Close releases the database connection.
func (b *SQLBackend) Close() error {
	return b.db.Close()
}

var (
	_ Backend     = (*SQLBackend)(nil)
	_ NodeRemover = (*SQLBackend)(nil)
	_ EdgeRemover = (*SQLBackend)(nil)
	_ Teardowner  = (*SQLBackend)(nil)
)
