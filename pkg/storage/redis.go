package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisBackend.
type RedisOptions struct {
	// KeyPrefix namespaces every key so several graphs can share one
	// Redis database. Defaults to "polygraph".
	KeyPrefix string
}

// RedisBackend stores the graph in Redis.
//
// Key layout under the configured prefix p:
//   - p:n:<id>       node metadata as JSON
//   - p:nodes        set of node IDs
//   - p:e:<u>\x00<v> edge metadata as JSON, under the inserted orientation
//   - p:edges        set of edge pairs (<u>\x00<v>)
//   - p:out:<u>      set of downstream neighbor IDs
//   - p:in:<v>       set of upstream neighbor IDs (directed graphs only)
//
// Undirected graphs keep a single edge record and list the edge in both
// endpoints' out sets. Node and edge removal is not supported; use Teardown
// to drop the whole graph.
type RedisBackend struct {
	client   *redis.Client
	directed bool
	prefix   string
}

// NewRedisBackend wraps an existing Redis client as a graph backend. The
// caller owns the client's connection settings; Close does not close it.
func NewRedisBackend(directed bool, client *redis.Client, opts RedisOptions) (*RedisBackend, error) {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "polygraph"
	}
	b := &RedisBackend{client: client, directed: directed, prefix: prefix}

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, unavailable("ping redis", err)
	}
	return b, nil
}

const redisPairSep = "\x00"

func (b *RedisBackend) nodeKey(id NodeID) string {
	return fmt.Sprintf("%s:n:%s", b.prefix, id)
}

func (b *RedisBackend) nodesKey() string {
	return b.prefix + ":nodes"
}

func (b *RedisBackend) edgeKey(u, v NodeID) string {
	return fmt.Sprintf("%s:e:%s%s%s", b.prefix, u, redisPairSep, v)
}

func (b *RedisBackend) edgesKey() string {
	return b.prefix + ":edges"
}

func (b *RedisBackend) outKey(u NodeID) string {
	return fmt.Sprintf("%s:out:%s", b.prefix, u)
}

func (b *RedisBackend) inKey(v NodeID) string {
	return fmt.Sprintf("%s:in:%s", b.prefix, v)
}

func pairMember(u, v NodeID) string {
	return string(u) + redisPairSep + string(v)
}

func splitPairMember(member string) (NodeID, NodeID) {
	u, v, _ := strings.Cut(member, redisPairSep)
	return NodeID(u), NodeID(v)
}

// IsDirected reports whether the graph is directed.
func (b *RedisBackend) IsDirected() bool {
	return b.directed
}

// getMeta fetches and decodes the JSON value at key. found is false when the
// key is absent.
func (b *RedisBackend) getMeta(ctx context.Context, key string) (meta Metadata, found bool, err error) {
	data, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("redis get", err)
	}
	meta, err = decodeMeta(data)
	if err != nil {
		return nil, false, err
	}
	return meta, true, nil
}

// setMergedMeta merges meta into the JSON value at key and writes it back.
func (b *RedisBackend) setMergedMeta(ctx context.Context, key string, meta Metadata) error {
	existing, found, err := b.getMeta(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		existing = Metadata{}
	}
	encoded, err := encodeMeta(existing.Merge(meta))
	if err != nil {
		return err
	}
	if err := b.client.Set(ctx, key, encoded, 0).Err(); err != nil {
		return unavailable("redis set", err)
	}
	return nil
}

// AddNode upserts a node, merging meta into any stored metadata.
func (b *RedisBackend) AddNode(id NodeID, meta Metadata) (NodeID, error) {
	ctx := context.Background()
	if err := b.setMergedMeta(ctx, b.nodeKey(id), meta); err != nil {
		return "", err
	}
	if err := b.client.SAdd(ctx, b.nodesKey(), string(id)).Err(); err != nil {
		return "", unavailable("register node", err)
	}
	return id, nil
}

// HasNode reports whether the node exists.
func (b *RedisBackend) HasNode(id NodeID) (bool, error) {
	n, err := b.client.Exists(context.Background(), b.nodeKey(id)).Result()
	if err != nil {
		return false, unavailable("redis exists", err)
	}
	return n > 0, nil
}

// GetNode returns the node's metadata, or ErrNotFound.
func (b *RedisBackend) GetNode(id NodeID) (Metadata, error) {
	meta, found, err := b.getMeta(context.Background(), b.nodeKey(id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("node %q: %w", id, ErrNotFound)
	}
	return meta, nil
}

// EachNode visits every registered node.
func (b *RedisBackend) EachNode(ctx context.Context, includeMeta bool, fn NodeVisitor) error {
	ids, err := b.client.SMembers(ctx, b.nodesKey()).Result()
	if err != nil {
		return unavailable("list nodes", err)
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		var meta Metadata
		if includeMeta {
			var found bool
			meta, found, err = b.getMeta(ctx, b.nodeKey(NodeID(id)))
			if err != nil {
				return err
			}
			if !found {
				continue
			}
		}
		if err := fn(NodeID(id), meta); err != nil {
			return err
		}
	}
	return nil
}

// NodeCount returns the cardinality of the node set.
func (b *RedisBackend) NodeCount() (int64, error) {
	n, err := b.client.SCard(context.Background(), b.nodesKey()).Result()
	if err != nil {
		return 0, unavailable("count nodes", err)
	}
	return n, nil
}

// EdgeCount returns the cardinality of the edge set.
func (b *RedisBackend) EdgeCount() (int64, error) {
	n, err := b.client.SCard(context.Background(), b.edgesKey()).Result()
	if err != nil {
		return 0, unavailable("count edges", err)
	}
	return n, nil
}

// storedEdgeKey finds the key of the stored record for (u, v), checking both
// orientations for undirected graphs.
func (b *RedisBackend) storedEdgeKey(ctx context.Context, u, v NodeID) (string, bool, error) {
	key := b.edgeKey(u, v)
	n, err := b.client.Exists(ctx, key).Result()
	if err != nil {
		return "", false, unavailable("redis exists", err)
	}
	if n > 0 {
		return key, true, nil
	}
	if b.directed {
		return "", false, nil
	}
	key = b.edgeKey(v, u)
	n, err = b.client.Exists(ctx, key).Result()
	if err != nil {
		return "", false, unavailable("redis exists", err)
	}
	return key, n > 0, nil
}

// AddEdge upserts the edge (u, v), auto-creating missing endpoints.
func (b *RedisBackend) AddEdge(u, v NodeID, meta Metadata) (EdgeID, error) {
	ctx := context.Background()
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

	key, found, err := b.storedEdgeKey(ctx, u, v)
	if err != nil {
		return "", err
	}
	su, sv := u, v
	if found {
		member := strings.TrimPrefix(key, b.prefix+":e:")
		su, sv = splitPairMember(member)
	} else {
		key = b.edgeKey(u, v)
	}

	if err := b.setMergedMeta(ctx, key, meta); err != nil {
		return "", err
	}
	if err := b.client.SAdd(ctx, b.edgesKey(), pairMember(su, sv)).Err(); err != nil {
		return "", unavailable("register edge", err)
	}
	if err := b.client.SAdd(ctx, b.outKey(u), string(v)).Err(); err != nil {
		return "", unavailable("index edge", err)
	}
	if b.directed {
		err = b.client.SAdd(ctx, b.inKey(v), string(u)).Err()
	} else {
		err = b.client.SAdd(ctx, b.outKey(v), string(u)).Err()
	}
	if err != nil {
		return "", unavailable("index edge", err)
	}
	return EdgeKey(su, sv), nil
}

// HasEdge reports whether the edge exists.
func (b *RedisBackend) HasEdge(u, v NodeID) (bool, error) {
	_, found, err := b.storedEdgeKey(context.Background(), u, v)
	return found, err
}

// GetEdge returns the edge's metadata, or ErrNotFound.
func (b *RedisBackend) GetEdge(u, v NodeID) (Metadata, error) {
	ctx := context.Background()
	key, found, err := b.storedEdgeKey(ctx, u, v)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("edge %s: %w", EdgeKey(u, v), ErrNotFound)
	}
	meta, _, err := b.getMeta(ctx, key)
	return meta, err
}

// EachEdge visits every registered edge.
func (b *RedisBackend) EachEdge(ctx context.Context, includeMeta bool, fn EdgeVisitor) error {
	members, err := b.client.SMembers(ctx, b.edgesKey()).Result()
	if err != nil {
		return unavailable("list edges", err)
	}
	for _, member := range members {
		if err := ctx.Err(); err != nil {
			return err
		}
		u, v := splitPairMember(member)
		var meta Metadata
		if includeMeta {
			var found bool
			meta, found, err = b.getMeta(ctx, b.edgeKey(u, v))
			if err != nil {
				return err
			}
			if !found {
				continue
			}
		}
		if err := fn(u, v, meta); err != nil {
			return err
		}
	}
	return nil
}

// Neighbors returns the downstream nodes of u.
func (b *RedisBackend) Neighbors(u NodeID) ([]NodeID, error) {
	edges, err := b.NeighborEdges(u)
	if err != nil {
		return nil, err
	}
	return nodeSet(edges), nil
}

// NeighborEdges reads u's out set and resolves each edge's metadata.
func (b *RedisBackend) NeighborEdges(u NodeID) (map[NodeID]Metadata, error) {
	return b.adjacentEdges(u, b.outKey(u))
}

// Predecessors returns the upstream nodes of u.
func (b *RedisBackend) Predecessors(u NodeID) ([]NodeID, error) {
	edges, err := b.PredecessorEdges(u)
	if err != nil {
		return nil, err
	}
	return nodeSet(edges), nil
}

// PredecessorEdges reads u's in set. Undirected graphs have no in sets; the
// out set already covers both sides.
func (b *RedisBackend) PredecessorEdges(u NodeID) (map[NodeID]Metadata, error) {
	if !b.directed {
		return b.adjacentEdges(u, b.outKey(u))
	}
	return b.adjacentEdges(u, b.inKey(u))
}

func (b *RedisBackend) adjacentEdges(u NodeID, setKey string) (map[NodeID]Metadata, error) {
	ctx := context.Background()
	ok, err := b.HasNode(u)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("node %q: %w", u, ErrNotFound)
	}

	members, err := b.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, unavailable("list adjacency", err)
	}
	out := make(map[NodeID]Metadata, len(members))
	for _, member := range members {
		other := NodeID(member)
		var meta Metadata
		if setKey == b.inKey(u) {
			meta, err = b.GetEdge(other, u)
		} else {
			meta, err = b.GetEdge(u, other)
		}
		if err != nil {
			return nil, err
		}
		out[other] = meta
	}
	return out, nil
}

// Teardown deletes every key belonging to this graph's prefix.
func (b *RedisBackend) Teardown() error {
	ctx := context.Background()
	var keys []string

	ids, err := b.client.SMembers(ctx, b.nodesKey()).Result()
	if err != nil {
		return unavailable("list nodes", err)
	}
	for _, id := range ids {
		keys = append(keys, b.nodeKey(NodeID(id)), b.outKey(NodeID(id)), b.inKey(NodeID(id)))
	}

	members, err := b.client.SMembers(ctx, b.edgesKey()).Result()
	if err != nil {
		return unavailable("list edges", err)
	}
	for _, member := range members {
		u, v := splitPairMember(member)
		keys = append(keys, b.edgeKey(u, v))
	}

	keys = append(keys, b.nodesKey(), b.edgesKey())
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return unavailable("delete graph keys", err)
	}
	return nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (b *RedisBackend) Close() error {
	return nil
}

var (
	_ Backend    = (*RedisBackend)(nil)
	_ Teardowner = (*RedisBackend)(nil)
)
