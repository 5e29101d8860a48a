// Package graphstore implements the typed node/edge graph contract (C3) on
// top of Neo4j, generalizing the teacher's engine/graph package (which
// modeled car components/vehicles) to the spec's domain-agnostic
// Node/Edge shape, built on the shared pkg/repo generic repository.
package graphstore

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/brainwav/memcore/domain"
	"github.com/brainwav/memcore/pkg/repo"
)

const nodeLabel = "MemNode"

// Store is the C3 contract: typed node/edge CRUD plus neighbor queries.
type Store interface {
	SaveNode(ctx context.Context, n domain.Node) error
	GetNode(ctx context.Context, id string) (domain.Node, error)
	DeleteNode(ctx context.Context, id string) error
	SaveEdge(ctx context.Context, e domain.Edge) error
	Neighbors(ctx context.Context, nodeID string, depth int, edgeTypes []string) ([]domain.Node, error)
	SaveBatch(ctx context.Context, nodes []domain.Node, edges []domain.Edge) error
	Close(ctx context.Context) error
}

// Neo4jStore is the sole owner of all Neo4j operations for the graph
// component, mirroring the teacher's engine/graph.GraphStore.
type Neo4jStore struct {
	driver neo4j.DriverWithContext
	nodes  *repo.Neo4jRepo[domain.Node, string]
}

// New creates a Neo4jStore over an already-connected driver.
func New(driver neo4j.DriverWithContext) *Neo4jStore {
	return &Neo4jStore{
		driver: driver,
		nodes:  newNodeRepo(driver),
	}
}

func newNodeRepo(driver neo4j.DriverWithContext) *repo.Neo4jRepo[domain.Node, string] {
	return repo.NewNeo4jRepo[domain.Node, string](driver, nodeLabel, nodeToMap, nodeFromRecord)
}

func nodeToMap(n domain.Node) map[string]any {
	m := map[string]any{"id": n.ID, "type": n.Type}
	for k, v := range n.Properties {
		m["prop_"+k] = fmt.Sprint(v)
	}
	return m
}

func nodeFromRecord(rec *neo4j.Record) (domain.Node, error) {
	raw, ok := rec.Get("n")
	if !ok {
		return domain.Node{}, fmt.Errorf("graphstore: missing node column")
	}
	node, ok := raw.(dbtype.Node)
	if !ok {
		return domain.Node{}, fmt.Errorf("graphstore: unexpected node type")
	}
	return nodeFromProps(node.Props), nil
}

func nodeFromProps(props map[string]any) domain.Node {
	n := domain.Node{Properties: make(map[string]any)}
	if v, ok := props["id"].(string); ok {
		n.ID = v
	}
	if v, ok := props["type"].(string); ok {
		n.Type = v
	}
	for k, v := range props {
		if len(k) > 5 && k[:5] == "prop_" {
			n.Properties[k[5:]] = v
		}
	}
	return n
}

// Close closes the underlying driver.
func (g *Neo4jStore) Close(ctx context.Context) error { return g.driver.Close(ctx) }

// SaveNode creates or updates a node.
func (g *Neo4jStore) SaveNode(ctx context.Context, n domain.Node) error {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(`MERGE (n:%s {id: $id}) SET n += $props`, nodeLabel)
	_, err := sess.Run(ctx, cypher, map[string]any{"id": n.ID, "props": nodeToMap(n)})
	if err != nil {
		return domain.NewError(domain.KindStorage, "save node", err)
	}
	return nil
}

// GetNode returns a node by id.
func (g *Neo4jStore) GetNode(ctx context.Context, id string) (domain.Node, error) {
	n, err := g.nodes.Get(ctx, id)
	if err != nil {
		return domain.Node{}, domain.NewError(domain.KindNotFound, id, err)
	}
	return n, nil
}

// DeleteNode removes a node and its incident relationships.
func (g *Neo4jStore) DeleteNode(ctx context.Context, id string) error {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(`MATCH (n:%s {id: $id}) DETACH DELETE n`, nodeLabel)
	_, err := sess.Run(ctx, cypher, map[string]any{"id": id})
	if err != nil {
		return domain.NewError(domain.KindStorage, "delete node", err)
	}
	return nil
}

// SaveEdge creates or updates a typed, directed edge between two nodes.
func (g *Neo4jStore) SaveEdge(ctx context.Context, e domain.Edge) error {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH (a:%s {id: $from}), (b:%s {id: $to})
		 MERGE (a)-[r:%s]->(b)
		 SET r.weight = $weight`,
		nodeLabel, nodeLabel, sanitizeRelType(e.Type),
	)
	_, err := sess.Run(ctx, cypher, map[string]any{"from": e.FromID, "to": e.ToID, "weight": e.Weight})
	if err != nil {
		return domain.NewError(domain.KindStorage, "save edge", err)
	}
	return nil
}

// Neighbors returns nodes within depth hops of nodeID, optionally
// restricted to an edge-type whitelist (C8's graph-lift guard).
func (g *Neo4jStore) Neighbors(ctx context.Context, nodeID string, depth int, edgeTypes []string) ([]domain.Node, error) {
	if depth <= 0 {
		depth = 1
	}
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	relPattern := ""
	if len(edgeTypes) > 0 {
		safe := make([]string, len(edgeTypes))
		for i, t := range edgeTypes {
			safe[i] = sanitizeRelType(t)
		}
		relPattern = ":" + joinPipe(safe)
	}

	cypher := fmt.Sprintf(
		`MATCH (start:%s {id: $id})-[%s*1..%d]-(n:%s)
		 WHERE n.id <> $id
		 RETURN DISTINCT n`,
		nodeLabel, relPattern, depth, nodeLabel,
	)
	result, err := sess.Run(ctx, cypher, map[string]any{"id": nodeID})
	if err != nil {
		return nil, domain.NewError(domain.KindNetwork, "neighbors", err)
	}

	var out []domain.Node
	for result.Next(ctx) {
		node, err := neo4j.GetRecordValue[dbtype.Node](result.Record(), "n")
		if err != nil {
			return nil, domain.NewError(domain.KindInternal, "decode neighbor", err)
		}
		out = append(out, nodeFromProps(node.Props))
	}
	return out, nil
}

// SaveBatch saves multiple nodes and edges in a single transaction,
// following the teacher's GraphStore.SaveBatch shape for bulk writes.
func (g *Neo4jStore) SaveBatch(ctx context.Context, nodes []domain.Node, edges []domain.Edge) error {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, n := range nodes {
			cypher := fmt.Sprintf(`MERGE (n:%s {id: $id}) SET n += $props`, nodeLabel)
			if _, err := tx.Run(ctx, cypher, map[string]any{"id": n.ID, "props": nodeToMap(n)}); err != nil {
				return nil, err
			}
		}
		for _, e := range edges {
			cypher := fmt.Sprintf(
				`MATCH (a:%s {id: $from}), (b:%s {id: $to})
				 MERGE (a)-[r:%s]->(b)
				 SET r.weight = $weight`,
				nodeLabel, nodeLabel, sanitizeRelType(e.Type),
			)
			if _, err := tx.Run(ctx, cypher, map[string]any{"from": e.FromID, "to": e.ToID, "weight": e.Weight}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return domain.NewError(domain.KindStorage, "save batch", err)
	}
	return nil
}

func sanitizeRelType(t string) string {
	safe := make([]byte, 0, len(t))
	for i := range t {
		c := t[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			safe = append(safe, c)
		}
	}
	if len(safe) == 0 {
		return "RELATED_TO"
	}
	for i := range safe {
		if safe[i] >= 'a' && safe[i] <= 'z' {
			safe[i] -= 32
		}
	}
	return string(safe)
}

func joinPipe(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += "|"
		}
		out += s
	}
	return out
}
