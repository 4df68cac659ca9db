// Package categorygraph maintains a Neo4j-backed Category/Item relationship
// index alongside the relational Category Registry (C3), so the knowledge
// base can be traversed by category without a full table scan.
package categorygraph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// result is the minimal interface needed from a neo4j result.
type result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
}

// txRunner is the minimal interface needed from a managed transaction.
type txRunner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (result, error)
}

// runner is the minimal interface needed from a neo4j session.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (result, error)
	ExecuteWrite(ctx context.Context, work func(tx txRunner) (any, error)) (any, error)
	Close(ctx context.Context) error
}

type sessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *sessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	return a.sess.Run(ctx, cypher, params)
}

func (a *sessionAdapter) ExecuteWrite(ctx context.Context, work func(tx txRunner) (any, error)) (any, error) {
	return a.sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return work(tx)
	})
}

func (a *sessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}

// Graph is the sole owner of Category/Item graph operations.
type Graph struct {
	driver     neo4j.DriverWithContext
	newSession func(ctx context.Context) runner // for testing
}

// New creates a Graph over an already-connected driver.
func New(driver neo4j.DriverWithContext) *Graph {
	return &Graph{driver: driver}
}

func (g *Graph) session(ctx context.Context) runner {
	if g.newSession != nil {
		return g.newSession(ctx)
	}
	return &sessionAdapter{sess: g.driver.NewSession(ctx, neo4j.SessionConfig{})}
}

func categoryKey(main, sub string) string { return main + "/" + sub }

// EnsureCategory merges a Category node, idempotent on (main, sub).
func (g *Graph) EnsureCategory(ctx context.Context, main, sub, displayName string) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	cypher := `MERGE (c:Category {key: $key}) SET c.main = $main, c.sub = $sub, c.display_name = $display_name`
	_, err := sess.Run(ctx, cypher, map[string]any{
		"key": categoryKey(main, sub), "main": main, "sub": sub, "display_name": displayName,
	})
	if err != nil {
		return fmt.Errorf("categorygraph: ensure category %s/%s: %w", main, sub, err)
	}
	return nil
}

// LinkItem merges an Item node and a HAS_ITEM edge from its category, moving
// any prior category membership edge for the item.
func (g *Graph) LinkItem(ctx context.Context, itemID, main, sub string) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	cypher := `
		MERGE (i:Item {id: $item_id})
		WITH i
		OPTIONAL MATCH (:Category)-[old:HAS_ITEM]->(i)
		DELETE old
		WITH i
		MATCH (c:Category {key: $key})
		MERGE (c)-[:HAS_ITEM]->(i)`
	_, err := sess.Run(ctx, cypher, map[string]any{
		"item_id": itemID, "key": categoryKey(main, sub),
	})
	if err != nil {
		return fmt.Errorf("categorygraph: link item %s to %s/%s: %w", itemID, main, sub, err)
	}
	return nil
}

// UnlinkItem removes an item's category membership edge without deleting the
// Item node.
func (g *Graph) UnlinkItem(ctx context.Context, itemID string) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	_, err := sess.Run(ctx, `MATCH (:Category)-[r:HAS_ITEM]->(:Item {id: $item_id}) DELETE r`,
		map[string]any{"item_id": itemID})
	if err != nil {
		return fmt.Errorf("categorygraph: unlink item %s: %w", itemID, err)
	}
	return nil
}

// ItemCount returns the number of items currently linked to a category in
// the graph. The Validator's cross-reference check (spec §4.2 check 9)
// counts from the item store instead and does not call this.
func (g *Graph) ItemCount(ctx context.Context, main, sub string) (int, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, `MATCH (:Category {key: $key})-[:HAS_ITEM]->(i:Item) RETURN count(i) AS n`,
		map[string]any{"key": categoryKey(main, sub)})
	if err != nil {
		return 0, fmt.Errorf("categorygraph: count items for %s/%s: %w", main, sub, err)
	}
	if !res.Next(ctx) {
		return 0, nil
	}
	n, _, err := neo4j.GetRecordValue[int64](res.Record(), "n")
	if err != nil {
		return 0, fmt.Errorf("categorygraph: read count for %s/%s: %w", main, sub, err)
	}
	return int(n), nil
}

// ItemLink pairs an item with the category it belongs to, for SaveBatch.
type ItemLink struct {
	ItemID string
	Main   string
	Sub    string
}

// SaveBatch merges many category/item links in a single transaction. The
// content sub-phases link items one at a time through LinkItem instead.
func (g *Graph) SaveBatch(ctx context.Context, links []ItemLink) error {
	if len(links) == 0 {
		return nil
	}
	sess := g.session(ctx)
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx txRunner) (any, error) {
		for _, l := range links {
			cypher := `
				MERGE (c:Category {key: $key})
				MERGE (i:Item {id: $item_id})
				WITH c, i
				OPTIONAL MATCH (:Category)-[old:HAS_ITEM]->(i)
				DELETE old
				WITH c, i
				MERGE (c)-[:HAS_ITEM]->(i)`
			if _, err := tx.Run(ctx, cypher, map[string]any{
				"key": categoryKey(l.Main, l.Sub), "item_id": l.ItemID,
			}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("categorygraph: save batch of %d links: %w", len(links), err)
	}
	return nil
}
