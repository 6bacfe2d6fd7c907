package adapter

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// ruleIndexes are the indexes every rule collection carries: one compound
// index over the natural key for exact and prefix lookups, plus single-field
// indexes on both timestamps. Names are left to the server defaults so they
// stay derived from the key order.
func ruleIndexes() []mongo.IndexModel {
	compound := bson.D{{Key: "ptype", Value: 1}}
	for i := 0; i < maxFields; i++ {
		compound = append(compound, bson.E{Key: fieldName(i), Value: 1})
	}
	return []mongo.IndexModel{
		{Keys: compound},
		{Keys: bson.D{{Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "updatedAt", Value: 1}}},
	}
}

// indexName derives the server's default name for an ascending key set,
// e.g. "ptype_1_v0_1".
func indexName(keys bson.D) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s_%v", k.Key, k.Value))
	}
	return strings.Join(parts, "_")
}

// ensureIndexes creates whichever of the rule indexes do not exist yet.
// Existing indexes are detected by name, so re-running is a no-op.
func (a *Adapter) ensureIndexes(ctx context.Context) error {
	existing, err := a.rules.ListIndexNames(ctx)
	if err != nil {
		return fmt.Errorf("list indexes: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, name := range existing {
		have[name] = true
	}

	var missing []mongo.IndexModel
	for _, m := range ruleIndexes() {
		if !have[indexName(m.Keys.(bson.D))] {
			missing = append(missing, m)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if err := a.rules.CreateIndexes(ctx, missing); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// CreateIndexes creates the rule collection's indexes, failing hard on any
// error. During Open the same routine runs best-effort; call this when index
// creation must be confirmed.
func (a *Adapter) CreateIndexes(ctx context.Context) error {
	return a.ensureIndexes(ctx)
}
