// Package adapter persists casbin policy and grouping rules in a single
// MongoDB collection. It implements casbin's adapter contract together with
// the batch, filtered, updatable and context capability interfaces.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/casbin/casbin/v2/model"
	"github.com/casbin/casbin/v2/persist"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"golang.org/x/sync/errgroup"
)

const (
	defaultDatabase   = "casbin"
	defaultCollection = "casbin_rule"
)

var (
	// ErrEmptyConnectionString is returned by New before any network I/O
	// when no connection string is configured.
	ErrEmptyConnectionString = errors.New("connection string is required")

	// ErrNoOpenConnection is returned by Close when the adapter holds no
	// open client.
	ErrNoOpenConnection = errors.New("no open connection to close")
)

// Config carries the construction parameters for an Adapter. URI is
// required; everything else has a usable zero value.
type Config struct {
	// URI is the MongoDB connection string.
	URI string

	// Database and Collection name the storage target. They default to
	// "casbin" and "casbin_rule".
	Database   string
	Collection string

	// Filtered enables filtered loading: LoadFilteredPolicy applies its
	// store-native filter to the read instead of ignoring it.
	Filtered bool

	// DropOnSave makes SavePolicy drop and recreate the collection instead
	// of deleting its documents.
	DropOnSave bool

	// ClientOptions are passed through to the driver unmodified. Timeouts,
	// pool sizes and the like belong here; the adapter adds none itself.
	ClientOptions *options.ClientOptions
}

// Adapter stores casbin rules in one MongoDB collection. The embedded
// client is safe for concurrent use, and the adapter adds no locking of
// its own; each operation is a single round trip to the store.
type Adapter struct {
	client *mongo.Client
	rules  ruleCollection

	filtered   bool
	dropOnSave bool
	isFiltered bool
}

// New connects to MongoDB and returns a ready adapter. The target
// collection and its indexes are created if missing; an index-creation
// failure is logged but does not fail construction (use CreateIndexes to
// re-run it with hard errors).
func New(cfg Config) (*Adapter, error) {
	return NewWithContext(context.Background(), cfg)
}

// NewWithContext is New with a caller-supplied context for the setup round
// trips.
func NewWithContext(ctx context.Context, cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, ErrEmptyConnectionString
	}
	if cfg.Database == "" {
		cfg.Database = defaultDatabase
	}
	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}

	opts := cfg.ClientOptions
	if opts == nil {
		opts = options.Client()
	}
	opts.ApplyURI(cfg.URI)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	db := client.Database(cfg.Database)
	if err := ensureCollection(ctx, db, cfg.Collection); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ensure collection %q: %w", cfg.Collection, err)
	}

	a := &Adapter{
		client:     client,
		rules:      mongoRules{coll: db.Collection(cfg.Collection)},
		filtered:   cfg.Filtered,
		dropOnSave: cfg.DropOnSave,
	}
	if err := a.ensureIndexes(ctx); err != nil {
		log.Printf("adapter: index creation failed, continuing without: %v", err)
	}
	return a, nil
}

func ensureCollection(ctx context.Context, db *mongo.Database, name string) error {
	names, err := db.ListCollectionNames(ctx, bson.M{"name": name})
	if err != nil {
		return err
	}
	if len(names) > 0 {
		return nil
	}
	return db.CreateCollection(ctx, name)
}

// Close releases the store connection.
func (a *Adapter) Close() error {
	if a.client == nil {
		return ErrNoOpenConnection
	}
	if err := a.client.Disconnect(context.Background()); err != nil {
		return fmt.Errorf("close adapter: %w", err)
	}
	a.client = nil
	return nil
}

// LoadPolicy reads every stored rule into the model.
func (a *Adapter) LoadPolicy(m model.Model) error {
	return a.LoadPolicyCtx(context.Background(), m)
}

// LoadPolicyCtx is LoadPolicy with a caller-supplied context.
func (a *Adapter) LoadPolicyCtx(ctx context.Context, m model.Model) error {
	if err := a.loadPolicy(ctx, m, bson.D{}); err != nil {
		return err
	}
	a.isFiltered = false
	return nil
}

// LoadFilteredPolicy reads the rules matching a store-native filter (any
// value the driver accepts as a query document) into the model. When the
// adapter was not constructed in filtered mode, or the filter is nil, the
// whole collection is read and the load does not count as filtered.
func (a *Adapter) LoadFilteredPolicy(m model.Model, filter interface{}) error {
	if filter == nil || !a.filtered {
		return a.LoadPolicy(m)
	}
	if err := a.loadPolicy(context.Background(), m, filter); err != nil {
		return err
	}
	a.isFiltered = true
	return nil
}

// IsFiltered reports whether the last load applied a filter.
func (a *Adapter) IsFiltered() bool {
	return a.isFiltered
}

func (a *Adapter) loadPolicy(ctx context.Context, m model.Model, filter any) error {
	cur, err := a.rules.Find(ctx, filter)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var r casbinRule
		if err := cur.Decode(&r); err != nil {
			return fmt.Errorf("load policy: decode rule: %w", err)
		}
		if err := persist.LoadPolicyLine(r.policyLine(), m); err != nil {
			return fmt.Errorf("load policy: %w", err)
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	return nil
}

// SavePolicy replaces the stored rule set with the model's current one.
// Clearing and re-inserting are two round trips; a crash in between leaves
// the collection empty, so callers needing atomicity must coordinate
// externally.
func (a *Adapter) SavePolicy(m model.Model) error {
	return a.SavePolicyCtx(context.Background(), m)
}

// SavePolicyCtx is SavePolicy with a caller-supplied context.
func (a *Adapter) SavePolicyCtx(ctx context.Context, m model.Model) error {
	if a.dropOnSave {
		if err := a.rules.Drop(ctx); err != nil {
			return fmt.Errorf("save policy: drop collection: %w", err)
		}
		// The first insert below recreates the collection; indexes have to
		// be put back explicitly.
		if err := a.ensureIndexes(ctx); err != nil {
			log.Printf("adapter: index creation after drop failed, continuing without: %v", err)
		}
	} else {
		if _, err := a.rules.DeleteMany(ctx, bson.D{}); err != nil {
			return fmt.Errorf("save policy: clear collection: %w", err)
		}
	}

	docs := collectRules(m, time.Now().UTC())
	if len(docs) == 0 {
		return nil
	}
	if err := a.rules.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("save policy: insert rules: %w", err)
	}
	return nil
}

// AddPolicy inserts one rule, stamped with the insertion time.
func (a *Adapter) AddPolicy(sec string, ptype string, rule []string) error {
	return a.AddPolicyCtx(context.Background(), sec, ptype, rule)
}

// AddPolicyCtx is AddPolicy with a caller-supplied context.
func (a *Adapter) AddPolicyCtx(ctx context.Context, sec string, ptype string, rule []string) error {
	r := newRule(ptype, rule)
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := a.rules.InsertOne(ctx, r); err != nil {
		return fmt.Errorf("add policy: %w", err)
	}
	return nil
}

// AddPolicies inserts one document per rule, each stamped independently.
// The batch is not atomic: a failure partway leaves earlier inserts
// committed.
func (a *Adapter) AddPolicies(sec string, ptype string, rules [][]string) error {
	if len(rules) == 0 {
		return nil
	}
	docs := make([]any, 0, len(rules))
	for _, rule := range rules {
		r := newRule(ptype, rule)
		now := time.Now().UTC()
		r.CreatedAt = now
		r.UpdatedAt = now
		docs = append(docs, r)
	}
	if err := a.rules.InsertMany(context.Background(), docs); err != nil {
		return fmt.Errorf("add policies: %w", err)
	}
	return nil
}

// RemovePolicy deletes the rule whose present fields match exactly. A
// missing rule is not an error.
func (a *Adapter) RemovePolicy(sec string, ptype string, rule []string) error {
	return a.RemovePolicyCtx(context.Background(), sec, ptype, rule)
}

// RemovePolicyCtx is RemovePolicy with a caller-supplied context.
func (a *Adapter) RemovePolicyCtx(ctx context.Context, sec string, ptype string, rule []string) error {
	if _, err := a.rules.DeleteOne(ctx, newRule(ptype, rule)); err != nil {
		return fmt.Errorf("remove policy: %w", err)
	}
	return nil
}

// RemovePolicies deletes one rule per entry. The deletes run concurrently
// with no ordering between them; the call returns once all have settled
// and fails if any one of them failed.
func (a *Adapter) RemovePolicies(sec string, ptype string, rules [][]string) error {
	g, ctx := errgroup.WithContext(context.Background())
	for _, rule := range rules {
		key := newRule(ptype, rule)
		g.Go(func() error {
			_, err := a.rules.DeleteOne(ctx, key)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("remove policies: %w", err)
	}
	return nil
}

// RemoveFilteredPolicy deletes every rule of the given ptype whose
// positional fields v[fieldIndex]..v[fieldIndex+len-1] equal the given
// values. Fields outside that window are unconstrained, and empty values
// inside it match anything.
func (a *Adapter) RemoveFilteredPolicy(sec string, ptype string, fieldIndex int, fieldValues ...string) error {
	return a.RemoveFilteredPolicyCtx(context.Background(), sec, ptype, fieldIndex, fieldValues...)
}

// RemoveFilteredPolicyCtx is RemoveFilteredPolicy with a caller-supplied
// context.
func (a *Adapter) RemoveFilteredPolicyCtx(ctx context.Context, sec string, ptype string, fieldIndex int, fieldValues ...string) error {
	if _, err := a.rules.DeleteMany(ctx, partialKey(ptype, fieldIndex, fieldValues)); err != nil {
		return fmt.Errorf("remove filtered policy: %w", err)
	}
	return nil
}

// partialKey builds the range-match selector for filtered removes.
func partialKey(ptype string, fieldIndex int, fieldValues []string) bson.M {
	sel := bson.M{"ptype": ptype}
	for i, v := range fieldValues {
		if v == "" || fieldIndex+i >= maxFields {
			continue
		}
		sel[fieldName(fieldIndex+i)] = v
	}
	return sel
}

// UpdatePolicy rewrites the rule matching oldRule's exact key to carry
// newRule's fields. Positional fields the old rule had beyond the new
// rule's length are unset so no stale values survive a field-count change;
// createdAt is left untouched and updatedAt is refreshed.
func (a *Adapter) UpdatePolicy(sec string, ptype string, oldRule, newRule []string) error {
	return a.updatePolicy(context.Background(), ptype, oldRule, newRule)
}

func (a *Adapter) updatePolicy(ctx context.Context, ptype string, oldRule, newPolicy []string) error {
	set := bson.M{"updatedAt": time.Now().UTC()}
	for i, v := range newPolicy {
		if i >= maxFields {
			break
		}
		set[fieldName(i)] = v
	}
	update := bson.M{"$set": set}

	unset := bson.M{}
	for i := len(newPolicy); i < len(oldRule) && i < maxFields; i++ {
		unset[fieldName(i)] = ""
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	if err := a.rules.UpdateOne(ctx, newRule(ptype, oldRule), update); err != nil {
		return fmt.Errorf("update policy: %w", err)
	}
	return nil
}

// UpdatePolicies applies UpdatePolicy pairwise. Pairs are updated one at a
// time; a failure leaves earlier updates committed.
func (a *Adapter) UpdatePolicies(sec string, ptype string, oldRules, newRules [][]string) error {
	if len(oldRules) != len(newRules) {
		return fmt.Errorf("update policies: got %d old rules and %d new rules", len(oldRules), len(newRules))
	}
	for i := range oldRules {
		if err := a.updatePolicy(context.Background(), ptype, oldRules[i], newRules[i]); err != nil {
			return err
		}
	}
	return nil
}

// UpdateFilteredPolicies deletes the rules matching the partial key and
// inserts newRules in their place, returning the rules that were removed.
func (a *Adapter) UpdateFilteredPolicies(sec string, ptype string, newRules [][]string, fieldIndex int, fieldValues ...string) ([][]string, error) {
	ctx := context.Background()
	sel := partialKey(ptype, fieldIndex, fieldValues)

	cur, err := a.rules.Find(ctx, sel)
	if err != nil {
		return nil, fmt.Errorf("update filtered policies: %w", err)
	}
	var old [][]string
	for cur.Next(ctx) {
		var r casbinRule
		if err := cur.Decode(&r); err != nil {
			cur.Close(ctx)
			return nil, fmt.Errorf("update filtered policies: decode rule: %w", err)
		}
		old = append(old, r.values())
	}
	if err := cur.Err(); err != nil {
		cur.Close(ctx)
		return nil, fmt.Errorf("update filtered policies: %w", err)
	}
	cur.Close(ctx)

	if _, err := a.rules.DeleteMany(ctx, sel); err != nil {
		return nil, fmt.Errorf("update filtered policies: %w", err)
	}
	if err := a.AddPolicies(sec, ptype, newRules); err != nil {
		return nil, fmt.Errorf("update filtered policies: %w", err)
	}
	return old, nil
}

var (
	_ persist.Adapter          = (*Adapter)(nil)
	_ persist.BatchAdapter     = (*Adapter)(nil)
	_ persist.FilteredAdapter  = (*Adapter)(nil)
	_ persist.UpdatableAdapter = (*Adapter)(nil)
	_ persist.ContextAdapter   = (*Adapter)(nil)
)
