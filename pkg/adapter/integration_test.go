package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/casbin/casbin/v2"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/NathanBhanji/mongodb-casbin-adapter/internal/mongotest"
)

func newLiveAdapter(t *testing.T, cfg Config) (*Adapter, string, string, string) {
	t.Helper()
	uri, db, coll := mongotest.Target(t)
	cfg.URI = uri
	cfg.Database = db
	cfg.Collection = coll
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	t.Cleanup(func() {
		if err := a.Close(); err != nil {
			t.Logf("close: %v", err)
		}
	})
	return a, uri, db, coll
}

func rawCollection(t *testing.T, uri, db, coll string) *mongo.Collection {
	t.Helper()
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	return client.Database(db).Collection(coll)
}

func TestIntegrationRoundTrip(t *testing.T) {
	a, _, _, _ := newLiveAdapter(t, Config{})
	e, err := casbin.NewEnforcer("testdata/rbac_model.conf", a)
	if err != nil {
		t.Fatalf("err=%v", err)
	}

	if _, err := e.AddPolicy("alice", "data1", "read"); err != nil {
		t.Fatalf("err=%v", err)
	}
	allowed, err := e.Enforce("alice", "data1", "read")
	if err != nil || !allowed {
		t.Fatalf("allowed=%v err=%v", allowed, err)
	}

	// A fresh enforcer over the same collection sees the persisted rule.
	e2, err := casbin.NewEnforcer("testdata/rbac_model.conf", a)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	allowed, err = e2.Enforce("alice", "data1", "read")
	if err != nil || !allowed {
		t.Fatalf("allowed=%v err=%v", allowed, err)
	}

	if _, err := e.RemovePolicy("alice", "data1", "read"); err != nil {
		t.Fatalf("err=%v", err)
	}
	allowed, err = e.Enforce("alice", "data1", "read")
	if err != nil || allowed {
		t.Fatalf("allowed=%v err=%v", allowed, err)
	}
}

func TestIntegrationUpdateShrinksFieldCount(t *testing.T) {
	a, uri, db, coll := newLiveAdapter(t, Config{})

	e5, err := casbin.NewEnforcer("testdata/rbac5_model.conf", a)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	old := []string{"alice", "data1", "read", "confidential", "admin"}
	if _, err := e5.AddPolicy("alice", "data1", "read", "confidential", "admin"); err != nil {
		t.Fatalf("err=%v", err)
	}

	raw := rawCollection(t, uri, db, coll)
	ctx := context.Background()
	var before bson.M
	if err := raw.FindOne(ctx, bson.M{"ptype": "p", "v0": "alice"}).Decode(&before); err != nil {
		t.Fatalf("err=%v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if err := a.UpdatePolicy("p", "p", old, []string{"alice", "data1", "read"}); err != nil {
		t.Fatalf("err=%v", err)
	}

	var after bson.M
	if err := raw.FindOne(ctx, bson.M{"ptype": "p", "v0": "alice"}).Decode(&after); err != nil {
		t.Fatalf("err=%v", err)
	}
	for _, k := range []string{"v3", "v4"} {
		if _, ok := after[k]; ok {
			t.Fatalf("stale field %s survived the update: %v", k, after)
		}
	}
	if before["createdAt"] != after["createdAt"] {
		t.Fatalf("createdAt changed: %v -> %v", before["createdAt"], after["createdAt"])
	}
	if before["updatedAt"] == after["updatedAt"] {
		t.Fatalf("updatedAt did not advance: %v", after["updatedAt"])
	}

	e3, err := casbin.NewEnforcer("testdata/rbac_model.conf", a)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	allowed, err := e3.Enforce("alice", "data1", "read")
	if err != nil || !allowed {
		t.Fatalf("allowed=%v err=%v", allowed, err)
	}
}

func TestIntegrationRemoveFilteredPolicy(t *testing.T) {
	a, _, _, _ := newLiveAdapter(t, Config{})
	e, err := casbin.NewEnforcer("testdata/rbac_model.conf", a)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	rules := [][]string{
		{"alice", "data1", "read"},
		{"bob", "data2", "read"},
		{"carol", "data2", "write"},
	}
	if _, err := e.AddPolicies(rules); err != nil {
		t.Fatalf("err=%v", err)
	}

	// Deletes every rule with v1 == data2 regardless of subject or action.
	if _, err := e.RemoveFilteredPolicy(1, "data2"); err != nil {
		t.Fatalf("err=%v", err)
	}

	e2, err := casbin.NewEnforcer("testdata/rbac_model.conf", a)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	got, err := e2.GetPolicy()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(got) != 1 || got[0][0] != "alice" {
		t.Fatalf("policies=%v", got)
	}
}

func TestIntegrationSaveAndBatchRemove(t *testing.T) {
	a, _, _, _ := newLiveAdapter(t, Config{})
	e, err := casbin.NewEnforcer("testdata/rbac_model.conf", a)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if _, err := e.AddPolicies([][]string{
		{"alice", "data1", "read"},
		{"bob", "data2", "write"},
	}); err != nil {
		t.Fatalf("err=%v", err)
	}
	if _, err := e.AddGroupingPolicy("alice", "admin"); err != nil {
		t.Fatalf("err=%v", err)
	}
	if err := e.SavePolicy(); err != nil {
		t.Fatalf("err=%v", err)
	}

	if _, err := e.RemovePolicies([][]string{
		{"alice", "data1", "read"},
		{"bob", "data2", "write"},
	}); err != nil {
		t.Fatalf("err=%v", err)
	}

	e2, err := casbin.NewEnforcer("testdata/rbac_model.conf", a)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	got, err := e2.GetPolicy()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(got) != 0 {
		t.Fatalf("policies=%v", got)
	}
	groups, err := e2.GetGroupingPolicy()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("groupings=%v", groups)
	}
}

func TestIntegrationFilteredLoad(t *testing.T) {
	a, _, _, _ := newLiveAdapter(t, Config{Filtered: true})
	e, err := casbin.NewEnforcer("testdata/rbac_model.conf", a)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if _, err := e.AddPolicies([][]string{
		{"alice", "data1", "read"},
		{"bob", "data2", "write"},
	}); err != nil {
		t.Fatalf("err=%v", err)
	}

	m := testModel(t)
	if err := a.LoadFilteredPolicy(m, bson.M{"v0": "alice"}); err != nil {
		t.Fatalf("err=%v", err)
	}
	if !a.IsFiltered() {
		t.Fatalf("expected filtered load")
	}
	got, err := m.GetPolicy("p", "p")
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(got) != 1 || got[0][0] != "alice" {
		t.Fatalf("policies=%v", got)
	}
}

func TestIntegrationIndexesIdempotent(t *testing.T) {
	_, uri, db, coll := newLiveAdapter(t, Config{})

	// Re-opening the same collection must neither duplicate nor fail.
	b, err := New(Config{URI: uri, Database: db, Collection: coll})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if err := b.CreateIndexes(context.Background()); err != nil {
		t.Fatalf("err=%v", err)
	}
	defer func() { _ = b.Close() }()

	raw := rawCollection(t, uri, db, coll)
	cur, err := raw.Indexes().List(context.Background())
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	defer cur.Close(context.Background())

	names := make(map[string]int)
	for cur.Next(context.Background()) {
		var spec struct {
			Name string `bson:"name"`
		}
		if err := cur.Decode(&spec); err != nil {
			t.Fatalf("err=%v", err)
		}
		names[spec.Name]++
	}
	if err := cur.Err(); err != nil {
		t.Fatalf("err=%v", err)
	}
	want := []string{"_id_", "ptype_1_v0_1_v1_1_v2_1_v3_1_v4_1_v5_1", "createdAt_1", "updatedAt_1"}
	if len(names) != len(want) {
		t.Fatalf("indexes=%v", names)
	}
	for _, n := range want {
		if names[n] != 1 {
			t.Fatalf("index %s count=%d", n, names[n])
		}
	}
}

func TestIntegrationDropOnSave(t *testing.T) {
	a, _, _, _ := newLiveAdapter(t, Config{DropOnSave: true})
	e, err := casbin.NewEnforcer("testdata/rbac_model.conf", a)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if _, err := e.AddPolicy("alice", "data1", "read"); err != nil {
		t.Fatalf("err=%v", err)
	}
	if err := e.SavePolicy(); err != nil {
		t.Fatalf("err=%v", err)
	}

	e2, err := casbin.NewEnforcer("testdata/rbac_model.conf", a)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	allowed, err := e2.Enforce("alice", "data1", "read")
	if err != nil || !allowed {
		t.Fatalf("allowed=%v err=%v", allowed, err)
	}
}
