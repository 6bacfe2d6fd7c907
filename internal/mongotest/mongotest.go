// Package mongotest locates the live MongoDB target for integration tests.
package mongotest

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const database = "casbin_test"

// Target returns the connection string, database and a collection name
// unique to this test run. The test is skipped when MONGODB_URI is unset;
// the collection is dropped on cleanup.
func Target(t *testing.T) (uri, db, coll string) {
	t.Helper()

	uri = os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set; skipping live MongoDB test")
	}

	db = database
	coll = "rules_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	t.Cleanup(func() {
		client, err := mongo.Connect(options.Client().ApplyURI(uri))
		if err != nil {
			t.Logf("cleanup connect: %v", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Database(db).Collection(coll).Drop(ctx); err != nil {
			t.Logf("cleanup drop %s: %v", coll, err)
		}
		_ = client.Disconnect(ctx)
	})
	return uri, db, coll
}
