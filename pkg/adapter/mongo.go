package adapter

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// ruleCollection is the narrow slice of the MongoDB collection surface the
// adapter actually uses. Keeping it an interface lets tests stub the driver
// without a live server.
type ruleCollection interface {
	Find(ctx context.Context, filter any) (*mongo.Cursor, error)
	InsertOne(ctx context.Context, document any) error
	InsertMany(ctx context.Context, documents []any) error
	DeleteOne(ctx context.Context, filter any) (int64, error)
	DeleteMany(ctx context.Context, filter any) (int64, error)
	UpdateOne(ctx context.Context, filter, update any) error
	Drop(ctx context.Context) error
	ListIndexNames(ctx context.Context) ([]string, error)
	CreateIndexes(ctx context.Context, models []mongo.IndexModel) error
}

// mongoRules adapts *mongo.Collection to ruleCollection.
type mongoRules struct {
	coll *mongo.Collection
}

func (c mongoRules) Find(ctx context.Context, filter any) (*mongo.Cursor, error) {
	return c.coll.Find(ctx, filter)
}

func (c mongoRules) InsertOne(ctx context.Context, document any) error {
	_, err := c.coll.InsertOne(ctx, document)
	return err
}

func (c mongoRules) InsertMany(ctx context.Context, documents []any) error {
	_, err := c.coll.InsertMany(ctx, documents)
	return err
}

func (c mongoRules) DeleteOne(ctx context.Context, filter any) (int64, error) {
	res, err := c.coll.DeleteOne(ctx, filter)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (c mongoRules) DeleteMany(ctx context.Context, filter any) (int64, error) {
	res, err := c.coll.DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (c mongoRules) UpdateOne(ctx context.Context, filter, update any) error {
	_, err := c.coll.UpdateOne(ctx, filter, update)
	return err
}

func (c mongoRules) Drop(ctx context.Context) error {
	return c.coll.Drop(ctx)
}

func (c mongoRules) ListIndexNames(ctx context.Context) ([]string, error) {
	cur, err := c.coll.Indexes().List(ctx)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var names []string
	for cur.Next(ctx) {
		var spec struct {
			Name string `bson:"name"`
		}
		if err := cur.Decode(&spec); err != nil {
			return nil, err
		}
		names = append(names, spec.Name)
	}
	return names, cur.Err()
}

func (c mongoRules) CreateIndexes(ctx context.Context, models []mongo.IndexModel) error {
	_, err := c.coll.Indexes().CreateMany(ctx, models)
	return err
}
