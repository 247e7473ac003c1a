package apps

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoManager stores apps in a MongoDB collection. Lookups go through the
// TTL cache in front of it, so per-call latency only matters on miss.
type MongoManager struct {
	client *mongo.Client
	apps   *mongo.Collection
}

// NewMongoManager connects and ensures the key index.
func NewMongoManager(ctx context.Context, uri, dbName string) (*MongoManager, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(100).
		SetSocketTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}

	coll := client.Database(dbName).Collection("applications")
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}

	return &MongoManager{client: client, apps: coll}, nil
}

func (m *MongoManager) findOne(ctx context.Context, filter bson.M) (*App, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var app App
	err := m.apps.FindOne(ctx, filter).Decode(&app)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	app.ApplyDefaults()
	return &app, nil
}

func (m *MongoManager) FindByID(ctx context.Context, id string) (*App, error) {
	return m.findOne(ctx, bson.M{"_id": id})
}

func (m *MongoManager) FindByKey(ctx context.Context, key string) (*App, error) {
	return m.findOne(ctx, bson.M{"key": key})
}

func (m *MongoManager) GetApps(ctx context.Context) ([]*App, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cursor, err := m.apps.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*App
	for cursor.Next(ctx) {
		var app App
		if err := cursor.Decode(&app); err != nil {
			return nil, err
		}
		app.ApplyDefaults()
		out = append(out, &app)
	}
	return out, cursor.Err()
}

func (m *MongoManager) CreateApp(ctx context.Context, app *App) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := m.apps.InsertOne(ctx, app)
	return err
}

func (m *MongoManager) UpdateApp(ctx context.Context, app *App) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := m.apps.ReplaceOne(ctx, bson.M{"_id": app.ID}, app,
		options.Replace().SetUpsert(true))
	return err
}

func (m *MongoManager) Disconnect(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
