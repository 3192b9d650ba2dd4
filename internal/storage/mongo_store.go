package storage

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ---------- FILE META STORE (encrypted file index) ----------

type MongoFileMetaStore struct {
	coll *mongo.Collection
}

func NewMongoFileMetaStore(ctx context.Context, uri, dbName, collName string) (*MongoFileMetaStore, error) {
	cli, err := dialMongo(ctx, uri)
	if err != nil {
		return nil, err
	}
	return NewMongoFileMetaStoreWithClient(cli, dbName, collName)
}

func NewMongoFileMetaStoreWithClient(cli *mongo.Client, dbName, collName string) (*MongoFileMetaStore, error) {
	coll := cli.Database(dbName).Collection(collName)

	ctx := context.Background()
	_, _ = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	_, _ = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "owner", Value: 1}},
	})

	return &MongoFileMetaStore{coll: coll}, nil
}

func (m *MongoFileMetaStore) PutFile(ctx context.Context, fr FileRecord) error {
	if fr.ID == "" {
		return errors.New("empty file id")
	}
	// Upsert by logical id so re-uploads update the index row
	_, err := m.coll.UpdateOne(
		ctx,
		bson.M{"id": fr.ID},
		bson.M{
			"$set": bson.M{
				"owner":    fr.Owner,
				"meta":     fr.Meta,
				"checksum": fr.Checksum,
				"size":     fr.Size,
				"created":  fr.Created,
			},
			"$setOnInsert": bson.M{
				"createdAt": time.Now(),
			},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (m *MongoFileMetaStore) GetFile(ctx context.Context, id string) (FileRecord, error) {
	var fr FileRecord
	err := m.coll.FindOne(ctx, bson.M{"id": id}).Decode(&fr)
	if err == mongo.ErrNoDocuments {
		return FileRecord{}, ErrNotFound
	}
	return fr, err
}

func (m *MongoFileMetaStore) ListFilesByOwner(ctx context.Context, owner string) ([]FileRecord, error) {
	cur, err := m.coll.Find(ctx, bson.M{"owner": owner},
		options.Find().SetSort(bson.D{{Key: "created", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var results []FileRecord
	for cur.Next(ctx) {
		var fr FileRecord
		if err := cur.Decode(&fr); err == nil {
			results = append(results, fr)
		}
	}
	return results, cur.Err()
}

func (m *MongoFileMetaStore) DeleteFile(ctx context.Context, id string) error {
	res, err := m.coll.DeleteOne(ctx, bson.M{"id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------- RECORD STORE (property records) ----------

type MongoRecordStore struct {
	coll *mongo.Collection
}

func NewMongoRecordStore(ctx context.Context, uri, dbName, collName string) (*MongoRecordStore, error) {
	cli, err := dialMongo(ctx, uri)
	if err != nil {
		return nil, err
	}
	return NewMongoRecordStoreWithClient(cli, dbName, collName)
}

func NewMongoRecordStoreWithClient(cli *mongo.Client, dbName, collName string) (*MongoRecordStore, error) {
	coll := cli.Database(dbName).Collection(collName)

	_, _ = coll.Indexes().CreateOne(context.Background(), mongo.IndexModel{
		Keys:    bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})

	return &MongoRecordStore{coll: coll}, nil
}

func (m *MongoRecordStore) PutRecord(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return errors.New("empty record id")
	}
	_, err := m.coll.UpdateOne(
		ctx,
		bson.M{"id": rec.ID},
		bson.M{
			"$set": bson.M{
				"fields":  rec.Fields,
				"updated": rec.Updated,
				"version": rec.Version,
			},
			"$setOnInsert": bson.M{
				"created": rec.Created,
			},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (m *MongoRecordStore) GetRecord(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := m.coll.FindOne(ctx, bson.M{"id": id}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (m *MongoRecordStore) ListRecords(ctx context.Context) ([]Record, error) {
	cur, err := m.coll.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var results []Record
	for cur.Next(ctx) {
		var rec Record
		if err := cur.Decode(&rec); err == nil {
			results = append(results, rec)
		}
	}
	return results, cur.Err()
}

func (m *MongoRecordStore) DeleteRecord(ctx context.Context, id string) error {
	res, err := m.coll.DeleteOne(ctx, bson.M{"id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------- MONGO BLOB STORE (ciphertext blobs) ----------

type mongoBlobStore struct {
	coll *mongo.Collection
}

func NewMongoBlobStore(ctx context.Context, uri, dbName, collName string) (BlobStore, error) {
	cli, err := dialMongo(ctx, uri)
	if err != nil {
		return nil, err
	}
	return NewMongoBlobStoreWithClient(cli, dbName, collName)
}

func NewMongoBlobStoreWithClient(cli *mongo.Client, dbName, collName string) (BlobStore, error) {
	coll := cli.Database(dbName).Collection(collName)
	return &mongoBlobStore{coll: coll}, nil
}

func (m *mongoBlobStore) Put(ctx context.Context, id string, data []byte) error {
	if id == "" {
		return errors.New("empty id")
	}
	_, err := m.coll.UpdateByID(
		ctx,
		id,
		bson.M{
			"$set": bson.M{
				"data":      data,
				"updatedAt": time.Now(),
			},
			"$setOnInsert": bson.M{
				"createdAt": time.Now(),
			},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (m *mongoBlobStore) Get(ctx context.Context, id string) ([]byte, error) {
	if id == "" {
		return nil, errors.New("empty id")
	}
	var doc struct {
		Data []byte `bson:"data"`
	}
	err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	return doc.Data, err
}

func (m *mongoBlobStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("empty id")
	}
	_, err := m.coll.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func dialMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is empty")
	}
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	// Verify connection quickly
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, err
	}
	return cli, nil
}
