package auth

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoAdminStore struct {
	coll *mongo.Collection
}

func NewMongoAdminStore(ctx context.Context, uri, db, coll string) (*MongoAdminStore, error) {
	opts := options.Client().ApplyURI(uri)
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	cli, err := mongo.Connect(dialCtx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(dialCtx, nil); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, err
	}
	return NewMongoAdminStoreWithClient(cli, db, coll)
}

func NewMongoAdminStoreWithClient(cli *mongo.Client, db, coll string) (*MongoAdminStore, error) {
	c := cli.Database(db).Collection(coll)

	// Ensure unique indexes on username and email
	ctx := context.Background()
	_, _ = c.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	_, _ = c.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})

	return &MongoAdminStore{coll: c}, nil
}

type adminDoc struct {
	ID          string   `bson:"id"`
	Username    string   `bson:"username"`
	Email       string   `bson:"email"`
	PassHash    string   `bson:"pass_hash"`
	Roles       []Role   `bson:"roles"`
	TOTPSecret  string   `bson:"totp_secret"`
	TOTPEnabled bool     `bson:"totp_enabled"`
	BackupCodes []string `bson:"backup_codes"`
}

// Add inserts a new admin. Returns ErrAdminExists if username or email is taken.
func (s *MongoAdminStore) Add(a *Admin) error {
	email := strings.ToLower(strings.TrimSpace(a.Email))
	doc := adminDoc{
		ID:          a.ID,
		Username:    a.Username,
		Email:       email,
		PassHash:    a.PassHash,
		Roles:       a.Roles,
		TOTPSecret:  strings.TrimSpace(a.TOTPSecret),
		TOTPEnabled: a.TOTPEnabled,
		BackupCodes: a.BackupCodes,
	}
	_, err := s.coll.InsertOne(context.Background(), doc)
	if wex, ok := err.(mongo.WriteException); ok {
		for _, we := range wex.WriteErrors {
			if we.Code == 11000 { // duplicate key
				return ErrAdminExists
			}
		}
	}
	return err
}

func (s *MongoAdminStore) FindByUsername(username string) (*Admin, error) {
	return s.findOne(bson.M{"username": username})
}

func (s *MongoAdminStore) FindByEmail(email string) (*Admin, error) {
	return s.findOne(bson.M{"email": strings.ToLower(strings.TrimSpace(email))})
}

func (s *MongoAdminStore) findOne(filter interface{}) (*Admin, error) {
	var doc adminDoc
	err := s.coll.FindOne(context.Background(), filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrAdminNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Admin{
		ID:          doc.ID,
		Username:    doc.Username,
		Email:       doc.Email,
		PassHash:    doc.PassHash,
		Roles:       doc.Roles,
		TOTPSecret:  doc.TOTPSecret,
		TOTPEnabled: doc.TOTPEnabled,
		BackupCodes: doc.BackupCodes,
	}, nil
}

// UpdatePassword replaces the stored password hash for an admin.
func (s *MongoAdminStore) UpdatePassword(username, newHash string) error {
	return s.setFields(username, bson.M{"pass_hash": newHash})
}

// SaveTOTP stores the envelope-encrypted authenticator secret and the
// enabled flag. An empty secret with enabled=false clears enrollment.
func (s *MongoAdminStore) SaveTOTP(username, secret string, enabled bool) error {
	return s.setFields(username, bson.M{
		"totp_secret":  strings.TrimSpace(secret),
		"totp_enabled": enabled,
	})
}

// SaveBackupCodes replaces the stored recovery code hashes wholesale.
func (s *MongoAdminStore) SaveBackupCodes(username string, hashes []string) error {
	if hashes == nil {
		hashes = []string{}
	}
	return s.setFields(username, bson.M{"backup_codes": hashes})
}

func (s *MongoAdminStore) setFields(username string, set bson.M) error {
	res, err := s.coll.UpdateOne(
		context.Background(),
		bson.M{"username": username},
		bson.M{"$set": set},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrAdminNotFound
	}
	return nil
}
