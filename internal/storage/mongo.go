package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"patient_service/internal/models"

	"github.com/gofrs/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const patientsCollection = "patients"

type patientDocument struct {
	ID           string    `bson:"_id"`
	Name         string    `bson:"name"`
	Email        string    `bson:"email"`
	PasswordHash string    `bson:"password"`
	Role         string    `bson:"role"`
	Age          int       `bson:"age"`
	Ailment      string    `bson:"ailment"`
	RefreshToken *string   `bson:"refreshToken,omitempty"`
	CreatedAt    time.Time `bson:"createdAt"`
	UpdatedAt    time.Time `bson:"updatedAt"`
}

func toDocument(user models.User) patientDocument {
	return patientDocument{
		ID:           user.ID.String(),
		Name:         user.Name,
		Email:        user.Email,
		PasswordHash: user.PasswordHash,
		Role:         string(user.Role),
		Age:          user.Age,
		Ailment:      user.Ailment,
		RefreshToken: user.RefreshToken,
		CreatedAt:    user.CreatedAt,
		UpdatedAt:    user.UpdatedAt,
	}
}

func (d patientDocument) toModel() (models.User, error) {
	id, err := uuid.FromString(d.ID)
	if err != nil {
		return models.User{}, err
	}

	return models.User{
		ID:           id,
		Name:         d.Name,
		Email:        d.Email,
		PasswordHash: d.PasswordHash,
		Role:         models.Role(d.Role),
		Age:          d.Age,
		Ailment:      d.Ailment,
		RefreshToken: d.RefreshToken,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}, nil
}

type MongoStorage struct {
	client  *mongo.Client
	coll    *mongo.Collection
	timeout time.Duration
	now     func() time.Time
}

func NewMongoStorage(ctx context.Context, uri, dbName string, timeout time.Duration) (*MongoStorage, error) {
	const op = "storage.NewMongoStorage"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	m := &MongoStorage{
		client:  client,
		coll:    client.Database(dbName).Collection(patientsCollection),
		timeout: timeout,
		now:     time.Now,
	}

	if err := m.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := m.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return m, nil
}

func (m *MongoStorage) ensureIndexes(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()

	_, err := m.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("email_unique"),
		},
		{
			Keys:    bson.D{{Key: "refreshToken", Value: 1}},
			Options: options.Index().SetSparse(true).SetName("refresh_token"),
		},
	})

	return err
}

func (m *MongoStorage) CreateUser(ctx context.Context, user models.User) error {
	const op = "storage.mongo.CreateUser"

	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()

	if _, err := m.coll.InsertOne(ctx, toDocument(user)); err != nil {
		return fmt.Errorf("%s: %w", op, mapMongoError(err))
	}

	return nil
}

func (m *MongoStorage) GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error) {
	const op = "storage.mongo.GetUserByID"

	user, err := m.findOne(ctx, bson.D{{Key: "_id", Value: userID.String()}})
	if err != nil {
		return user, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (m *MongoStorage) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	const op = "storage.mongo.GetUserByEmail"

	user, err := m.findOne(ctx, bson.D{{Key: "email", Value: email}})
	if err != nil {
		return user, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (m *MongoStorage) ListUsers(ctx context.Context) ([]models.User, error) {
	const op = "storage.mongo.ListUsers"

	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()

	cur, err := m.coll.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var docs []patientDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	users := make([]models.User, 0, len(docs))
	for _, d := range docs {
		user, err := d.toModel()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		users = append(users, user)
	}

	return users, nil
}

func (m *MongoStorage) UpdateUser(ctx context.Context, userID uuid.UUID, upd models.PatientUpdate) (models.User, error) {
	const op = "storage.mongo.UpdateUser"

	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()

	set := bson.D{{Key: "updatedAt", Value: m.now().UTC()}}
	if upd.Name != nil {
		set = append(set, bson.E{Key: "name", Value: *upd.Name})
	}
	if upd.Email != nil {
		set = append(set, bson.E{Key: "email", Value: *upd.Email})
	}
	if upd.Role != nil {
		set = append(set, bson.E{Key: "role", Value: string(*upd.Role)})
	}
	if upd.Age != nil {
		set = append(set, bson.E{Key: "age", Value: *upd.Age})
	}
	if upd.Ailment != nil {
		set = append(set, bson.E{Key: "ailment", Value: *upd.Ailment})
	}

	var doc patientDocument
	err := m.coll.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: userID.String()}},
		bson.D{{Key: "$set", Value: set}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, mapMongoError(err))
	}

	user, err := doc.toModel()
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (m *MongoStorage) DeleteUser(ctx context.Context, userID uuid.UUID) error {
	const op = "storage.mongo.DeleteUser"

	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()

	res, err := m.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: userID.String()}})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	return nil
}

func (m *MongoStorage) SetRefreshToken(ctx context.Context, userID uuid.UUID, token string) error {
	const op = "storage.mongo.SetRefreshToken"

	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()

	res, err := m.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: userID.String()}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "refreshToken", Value: token},
			{Key: "updatedAt", Value: m.now().UTC()},
		}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	return nil
}

func (m *MongoStorage) ClearRefreshToken(ctx context.Context, token string) (bool, error) {
	const op = "storage.mongo.ClearRefreshToken"

	if token == "" {
		return false, nil
	}

	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()

	res, err := m.coll.UpdateOne(ctx,
		bson.D{{Key: "refreshToken", Value: token}},
		bson.D{
			{Key: "$unset", Value: bson.D{{Key: "refreshToken", Value: ""}}},
			{Key: "$set", Value: bson.D{{Key: "updatedAt", Value: m.now().UTC()}}},
		},
	)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return res.ModifiedCount > 0, nil
}

func (m *MongoStorage) Ping(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()

	return m.client.Ping(ctx, readpref.Primary())
}

func (m *MongoStorage) Close() {
	_ = m.client.Disconnect(context.Background())
}

func (m *MongoStorage) findOne(ctx context.Context, filter bson.D) (models.User, error) {
	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()

	var doc patientDocument
	if err := m.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		return models.User{}, mapMongoError(err)
	}

	return doc.toModel()
}

func mapMongoError(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return ErrEmailExists
	}
	return err
}
