package records

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	mongoDefaultDatabase   = "relaycrm"
	mongoCollectionName    = "contacts"
	mongoOperationTimeout  = 10 * time.Second
	mongoUpsertConflictTry = 2
)

type mongoContact struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	StorageID   string             `bson:"storageId"`
	ExternalID  string             `bson:"id"`
	CustomerID  string             `bson:"customerId"`
	Name        string             `bson:"name"`
	Fields      bson.M             `bson:"fields"`
	CreatedTime *time.Time         `bson:"createdTime,omitempty"`
	UpdatedTime *time.Time         `bson:"updatedTime,omitempty"`
	URI         *string            `bson:"uri,omitempty"`
	Revision    int64              `bson:"__v"`
	CreatedAt   time.Time          `bson:"createdAt"`
	UpdatedAt   time.Time          `bson:"updatedAt"`
}

func (d mongoContact) record() ContactRecord {
	fields, _ := normalizeBSON(d.Fields).(map[string]any)
	if fields == nil {
		fields = map[string]any{}
	}
	return ContactRecord{
		StorageID:   d.StorageID,
		ExternalID:  d.ExternalID,
		CustomerID:  d.CustomerID,
		DisplayName: d.Name,
		Fields:      fields,
		CreatedTime: copyTime(d.CreatedTime),
		UpdatedTime: copyTime(d.UpdatedTime),
		URI:         copyString(d.URI),
		Revision:    d.Revision,
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
}

// MongoStore keeps records in a MongoDB collection with a unique
// (customerId, id) index.
type MongoStore struct {
	dsn          string
	database     string
	searchFields []string
	now          func() time.Time

	initOnce   sync.Once
	initErr    error
	client     *mongo.Client
	collection *mongo.Collection
}

func NewMongoStore(dsn string, opts StoreOptions) (*MongoStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	database := strings.Trim(parsed.Path, "/")
	if database == "" {
		database = mongoDefaultDatabase
	}
	return &MongoStore{
		dsn:          dsn,
		database:     database,
		searchFields: normalizeSearchFields(opts.SearchFields),
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *MongoStore) Backend() string {
	return "mongodb"
}

func (s *MongoStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), mongoOperationTimeout)
		defer cancel()
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(s.dsn))
		if err != nil {
			s.initErr = err
			return
		}
		collection := client.Database(s.database).Collection(mongoCollectionName)
		_, err = collection.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "customerId", Value: 1}, {Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("customer_external_id"),
		})
		if err != nil {
			_ = client.Disconnect(context.Background())
			s.initErr = fmt.Errorf("prepare mongodb indexes: %w", err)
			return
		}
		s.client = client
		s.collection = collection
	})
	return s.initErr
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), mongoOperationTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func keyFilter(key NaturalKey) bson.M {
	return bson.M{"customerId": key.CustomerID, "id": key.ExternalID}
}

func (s *MongoStore) FindOne(ctx context.Context, key NaturalKey) (ContactRecord, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return ContactRecord{}, err
	}
	if err := s.ensureReady(); err != nil {
		return ContactRecord{}, err
	}
	var doc mongoContact
	err := s.collection.FindOne(ctx, keyFilter(key)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ContactRecord{}, ErrNotFound
	}
	if err != nil {
		return ContactRecord{}, err
	}
	return doc.record(), nil
}

func (s *MongoStore) Upsert(ctx context.Context, key NaturalKey, patch RecordPatch, opts UpsertOptions) (ContactRecord, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return ContactRecord{}, err
	}
	if err := s.ensureReady(); err != nil {
		return ContactRecord{}, err
	}
	update := mongoUpdate(patch, opts, s.now())
	findOpts := options.FindOneAndUpdate().SetUpsert(!opts.MustExist).SetReturnDocument(options.After)

	var lastErr error
	for attempt := 0; attempt < mongoUpsertConflictTry; attempt++ {
		var doc mongoContact
		err := s.collection.FindOneAndUpdate(ctx, keyFilter(key), update, findOpts).Decode(&doc)
		if err == nil {
			return doc.record(), nil
		}
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ContactRecord{}, ErrNotFound
		}
		// Two concurrent upserts of a new key race on the unique index;
		// the loser retries as an update.
		if !mongo.IsDuplicateKeyError(err) {
			return ContactRecord{}, err
		}
		lastErr = err
	}
	return ContactRecord{}, lastErr
}

func mongoUpdate(patch RecordPatch, opts UpsertOptions, now time.Time) bson.M {
	set := bson.M{"updatedAt": now}
	unset := bson.M{}
	onInsert := bson.M{"storageId": uuid.NewString(), "createdAt": now}

	if opts.Replace {
		name := ""
		if patch.DisplayName != nil {
			name = *patch.DisplayName
		}
		set["name"] = name
		set["fields"] = bson.M(CloneFields(patch.Fields))
		setOrUnset(set, unset, "createdTime", copyTime(patch.CreatedTime))
		setOrUnset(set, unset, "updatedTime", copyTime(patch.UpdatedTime))
		setOrUnset(set, unset, "uri", copyString(patch.URI))
	} else {
		if patch.DisplayName != nil {
			set["name"] = *patch.DisplayName
		} else {
			onInsert["name"] = ""
		}
		if len(patch.Fields) == 0 {
			onInsert["fields"] = bson.M{}
		}
		for path, value := range patch.Fields {
			set["fields."+path] = cloneValue(value)
		}
		if patch.CreatedTime != nil {
			set["createdTime"] = *patch.CreatedTime
		}
		if patch.UpdatedTime != nil {
			set["updatedTime"] = *patch.UpdatedTime
		}
		if patch.URI != nil {
			set["uri"] = *patch.URI
		}
	}

	update := bson.M{
		"$set":         set,
		"$setOnInsert": onInsert,
		"$inc":         bson.M{"__v": int64(1)},
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return update
}

func setOrUnset[T any](set, unset bson.M, name string, v *T) {
	if v == nil {
		unset[name] = ""
		return
	}
	set[name] = *v
}

func (s *MongoStore) DeleteOne(ctx context.Context, key NaturalKey) (ContactRecord, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return ContactRecord{}, err
	}
	if err := s.ensureReady(); err != nil {
		return ContactRecord{}, err
	}
	var doc mongoContact
	err := s.collection.FindOneAndDelete(ctx, keyFilter(key)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ContactRecord{}, ErrNotFound
	}
	if err != nil {
		return ContactRecord{}, err
	}
	return doc.record(), nil
}

// mongoListFilter matches search fields on their string form so numbers and
// booleans are found the same way the memory and SQL backends find them.
func mongoListFilter(q ListQuery, searchFields []string) bson.M {
	filter := bson.M{"customerId": q.CustomerID}
	if q.Filter == "" {
		return filter
	}
	quoted := regexp.QuoteMeta(q.Filter)
	pattern := primitive.Regex{Pattern: quoted, Options: "i"}
	or := bson.A{bson.M{"id": pattern}, bson.M{"name": pattern}}
	for _, field := range searchFields {
		or = append(or, bson.M{"$expr": bson.M{"$regexMatch": bson.M{
			"input": bson.M{"$convert": bson.M{
				"input":   "$fields." + field,
				"to":      "string",
				"onError": "",
				"onNull":  "",
			}},
			"regex":   quoted,
			"options": "i",
		}}})
	}
	filter["$or"] = or
	return filter
}

func (s *MongoStore) List(ctx context.Context, q ListQuery) (ListPage, error) {
	q, err := validateQuery(q)
	if err != nil {
		return ListPage{}, err
	}
	if err := s.ensureReady(); err != nil {
		return ListPage{}, err
	}

	filter := mongoListFilter(q, s.searchFields)
	findOpts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetSkip(int64(q.Cursor)).
		SetLimit(int64(q.PageSize + 1))

	cursor, err := s.collection.Find(ctx, filter, findOpts)
	if err != nil {
		return ListPage{}, err
	}
	defer cursor.Close(ctx)

	out := make([]ContactRecord, 0, q.PageSize+1)
	for cursor.Next(ctx) {
		var doc mongoContact
		if err := cursor.Decode(&doc); err != nil {
			return ListPage{}, err
		}
		out = append(out, doc.record())
	}
	if err := cursor.Err(); err != nil {
		return ListPage{}, err
	}
	return pageFromProbe(out, q), nil
}

// normalizeBSON converts decoded BSON containers and numbers into the plain
// values produced by encoding/json.
func normalizeBSON(v any) any {
	switch typed := v.(type) {
	case bson.M:
		return normalizeBSONMap(typed)
	case map[string]any:
		return normalizeBSONMap(typed)
	case bson.D:
		out := make(map[string]any, len(typed))
		for _, elem := range typed {
			out[elem.Key] = normalizeBSON(elem.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalizeBSON(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalizeBSON(item)
		}
		return out
	case int32:
		return float64(typed)
	case int64:
		return float64(typed)
	case primitive.DateTime:
		return typed.Time().UTC().Format(time.RFC3339Nano)
	case primitive.ObjectID:
		return typed.Hex()
	default:
		return v
	}
}

func normalizeBSONMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalizeBSON(v)
	}
	return out
}
