package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/google/cel-go/cel"

	"github.com/syncwirehq/syncwire/internal/store"
	"github.com/syncwirehq/syncwire/pkg/model"
)

// storedDoc is the on-disk shape: fields live under "data" so user keys can
// never collide with bookkeeping keys.
type storedDoc struct {
	ID      string `bson:"_id"`
	Version int64  `bson:"v"`
	Data    bson.M `bson:"data"`
}

// Store implements the store contract on a MongoDB database.
type Store struct {
	provider *Provider
	db       *mongo.Database
}

var _ store.Store = (*Store)(nil)

func NewStore(provider *Provider) *Store {
	return &Store{
		provider: provider,
		db:       provider.Client().Database(provider.DatabaseName()),
	}
}

func (s *Store) Collection(name string) store.Collection {
	return &collection{
		name: name,
		coll: s.db.Collection(name),
	}
}

func (s *Store) Close(ctx context.Context) error {
	return s.provider.Close(ctx)
}

type collection struct {
	name string
	coll *mongo.Collection
}

var _ store.Collection = (*collection)(nil)

func (c *collection) Name() string {
	return c.name
}

func (c *collection) Insert(ctx context.Context, id string, fields model.Document) error {
	if !model.CheckDocumentID(id) {
		return fmt.Errorf("%w: bad document id %q", model.ErrInvalidQuery, id)
	}
	committed := store.BeginWriteFromContext(ctx)
	defer committed()

	doc := storedDoc{
		ID:      id,
		Version: 1,
		Data:    bson.M(fields.WithoutID()),
	}
	if _, err := c.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return model.ErrExists
		}
		return model.WrapError(err)
	}
	return nil
}

func (c *collection) Update(ctx context.Context, id string, fields model.Document) error {
	committed := store.BeginWriteFromContext(ctx)
	defer committed()

	set := bson.M{}
	unset := bson.M{}
	for k, v := range fields.WithoutID() {
		if v == nil {
			unset["data."+k] = ""
		} else {
			set["data."+k] = v
		}
	}

	update := bson.M{"$inc": bson.M{"v": 1}}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	res, err := c.coll.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return model.WrapError(err)
	}
	if res.MatchedCount == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (c *collection) Remove(ctx context.Context, id string) error {
	committed := store.BeginWriteFromContext(ctx)
	defer committed()

	res, err := c.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return model.WrapError(err)
	}
	if res.DeletedCount == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (c *collection) Find(q model.Query) store.Cursor {
	q.Collection = c.name
	return &cursor{coll: c, query: q}
}

type cursor struct {
	coll  *collection
	query model.Query
}

var _ store.Cursor = (*cursor)(nil)

func (cur *cursor) Collection() string {
	return cur.coll.name
}

// Observe runs the initial query synchronously, then tails a change stream.
// Change-stream delivery is asynchronous with respect to the writer, so a
// remote write becomes visible to sessions a moment after it commits; local
// ordering per document is preserved by the stream itself.
func (cur *cursor) Observe(ctx context.Context, cb store.ObserveCallbacks) (func(), error) {
	if err := cur.query.Validate(); err != nil {
		return nil, err
	}
	prg, err := store.CompileFilters(cur.query.Filters)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)

	// The change stream is opened before the initial query so no write can
	// fall between the two; duplicates are absorbed by the delivered map.
	changeStreamOpts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	stream, err := cur.coll.coll.Watch(streamCtx, mongo.Pipeline{}, changeStreamOpts)
	if err != nil {
		cancel()
		return nil, model.WrapError(err)
	}

	obs := &observer{
		cb:        cb,
		prg:       prg,
		delivered: make(map[string]struct{}),
	}

	if err := cur.deliverInitial(streamCtx, obs); err != nil {
		stream.Close(context.Background())
		cancel()
		return nil, err
	}

	go cur.pump(streamCtx, stream, obs)

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(cancel)
	}
	return stop, nil
}

func (cur *cursor) deliverInitial(ctx context.Context, obs *observer) error {
	filter := makeFilterBSON(cur.query.Filters)
	findOpts := options.Find()
	if cur.query.Limit > 0 {
		findOpts.SetLimit(int64(cur.query.Limit))
	}

	mc, err := cur.coll.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return model.WrapError(err)
	}
	defer mc.Close(ctx)

	for mc.Next(ctx) {
		var doc storedDoc
		if err := mc.Decode(&doc); err != nil {
			continue
		}
		fields := model.Document(doc.Data)
		if !store.MatchDocument(obs.prg, fields) {
			continue
		}
		obs.mu.Lock()
		obs.delivered[doc.ID] = struct{}{}
		obs.mu.Unlock()
		if obs.cb.Added != nil {
			obs.cb.Added(doc.ID, fields)
		}
	}
	return model.WrapError(mc.Err())
}

func (cur *cursor) pump(ctx context.Context, stream *mongo.ChangeStream, obs *observer) {
	defer stream.Close(context.Background())

	for stream.Next(ctx) {
		var changeEvent struct {
			OperationType string     `bson:"operationType"`
			FullDocument  *storedDoc `bson:"fullDocument"`
			DocumentKey   struct {
				ID string `bson:"_id"`
			} `bson:"documentKey"`
		}
		if err := stream.Decode(&changeEvent); err != nil {
			continue
		}

		switch changeEvent.OperationType {
		case "insert", "update", "replace":
			if changeEvent.FullDocument == nil {
				continue
			}
			obs.afterWrite(changeEvent.DocumentKey.ID, model.Document(changeEvent.FullDocument.Data))
		case "delete":
			obs.afterRemove(changeEvent.DocumentKey.ID)
		}
	}

	if err := stream.Err(); err != nil && !model.IsCanceled(err) {
		slog.Warn("change stream terminated", "collection", cur.coll.name, "err", err)
	}
}

// observer mirrors the memory backend's transition logic; with no before
// image at hand it republishes the full document on change and lets the
// session merge box drop the no-op keys.
type observer struct {
	cb  store.ObserveCallbacks
	prg cel.Program

	mu        sync.Mutex
	delivered map[string]struct{}
}

func (o *observer) afterWrite(id string, fields model.Document) {
	o.mu.Lock()
	_, seen := o.delivered[id]
	matches := store.MatchDocument(o.prg, fields)
	switch {
	case matches && !seen:
		o.delivered[id] = struct{}{}
	case !matches && seen:
		delete(o.delivered, id)
	}
	o.mu.Unlock()

	switch {
	case matches && !seen:
		if o.cb.Added != nil {
			o.cb.Added(id, fields)
		}
	case matches && seen:
		if o.cb.Changed != nil {
			o.cb.Changed(id, fields)
		}
	case !matches && seen:
		if o.cb.Removed != nil {
			o.cb.Removed(id)
		}
	}
}

func (o *observer) afterRemove(id string) {
	o.mu.Lock()
	_, seen := o.delivered[id]
	delete(o.delivered, id)
	o.mu.Unlock()

	if seen && o.cb.Removed != nil {
		o.cb.Removed(id)
	}
}

func makeFilterBSON(filters model.Filters) bson.M {
	bsonFilter := bson.M{}

	for _, f := range filters {
		op := mapOp(f.Op)
		if op == "" {
			continue
		}
		bsonFilter["data."+f.Field] = bson.M{op: f.Value}
	}

	return bsonFilter
}

func mapOp(op string) string {
	switch op {
	case "==":
		return "$eq"
	case "!=":
		return "$ne"
	case ">":
		return "$gt"
	case ">=":
		return "$gte"
	case "<":
		return "$lt"
	case "<=":
		return "$lte"
	case "in":
		return "$in"
	case "array-contains":
		return "$eq"
	default:
		return ""
	}
}
