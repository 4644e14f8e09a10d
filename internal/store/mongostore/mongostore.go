package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/roach88/timeledger/internal/ir"
	"github.com/roach88/timeledger/internal/ledger"
)

const (
	collEvents   = "events"
	collSessions = "sessions"
	collCounters = "counters"

	revisionCounter = "revision"
)

// Store is a MongoDB-backed ledger.Store.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	owned  bool
}

var _ ledger.Store = (*Store)(nil)

// Open connects to uri, pings the server and ensures indexes on database.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}
	s := &Store{client: client, db: client.Database(database), owned: true}
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle. Close leaves the client connected.
func New(db *mongo.Database) *Store {
	return &Store{client: db.Client(), db: db}
}

// EnsureIndexes creates the indexes the store relies on. Existing indexes
// with the same name are left alone.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	collections := map[string][]mongo.IndexModel{
		collSessions: {
			{
				Keys: bson.D{{Key: "subject_id", Value: 1}, {Key: "category", Value: 1}, {Key: "origin_id", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetName("uniq_open_session").
					SetPartialFilterExpression(bson.M{"state": string(ir.StateOpen)}),
			},
			{
				Keys:    bson.D{{Key: "subject_id", Value: 1}, {Key: "category", Value: 1}, {Key: "started_at", Value: 1}},
				Options: options.Index().SetName("ix_subject_started"),
			},
			{
				Keys:    bson.D{{Key: "revision", Value: 1}},
				Options: options.Index().SetName("ix_revision"),
			},
		},
		collEvents: {
			{
				Keys:    bson.D{{Key: "subject_id", Value: 1}, {Key: "ts", Value: 1}},
				Options: options.Index().SetName("ix_subject_ts"),
			},
		},
	}

	for name, indexes := range collections {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("mongostore: create indexes for %s: %w", name, err)
		}
	}
	return nil
}

// Close disconnects the client if Open created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Drop removes all collections. Tests use it to isolate runs.
func (s *Store) Drop(ctx context.Context) error {
	return s.db.Drop(ctx)
}

// HasEvent implements ledger.Store.
func (s *Store) HasEvent(ctx context.Context, id string) (bool, error) {
	n, err := s.db.Collection(collEvents).CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("mongostore: has event: %w", err)
	}
	return n > 0, nil
}

// OpenSession implements ledger.Store.
func (s *Store) OpenSession(ctx context.Context, key ir.SessionKey) (ir.Session, bool, error) {
	return findOne(ctx, s.db, openFilter(key), nil)
}

// OpenSessionsFor implements ledger.Store.
func (s *Store) OpenSessionsFor(ctx context.Context, subjectID string, category ir.Category) ([]ir.Session, error) {
	filter := bson.M{"subject_id": subjectID, "category": string(category), "state": string(ir.StateOpen)}
	return s.findSessions(ctx, filter, bson.D{{Key: "origin_id", Value: 1}})
}

// Watermark implements ledger.Store.
func (s *Store) Watermark(ctx context.Context, key ir.SessionKey) (time.Time, bool, error) {
	filter := bson.M{
		"subject_id": key.SubjectID,
		"category":   string(key.Category),
		"origin_id":  key.OriginID,
		"state":      bson.M{"$in": bson.A{string(ir.StateClosed), string(ir.StateClosedInferred)}},
		"ended_at":   bson.M{"$exists": true},
	}
	sess, ok, err := findOne(ctx, s.db, filter, options.FindOne().SetSort(bson.D{{Key: "ended_at", Value: -1}}))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return *sess.EndedAt, true, nil
}

// ListSessions implements ledger.Store.
func (s *Store) ListSessions(ctx context.Context, f ir.SessionFilter) ([]ir.Session, error) {
	filter := bson.M{}
	if f.SubjectID != "" {
		filter["subject_id"] = f.SubjectID
	}
	if f.Category != "" {
		filter["category"] = string(f.Category)
	}
	if f.OriginID != "" {
		filter["origin_id"] = f.OriginID
	}
	if len(f.States) > 0 {
		states := bson.A{}
		for _, st := range f.States {
			states = append(states, string(st))
		}
		filter["state"] = bson.M{"$in": states}
	}
	if !f.To.IsZero() {
		filter["started_at"] = bson.M{"$lte": micros(f.To)}
	}
	if f.MinRevision > 0 {
		filter["revision"] = bson.M{"$gte": f.MinRevision}
	}
	if !f.UpdatedSince.IsZero() {
		filter["updated_at"] = bson.M{"$gte": micros(f.UpdatedSince)}
	}

	all, err := s.findSessions(ctx, filter, bson.D{{Key: "started_at", Value: 1}, {Key: "_id", Value: 1}})
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, sess := range all {
		if f.Match(sess) {
			out = append(out, sess)
		}
	}
	return out, nil
}

// ListEvents implements ledger.Store.
func (s *Store) ListEvents(ctx context.Context, f ir.EventFilter) ([]ir.PresenceEvent, error) {
	filter := bson.M{}
	if f.SubjectID != "" {
		filter["subject_id"] = f.SubjectID
	}
	ts := bson.M{}
	if !f.From.IsZero() {
		ts["$gte"] = micros(f.From)
	}
	if !f.To.IsZero() {
		ts["$lt"] = micros(f.To)
	}
	if len(ts) > 0 {
		filter["ts"] = ts
	}

	opts := options.Find().SetSort(bson.D{{Key: "ts", Value: 1}, {Key: "ingest_seq", Value: 1}, {Key: "_id", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := s.db.Collection(collEvents).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: list events: %w", err)
	}
	var docs []eventDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: decode events: %w", err)
	}
	events := make([]ir.PresenceEvent, 0, len(docs))
	for _, d := range docs {
		events = append(events, d.event())
	}
	return events, nil
}

// Revision implements ledger.Store.
func (s *Store) Revision(ctx context.Context) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := s.db.Collection(collCounters).FindOne(ctx, bson.M{"_id": revisionCounter}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("mongostore: revision: %w", err)
	}
	return doc.Value, nil
}

// Commit implements ledger.Store. The batch runs in one transaction;
// duplicate-key errors on the event id or the open-session index abort it.
func (s *Store) Commit(ctx context.Context, b ledger.Batch) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("mongostore: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, s.apply(sc, b)
	})
	return err
}

func (s *Store) apply(ctx context.Context, b ledger.Batch) error {
	if b.Event != nil {
		_, err := s.db.Collection(collEvents).InsertOne(ctx, toEventDoc(*b.Event))
		if mongo.IsDuplicateKeyError(err) {
			return ledger.ErrDuplicateEvent
		}
		if err != nil {
			return fmt.Errorf("mongostore: insert event: %w", err)
		}
	}

	if err := ledger.CheckBatch(view{ctx: ctx, db: s.db}, b); err != nil {
		return err
	}

	sessions := s.db.Collection(collSessions)
	for _, sess := range b.Put {
		rev, err := s.nextRevision(ctx)
		if err != nil {
			return err
		}
		sess.Revision = rev
		_, err = sessions.ReplaceOne(ctx, bson.M{"_id": sess.ID}, toSessionDoc(sess))
		if err != nil {
			return mapWriteError(err)
		}
	}
	for _, sess := range b.Append {
		rev, err := s.nextRevision(ctx)
		if err != nil {
			return err
		}
		sess.Revision = rev
		if _, err := sessions.InsertOne(ctx, toSessionDoc(sess)); err != nil {
			return mapWriteError(err)
		}
	}
	return nil
}

func (s *Store) nextRevision(ctx context.Context) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := s.db.Collection(collCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": revisionCounter},
		bson.M{"$inc": bson.M{"value": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("mongostore: next revision: %w", err)
	}
	return doc.Value, nil
}

func mapWriteError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", ledger.ErrOpenConflict, err)
	}
	return fmt.Errorf("mongostore: write session: %w", err)
}

func (s *Store) findSessions(ctx context.Context, filter bson.M, sort bson.D) ([]ir.Session, error) {
	cur, err := s.db.Collection(collSessions).Find(ctx, filter, options.Find().SetSort(sort))
	if err != nil {
		return nil, fmt.Errorf("mongostore: find sessions: %w", err)
	}
	var docs []sessionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: decode sessions: %w", err)
	}
	out := make([]ir.Session, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.session())
	}
	return out, nil
}

func findOne(ctx context.Context, db *mongo.Database, filter bson.M, opts *options.FindOneOptions) (ir.Session, bool, error) {
	var doc sessionDoc
	var err error
	if opts != nil {
		err = db.Collection(collSessions).FindOne(ctx, filter, opts).Decode(&doc)
	} else {
		err = db.Collection(collSessions).FindOne(ctx, filter).Decode(&doc)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ir.Session{}, false, nil
	}
	if err != nil {
		return ir.Session{}, false, fmt.Errorf("mongostore: find session: %w", err)
	}
	return doc.session(), true, nil
}

func openFilter(key ir.SessionKey) bson.M {
	return bson.M{
		"subject_id": key.SubjectID,
		"category":   string(key.Category),
		"origin_id":  key.OriginID,
		"state":      string(ir.StateOpen),
	}
}

// view reads pre-batch state inside the transaction.
type view struct {
	ctx context.Context
	db  *mongo.Database
}

func (v view) Get(id string) (ir.Session, bool, error) {
	return findOne(v.ctx, v.db, bson.M{"_id": id}, nil)
}

func (v view) OpenFor(key ir.SessionKey) (ir.Session, bool, error) {
	return findOne(v.ctx, v.db, openFilter(key), nil)
}
