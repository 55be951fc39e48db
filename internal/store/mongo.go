// ABOUTME: MongoDB-backed persistence for conversation messages and threads.
// ABOUTME: Bootstraps collections, encrypts text at rest, and opens the message change feed.

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/XiansAiPlatform/XiansAi.Server-sub009/internal/messaging"
)

const threadCollectionName = "conversation_thread"

// ErrNotFound indicates the requested document does not exist.
var ErrNotFound = errors.New("not found")

// TextEncrypter seals message text before it reaches the store. The watcher's
// normalizer reverses it on the way back out.
type TextEncrypter interface {
	Encrypt(plaintext string) (string, error)
}

// Store persists conversation messages and threads in MongoDB.
type Store struct {
	client    *mongo.Client
	db        *mongo.Database
	encrypter TextEncrypter
	logger    *slog.Logger
}

// thread is the stored conversation-thread document.
type thread struct {
	ID            string    `bson:"_id"`
	TenantID      string    `bson:"tenant_id"`
	WorkflowID    string    `bson:"workflow_id"`
	ParticipantID string    `bson:"participant_id"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

// Connect dials MongoDB and returns a Store bound to the named database.
// A nil encrypter stores text as plaintext.
func Connect(ctx context.Context, uri, database string, encrypter TextEncrypter, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	return &Store{
		client:    client,
		db:        client.Database(database),
		encrypter: encrypter,
		logger:    logger.With("component", "store"),
	}, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// EnsureCollections creates the backing collections when absent. Creating an
// existing collection is not an error worth failing startup over, so only
// genuinely unexpected errors propagate.
func (s *Store) EnsureCollections(ctx context.Context) error {
	for _, name := range []string{messaging.CollectionName, threadCollectionName} {
		exists, err := s.collectionExists(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := s.db.CreateCollection(ctx, name); err != nil {
			return fmt.Errorf("creating collection %s: %w", name, err)
		}
		s.logger.Info("collection created", "collection", name)
	}
	return nil
}

func (s *Store) collectionExists(ctx context.Context, name string) (bool, error) {
	names, err := s.db.ListCollectionNames(ctx, bson.M{"name": name})
	if err != nil {
		return false, fmt.Errorf("listing collections: %w", err)
	}
	return len(names) > 0, nil
}

// SaveMessage persists a conversation message, assigning an id and timestamp
// when missing and sealing the text at rest.
func (s *Store) SaveMessage(ctx context.Context, msg *messaging.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	stored := *msg
	if s.encrypter != nil && stored.Text != "" {
		sealed, err := s.encrypter.Encrypt(stored.Text)
		if err != nil {
			return fmt.Errorf("encrypting message text: %w", err)
		}
		stored.Text = sealed
	}

	if _, err := s.messages().InsertOne(ctx, &stored); err != nil {
		return fmt.Errorf("inserting message %s: %w", msg.ID, err)
	}
	return nil
}

// EnsureThread resolves the conversation thread for a caller. An explicit id
// wins; otherwise the most recent thread for the conversation is reused, and
// a new one is created when none exists.
func (s *Store) EnsureThread(ctx context.Context, tenantID, workflowID, participantID, threadID string) (string, error) {
	if threadID != "" {
		return threadID, nil
	}

	filter := bson.M{
		"tenant_id":      tenantID,
		"workflow_id":    workflowID,
		"participant_id": participantID,
	}

	var existing thread
	err := s.threads().FindOne(ctx, filter,
		options.FindOne().SetSort(bson.D{{Key: "updated_at", Value: -1}}),
	).Decode(&existing)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return "", fmt.Errorf("looking up thread: %w", err)
	}

	now := time.Now().UTC()
	created := thread{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		WorkflowID:    workflowID,
		ParticipantID: participantID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := s.threads().InsertOne(ctx, &created); err != nil {
		// Lost a creation race; fall back to whatever won
		var raced thread
		if lookupErr := s.threads().FindOne(ctx, filter).Decode(&raced); lookupErr == nil {
			return raced.ID, nil
		}
		return "", fmt.Errorf("creating thread: %w", err)
	}

	s.logger.Debug("thread created",
		"thread_id", created.ID,
		"tenant_id", tenantID,
		"workflow_id", workflowID)
	return created.ID, nil
}

// WatchMessages opens a change stream over the message collection, surfacing
// the full post-image document for updates. A non-nil resume token continues
// from a previous position; otherwise the stream starts at "now".
func (s *Store) WatchMessages(ctx context.Context, resume bson.Raw) (*mongo.ChangeStream, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"operationType": bson.M{"$in": bson.A{"insert", "update", "replace"}},
		}}},
	}

	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if resume != nil {
		opts = opts.SetResumeAfter(resume)
	}

	cs, err := s.messages().Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, fmt.Errorf("opening change stream: %w", err)
	}
	return cs, nil
}

func (s *Store) messages() *mongo.Collection {
	return s.db.Collection(messaging.CollectionName)
}

func (s *Store) threads() *mongo.Collection {
	return s.db.Collection(threadCollectionName)
}
