// Package mongo persists users, chats and messages in MongoDB. Receipts use
// $addToSet guarded by a $ne filter so concurrent receipts for the same
// participant modify the document at most once.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/Tyrowin/chatverse/internal/store"
)

type userDoc struct {
	ID       string    `bson:"_id"`
	Name     string    `bson:"name"`
	Status   string    `bson:"status"`
	LastSeen time.Time `bson:"lastSeen,omitempty"`
}

type chatDoc struct {
	ID            string   `bson:"_id"`
	Name          string   `bson:"chatName"`
	Users         []string `bson:"users"`
	LatestMessage string   `bson:"latestMessage,omitempty"`
}

type messageDoc struct {
	ID          string    `bson:"_id"`
	ChatID      string    `bson:"chat"`
	SenderID    string    `bson:"sender"`
	Content     string    `bson:"content"`
	CreatedAt   time.Time `bson:"createdAt"`
	DeliveredTo []string  `bson:"deliveredTo"`
	ReadBy      []string  `bson:"readBy"`
}

type Store struct {
	client   *mongo.Client
	users    *mongo.Collection
	chats    *mongo.Collection
	messages *mongo.Collection
}

var _ store.Store = (*Store)(nil)

// Open connects to uri and verifies the connection before returning.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongo url is empty")
	}

	log.Info().Str("database", database).Msg("Connecting to MongoDB")

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(database)
	log.Info().Msg("MongoDB connection established successfully")
	return &Store{
		client:   client,
		users:    db.Collection("users"),
		chats:    db.Collection("chats"),
		messages: db.Collection("messages"),
	}, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) CreateUser(ctx context.Context, u store.User) (store.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Status == "" {
		u.Status = "offline"
	}
	doc := userDoc{ID: u.ID, Name: u.Name, Status: u.Status, LastSeen: u.LastSeen}
	if _, err := s.users.InsertOne(ctx, doc); err != nil {
		return store.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (s *Store) FindUser(ctx context.Context, id string) (store.User, error) {
	var doc userDoc
	if err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return store.User{}, notFound("user", id, err)
	}
	return store.User{ID: doc.ID, Name: doc.Name, Status: doc.Status, LastSeen: doc.LastSeen}, nil
}

func (s *Store) UpdatePresence(ctx context.Context, id, status string, lastSeen time.Time) error {
	res, err := s.users.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": status, "lastSeen": lastSeen}},
	)
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateChat(ctx context.Context, c store.Chat) (store.Chat, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Users == nil {
		c.Users = []string{}
	}
	doc := chatDoc{ID: c.ID, Name: c.Name, Users: c.Users, LatestMessage: c.LatestMessageID}
	if _, err := s.chats.InsertOne(ctx, doc); err != nil {
		return store.Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	return c, nil
}

func (s *Store) FindChat(ctx context.Context, id string) (store.Chat, error) {
	var doc chatDoc
	if err := s.chats.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return store.Chat{}, notFound("chat", id, err)
	}
	return store.Chat{ID: doc.ID, Name: doc.Name, Users: doc.Users, LatestMessageID: doc.LatestMessage}, nil
}

func (s *Store) SetLatestMessage(ctx context.Context, chatID, messageID string) error {
	res, err := s.chats.UpdateOne(ctx,
		bson.M{"_id": chatID},
		bson.M{"$set": bson.M{"latestMessage": messageID}},
	)
	if err != nil {
		return fmt.Errorf("update latest message: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("chat %s: %w", chatID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, m store.Message) (store.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	// BSON datetimes carry milliseconds
	m.CreatedAt = m.CreatedAt.Truncate(time.Millisecond)
	if m.DeliveredTo == nil {
		m.DeliveredTo = []string{}
	}
	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}

	doc := messageDoc{
		ID:          m.ID,
		ChatID:      m.ChatID,
		SenderID:    m.SenderID,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt,
		DeliveredTo: m.DeliveredTo,
		ReadBy:      m.ReadBy,
	}
	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		return store.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

func (s *Store) FindMessage(ctx context.Context, id string) (store.Message, error) {
	var doc messageDoc
	if err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return store.Message{}, notFound("message", id, err)
	}
	return toMessage(doc), nil
}

func (s *Store) AddDelivered(ctx context.Context, messageID, participantID string) (bool, error) {
	return s.addToSets(ctx, messageID, participantID, "deliveredTo",
		bson.M{"deliveredTo": participantID})
}

func (s *Store) AddRead(ctx context.Context, messageID, participantID string) (bool, error) {
	return s.addToSets(ctx, messageID, participantID, "readBy",
		bson.M{"readBy": participantID, "deliveredTo": participantID})
}

func (s *Store) addToSets(ctx context.Context, messageID, participantID, guard string, sets bson.M) (bool, error) {
	res, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": messageID, guard: bson.M{"$ne": participantID}},
		bson.M{"$addToSet": sets},
	)
	if err != nil {
		return false, fmt.Errorf("update %s: %w", guard, err)
	}
	if res.ModifiedCount > 0 {
		return true, nil
	}

	n, err := s.messages.CountDocuments(ctx, bson.M{"_id": messageID})
	if err != nil {
		return false, fmt.Errorf("count message: %w", err)
	}
	if n == 0 {
		return false, fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
	}
	return false, nil
}

func toMessage(doc messageDoc) store.Message {
	m := store.Message{
		ID:          doc.ID,
		ChatID:      doc.ChatID,
		SenderID:    doc.SenderID,
		Content:     doc.Content,
		CreatedAt:   doc.CreatedAt,
		DeliveredTo: doc.DeliveredTo,
		ReadBy:      doc.ReadBy,
	}
	if m.DeliveredTo == nil {
		m.DeliveredTo = []string{}
	}
	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}
	return m
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
	}
	return fmt.Errorf("find %s: %w", kind, err)
}
