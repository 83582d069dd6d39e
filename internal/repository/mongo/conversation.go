package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/jsonx"
)

const conversationCollection = "conversations"

type conversationDoc struct {
	SCID          string    `bson:"scid"`
	ClientType    string    `bson:"client_type,omitempty"`
	History       string    `bson:"history,omitempty"`
	LastSignature string    `bson:"last_signature,omitempty"`
	AccessCount   int64     `bson:"access_count"`
	CreatedAt     time.Time `bson:"created_at"`
	ExpiresAt     time.Time `bson:"expires_at"`
}

// ConversationStore mirrors conversation states in MongoDB. Expiry is
// handled by the TTL index, same as the signature collection.
type ConversationStore struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// NewConversationStore connects and ensures the indexes.
func NewConversationStore(ctx context.Context, uri, database string) (*ConversationStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	coll := client.Database(database).Collection(conversationCollection)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "scid", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, err
	}
	return &ConversationStore{coll: coll, timeout: 5 * time.Second}, nil
}

func (s *ConversationStore) Save(state *domain.ConversationState) error {
	history, err := jsonx.SafeMarshal(state.History)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	doc := conversationDoc{
		SCID:          state.SCID,
		ClientType:    string(state.ClientType),
		History:       string(history),
		LastSignature: state.LastSignature,
		AccessCount:   int64(state.AccessCount),
		CreatedAt:     state.CreatedAt,
		ExpiresAt:     state.ExpiresAt,
	}
	_, err = s.coll.ReplaceOne(ctx,
		bson.D{{Key: "scid", Value: doc.SCID}},
		doc, options.Replace().SetUpsert(true))
	return err
}

func (s *ConversationStore) Get(scid string) (*domain.ConversationState, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var doc conversationDoc
	err := s.coll.FindOne(ctx, bson.D{{Key: "scid", Value: scid}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	state := &domain.ConversationState{
		SCID:          doc.SCID,
		ClientType:    domain.ClientType(doc.ClientType),
		LastSignature: doc.LastSignature,
		AccessCount:   uint64(doc.AccessCount),
		CreatedAt:     doc.CreatedAt,
		ExpiresAt:     doc.ExpiresAt,
	}
	if doc.History != "" {
		if err := jsonx.SafeUnmarshal([]byte(doc.History), &state.History); err != nil {
			return nil, err
		}
	}
	return state, nil
}
