// Package mongo is the optional MongoDB mirror for the signature cache.
// Selected when MONGODB_URI is configured; a TTL index handles expiry
// server-side.
package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/awsl-project/agproxy/internal/signature"
)

const signatureCollection = "signatures"

type entryDoc struct {
	Signature   string    `bson:"signature"`
	Content     string    `bson:"content,omitempty"`
	ContentHash string    `bson:"content_hash,omitempty"`
	ToolID      string    `bson:"tool_id,omitempty"`
	SessionFP   string    `bson:"session_fp,omitempty"`
	OwnerID     string    `bson:"owner_id,omitempty"`
	ModelFamily string    `bson:"model_family,omitempty"`
	TTLSeconds  int64     `bson:"ttl_seconds"`
	CreatedAt   time.Time `bson:"created_at"`
	ExpiresAt   time.Time `bson:"expires_at"`
}

// SignatureMirror stores signature entries in MongoDB.
type SignatureMirror struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// NewSignatureMirror connects and ensures the indexes.
func NewSignatureMirror(ctx context.Context, uri, database string) (*SignatureMirror, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	coll := client.Database(database).Collection(signatureCollection)

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "content_hash", Value: 1}}},
		{Keys: bson.D{{Key: "tool_id", Value: 1}}},
		{Keys: bson.D{{Key: "session_fp", Value: 1}}},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, err
	}
	return &SignatureMirror{coll: coll, timeout: 5 * time.Second}, nil
}

func (m *SignatureMirror) Put(e *signature.Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	doc := entryDoc{
		Signature:   e.Signature,
		Content:     e.Content,
		ContentHash: e.ContentHash,
		ToolID:      e.ToolID,
		SessionFP:   e.SessionFP,
		OwnerID:     e.OwnerID,
		ModelFamily: e.ModelFamily,
		TTLSeconds:  int64(e.TTL / time.Second),
		CreatedAt:   e.CreatedAt,
		ExpiresAt:   e.CreatedAt.Add(e.TTL),
	}
	if doc.ContentHash != "" {
		_, err := m.coll.ReplaceOne(ctx,
			bson.D{{Key: "content_hash", Value: doc.ContentHash}},
			doc, options.Replace().SetUpsert(true))
		return err
	}
	_, err := m.coll.InsertOne(ctx, doc)
	return err
}

func (m *SignatureMirror) GetByContentHash(hash string) (*signature.Entry, error) {
	return m.getBy("content_hash", hash)
}

func (m *SignatureMirror) GetByToolID(toolID string) (*signature.Entry, error) {
	return m.getBy("tool_id", toolID)
}

func (m *SignatureMirror) GetBySessionFingerprint(fp string) (*signature.Entry, error) {
	return m.getBy("session_fp", fp)
}

func (m *SignatureMirror) getBy(field, value string) (*signature.Entry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var doc entryDoc
	err := m.coll.FindOne(ctx,
		bson.D{{Key: field, Value: value}},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &signature.Entry{
		Signature:   doc.Signature,
		Content:     doc.Content,
		ContentHash: doc.ContentHash,
		ToolID:      doc.ToolID,
		SessionFP:   doc.SessionFP,
		OwnerID:     doc.OwnerID,
		ModelFamily: doc.ModelFamily,
		TTL:         time.Duration(doc.TTLSeconds) * time.Second,
		CreatedAt:   doc.CreatedAt,
	}, nil
}
