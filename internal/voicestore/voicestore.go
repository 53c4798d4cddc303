// Package voicestore implements the Mongo-backed AudioArtifact store (spec.md
// §3's AudioArtifact entity, §6's voice passthrough endpoints). Grounded on
// the teacher's features/session/mongo/clients/mongo client: a narrow
// injected-client interface, Options struct with a default collection name
// and operation timeout, and a thin Store that delegates to it.
package voicestore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	defaultCollection = "audio_artifacts"
	defaultOpTimeout  = 5 * time.Second
)

// ArtifactType mirrors spec.md §3's AudioArtifact.type enum.
type ArtifactType string

const (
	ArtifactUserInput       ArtifactType = "USER_INPUT"
	ArtifactAssistantOutput ArtifactType = "ASSISTANT_OUTPUT"
)

// Artifact is one opaque stored audio record (spec.md §3).
type Artifact struct {
	ID         string
	SessionID  string
	Type       ArtifactType
	FilePath   *string
	FileSize   *int64
	DurationMs *int64
	Format     *string
	SampleRate *int
	Provider   *string
	Transcript *string
	LatencyMs  *int64
	CreatedAt  time.Time
}

// ErrNotFound signals no artifact matched the lookup.
var ErrNotFound = errors.New("voicestore: artifact not found")

// Client exposes Mongo-backed operations over AudioArtifact documents.
type Client interface {
	StoreArtifact(ctx context.Context, a Artifact) (Artifact, error)
	GetArtifact(ctx context.Context, sessionID, artifactID string) (Artifact, error)
	UpdateTranscript(ctx context.Context, sessionID, artifactID, transcript string) (Artifact, error)
	ListArtifactsBySession(ctx context.Context, sessionID string) ([]Artifact, error)
}

// Options configures the Mongo-backed voice store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB, ensuring the indexes the voice
// passthrough endpoints rely on exist.
func New(ctx context.Context, opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("voicestore: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("voicestore: database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)

	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ensureIndexes(idxCtx, coll); err != nil {
		return nil, err
	}
	return &client{coll: coll, timeout: timeout}, nil
}

func ensureIndexes(ctx context.Context, coll *mongodriver.Collection) error {
	artifactIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "artifact_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, artifactIndex); err != nil {
		return err
	}
	sessionIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}},
	}
	_, err := coll.Indexes().CreateOne(ctx, sessionIndex)
	return err
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// StoreArtifact persists a new AudioArtifact (spec.md §6's
// /sessions/:id/voice/store-audio).
func (c *client) StoreArtifact(ctx context.Context, a Artifact) (Artifact, error) {
	if a.ID == "" {
		return Artifact{}, errors.New("voicestore: artifact id is required")
	}
	if a.SessionID == "" {
		return Artifact{}, errors.New("voicestore: session id is required")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc := fromArtifact(a)
	if _, err := c.coll.InsertOne(ctx, doc); err != nil {
		return Artifact{}, err
	}
	return a, nil
}

// GetArtifact fetches one artifact by id, scoped to its session.
func (c *client) GetArtifact(ctx context.Context, sessionID, artifactID string) (Artifact, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"artifact_id": artifactID, "session_id": sessionID}
	var doc artifactDocument
	if err := c.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return Artifact{}, ErrNotFound
		}
		return Artifact{}, err
	}
	return doc.toArtifact(), nil
}

// UpdateTranscript attaches a client-side transcription result to a stored
// artifact (spec.md §4.10's voice channel: "speech transcription performed
// client-side; the core treats a voice message as plain text plus an opaque
// stored audio artifact").
func (c *client) UpdateTranscript(ctx context.Context, sessionID, artifactID, transcript string) (Artifact, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"artifact_id": artifactID, "session_id": sessionID}
	update := bson.M{"$set": bson.M{"transcript": transcript}}
	res, err := c.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return Artifact{}, err
	}
	if res.MatchedCount == 0 {
		return Artifact{}, ErrNotFound
	}
	return c.GetArtifact(ctx, sessionID, artifactID)
}

// ListArtifactsBySession returns every artifact recorded for a session, in
// creation order.
func (c *client) ListArtifactsBySession(ctx context.Context, sessionID string) ([]Artifact, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"session_id": sessionID}
	cur, err := c.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []Artifact
	for cur.Next(ctx) {
		var doc artifactDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toArtifact())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Artifact{}
	}
	return out, nil
}

type artifactDocument struct {
	ArtifactID string       `bson:"artifact_id"`
	SessionID  string       `bson:"session_id"`
	Type       ArtifactType `bson:"type"`
	FilePath   *string      `bson:"file_path,omitempty"`
	FileSize   *int64       `bson:"file_size,omitempty"`
	DurationMs *int64       `bson:"duration_ms,omitempty"`
	Format     *string      `bson:"format,omitempty"`
	SampleRate *int         `bson:"sample_rate,omitempty"`
	Provider   *string      `bson:"provider,omitempty"`
	Transcript *string      `bson:"transcript,omitempty"`
	LatencyMs  *int64       `bson:"latency_ms,omitempty"`
	CreatedAt  time.Time    `bson:"created_at"`
}

func fromArtifact(a Artifact) artifactDocument {
	return artifactDocument{
		ArtifactID: a.ID,
		SessionID:  a.SessionID,
		Type:       a.Type,
		FilePath:   a.FilePath,
		FileSize:   a.FileSize,
		DurationMs: a.DurationMs,
		Format:     a.Format,
		SampleRate: a.SampleRate,
		Provider:   a.Provider,
		Transcript: a.Transcript,
		LatencyMs:  a.LatencyMs,
		CreatedAt:  a.CreatedAt.UTC(),
	}
}

func (doc artifactDocument) toArtifact() Artifact {
	return Artifact{
		ID:         doc.ArtifactID,
		SessionID:  doc.SessionID,
		Type:       doc.Type,
		FilePath:   doc.FilePath,
		FileSize:   doc.FileSize,
		DurationMs: doc.DurationMs,
		Format:     doc.Format,
		SampleRate: doc.SampleRate,
		Provider:   doc.Provider,
		Transcript: doc.Transcript,
		LatencyMs:  doc.LatencyMs,
		CreatedAt:  doc.CreatedAt.UTC(),
	}
}
