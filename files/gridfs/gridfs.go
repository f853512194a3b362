// Package gridfs stores files in MongoDB GridFS buckets.
package gridfs

import (
	"bytes"
	"context"
	"maps"
	"time"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/jacentio/doccontext/driver/mongodb"
	"github.com/jacentio/doccontext/files"
	"github.com/jacentio/doccontext/model"
)

// ContentTypeKey is the metadata key holding the content type. GridFS has no
// dedicated field for it.
const ContentTypeKey = "contentType"

// Store is a files.BlobStore on a GridFS bucket.
type Store struct {
	bucket *mongo.GridFSBucket
}

var _ files.BlobStore = (*Store)(nil)

// Provider opens the bucket declared by each model in its database.
func Provider(client *mongodb.Client) files.Provider {
	return func(_ context.Context, m model.Model) (files.BlobStore, error) {
		return Open(client.Mongo().Database(m.Database), m.Files()), nil
	}
}

// Open returns the store for fs in db.
func Open(db *mongo.Database, fs model.FileStorage) *Store {
	o := options.GridFSBucket().
		SetName(fs.BucketName).
		SetChunkSizeBytes(fs.ChunkSize)
	p := fs.Behavior.Preferences()
	if rp := mongodb.ReadPref(p.ReadPreference); rp != nil {
		o.SetReadPreference(rp)
	}
	if rc := mongodb.ReadConcern(p.ReadConcern); rc != nil {
		o.SetReadConcern(rc)
	}
	if wc := mongodb.WriteConcern(p.WriteConcern); wc != nil {
		o.SetWriteConcern(wc)
	}
	return &Store{bucket: db.GridFSBucket(o)}
}

// fileDoc is a document of the bucket's files collection.
type fileDoc struct {
	ID         bson.ObjectID  `bson:"_id"`
	Length     int64          `bson:"length"`
	ChunkSize  int32          `bson:"chunkSize"`
	UploadDate time.Time      `bson:"uploadDate"`
	Name       string         `bson:"filename"`
	Metadata   map[string]any `bson:"metadata"`
}

func (d fileDoc) file() files.File {
	f := files.File{
		ID:         d.ID.Hex(),
		Name:       d.Name,
		Length:     d.Length,
		ChunkSize:  d.ChunkSize,
		UploadedAt: d.UploadDate.UTC(),
		Metadata:   d.Metadata,
	}
	if ct, ok := f.Metadata[ContentTypeKey].(string); ok {
		f.ContentType = ct
		delete(f.Metadata, ContentTypeKey)
	}
	return f
}

func parseID(id string) (bson.ObjectID, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return bson.ObjectID{}, errors.Mark(errors.Wrapf(err, "file id %q", id), files.ErrNotFound)
	}
	return oid, nil
}

func mapError(err error) error {
	if errors.Is(err, mongo.ErrFileNotFound) || errors.Is(err, mongo.ErrNoDocuments) {
		return errors.Mark(err, files.ErrNotFound)
	}
	return err
}

func (s *Store) Put(ctx context.Context, f files.File) (string, error) {
	meta := make(map[string]any, len(f.Metadata)+1)
	maps.Copy(meta, f.Metadata)
	if f.ContentType != "" {
		meta[ContentTypeKey] = f.ContentType
	}

	o := options.GridFSUpload().SetMetadata(meta)
	if f.ChunkSize > 0 {
		o.SetChunkSizeBytes(f.ChunkSize)
	}
	id, err := s.bucket.UploadFromStream(ctx, f.Name, bytes.NewReader(f.Data), o)
	if err != nil {
		return "", err
	}
	return id.Hex(), nil
}

func (s *Store) Get(ctx context.Context, id string) (files.File, error) {
	oid, err := parseID(id)
	if err != nil {
		return files.File{}, err
	}
	stream, err := s.bucket.OpenDownloadStream(ctx, oid)
	if err != nil {
		return files.File{}, mapError(err)
	}
	defer stream.Close()

	f, err := s.Stat(ctx, id)
	if err != nil {
		return files.File{}, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(stream); err != nil {
		return files.File{}, errors.Wrapf(err, "read file %s", id)
	}
	f.Data = buf.Bytes()
	return f, nil
}

func (s *Store) Stat(ctx context.Context, id string) (files.File, error) {
	oid, err := parseID(id)
	if err != nil {
		return files.File{}, err
	}
	return s.findOne(ctx, bson.D{{Key: "_id", Value: oid}})
}

func (s *Store) FindByName(ctx context.Context, name string) (files.File, error) {
	return s.findOne(ctx, bson.D{{Key: "filename", Value: name}})
}

// findOne returns the newest matching file.
func (s *Store) findOne(ctx context.Context, filter bson.D) (files.File, error) {
	cur, err := s.bucket.Find(ctx, filter,
		options.GridFSFind().
			SetSort(bson.D{{Key: "uploadDate", Value: -1}}).
			SetLimit(1))
	if err != nil {
		return files.File{}, err
	}
	defer cur.Close(ctx)

	if !cur.Next(ctx) {
		if err := cur.Err(); err != nil {
			return files.File{}, err
		}
		return files.File{}, files.ErrNotFound
	}
	var doc fileDoc
	if err := cur.Decode(&doc); err != nil {
		return files.File{}, errors.Wrap(err, "decode file document")
	}
	return doc.file(), nil
}

func (s *Store) List(ctx context.Context, limit int) ([]files.File, error) {
	o := options.GridFSFind().
		SetSort(bson.D{{Key: "uploadDate", Value: 1}}).
		SetBatchSize(int32(limit))
	if limit > 0 {
		o.SetLimit(int32(limit))
	}
	cur, err := s.bucket.Find(ctx, bson.D{}, o)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []files.File
	for cur.Next(ctx) {
		var doc fileDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "decode file document")
		}
		out = append(out, doc.file())
	}
	return out, cur.Err()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	oid, err := parseID(id)
	if err != nil {
		return err
	}
	return mapError(s.bucket.Delete(ctx, oid))
}

func (s *Store) Rename(ctx context.Context, id, name string) error {
	oid, err := parseID(id)
	if err != nil {
		return err
	}
	return mapError(s.bucket.Rename(ctx, oid, name))
}
