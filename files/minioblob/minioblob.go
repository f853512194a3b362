// Package minioblob stores files in a MinIO or other S3 compatible bucket
// through minio-go.
package minioblob

import (
	"bytes"
	"context"
	"io"
	"path"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"golang.org/x/sync/errgroup"

	"github.com/jacentio/doccontext/files"
	"github.com/jacentio/doccontext/model"
)

const statConcurrency = 8

// Store is a files.BlobStore on a MinIO bucket. Objects are keyed
// "<prefix>/<id>" like the s3blob store, so both read each other's files.
type Store struct {
	client    *minio.Client
	bucket    string
	prefix    string
	chunkSize int32
}

var _ files.BlobStore = (*Store)(nil)

// NewStore returns a store writing under prefix in bucket.
func NewStore(client *minio.Client, bucket, prefix string, chunkSize int32) *Store {
	return &Store{
		client:    client,
		bucket:    bucket,
		prefix:    strings.Trim(prefix, "/"),
		chunkSize: chunkSize,
	}
}

// Provider places every model's files under "<database>/<bucket name>".
func Provider(client *minio.Client, bucket string) files.Provider {
	return func(_ context.Context, m model.Model) (files.BlobStore, error) {
		fs := m.Files()
		return NewStore(client, bucket, path.Join(m.Database, fs.BucketName), fs.ChunkSize), nil
	}
}

// EnsureBucket creates the bucket when it does not exist.
func EnsureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	ok, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return errors.Wrapf(err, "check bucket %s", bucket)
	}
	if ok {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
}

func (s *Store) key(id string) string {
	return path.Join(s.prefix, id)
}

func (s *Store) listPrefix() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "/"
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func mapError(err error) error {
	if err != nil && isNotFound(err) {
		return errors.Mark(err, files.ErrNotFound)
	}
	return err
}

func userMetadata(name string, meta map[string]any) (map[string]string, error) {
	encoded, err := files.EncodeMetadata(meta)
	if err != nil {
		return nil, err
	}
	out := map[string]string{files.ObjectNameKey: name}
	if encoded != "" {
		out[files.ObjectMetadataKey] = encoded
	}
	return out, nil
}

func (s *Store) Put(ctx context.Context, f files.File) (string, error) {
	id := uuid.NewString()
	meta, err := userMetadata(f.Name, f.Metadata)
	if err != nil {
		return "", err
	}
	opts := minio.PutObjectOptions{
		ContentType:  f.ContentType,
		UserMetadata: meta,
	}
	if f.ChunkSize > 0 {
		opts.PartSize = uint64(max(f.ChunkSize, minPartSize))
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.key(id), bytes.NewReader(f.Data), int64(len(f.Data)), opts)
	if err != nil {
		return "", errors.Wrapf(err, "put object %s", s.key(id))
	}
	return id, nil
}

// minPartSize is the smallest multipart part size minio-go accepts.
const minPartSize = 5 << 20

func (s *Store) file(id string, info minio.ObjectInfo) (files.File, error) {
	meta, err := files.DecodeMetadata(files.UserMetadata(info.UserMetadata, files.ObjectMetadataKey))
	if err != nil {
		return files.File{}, err
	}
	return files.File{
		ID:          id,
		Name:        files.UserMetadata(info.UserMetadata, files.ObjectNameKey),
		ContentType: info.ContentType,
		Length:      info.Size,
		ChunkSize:   s.chunkSize,
		UploadedAt:  info.LastModified.UTC(),
		Metadata:    meta,
	}, nil
}

func (s *Store) Get(ctx context.Context, id string) (files.File, error) {
	f, err := s.Stat(ctx, id)
	if err != nil {
		return files.File{}, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(id), minio.GetObjectOptions{})
	if err != nil {
		return files.File{}, mapError(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return files.File{}, mapError(errors.Wrapf(err, "read object %s", s.key(id)))
	}
	f.Data = data
	return f, nil
}

func (s *Store) Stat(ctx context.Context, id string) (files.File, error) {
	info, err := s.client.StatObject(ctx, s.bucket, s.key(id), minio.StatObjectOptions{})
	if err != nil {
		return files.File{}, mapError(err)
	}
	return s.file(id, info)
}

func (s *Store) ids(ctx context.Context, limit int) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ids []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.listPrefix(),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, errors.Wrapf(obj.Err, "list %s", s.prefix)
		}
		id := strings.TrimPrefix(obj.Key, s.listPrefix())
		if id == "" || strings.Contains(id, "/") {
			continue
		}
		ids = append(ids, id)
		if limit > 0 && len(ids) == limit {
			break
		}
	}
	return ids, nil
}

func (s *Store) statAll(ctx context.Context, ids []string) ([]files.File, error) {
	out := make([]files.File, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			f, err := s.Stat(gctx, id)
			out[i] = f
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) FindByName(ctx context.Context, name string) (files.File, error) {
	ids, err := s.ids(ctx, 0)
	if err != nil {
		return files.File{}, err
	}
	all, err := s.statAll(ctx, ids)
	if err != nil {
		return files.File{}, err
	}
	return newest(all, name)
}

func newest(all []files.File, name string) (files.File, error) {
	var (
		found files.File
		ok    bool
	)
	for _, f := range all {
		if f.Name == name && (!ok || f.UploadedAt.After(found.UploadedAt)) {
			found, ok = f, true
		}
	}
	if !ok {
		return files.File{}, files.ErrNotFound
	}
	return found, nil
}

func (s *Store) List(ctx context.Context, limit int) ([]files.File, error) {
	ids, err := s.ids(ctx, limit)
	if err != nil {
		return nil, err
	}
	out, err := s.statAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b files.File) int {
		return a.UploadedAt.Compare(b.UploadedAt)
	})
	return out, nil
}

// Delete removes the object. RemoveObject succeeds on missing keys, so the
// object is stated first.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.Stat(ctx, id); err != nil {
		return err
	}
	return mapError(s.client.RemoveObject(ctx, s.bucket, s.key(id), minio.RemoveObjectOptions{}))
}

func (s *Store) Rename(ctx context.Context, id, name string) error {
	f, err := s.Stat(ctx, id)
	if err != nil {
		return err
	}
	meta, err := userMetadata(name, f.Metadata)
	if err != nil {
		return err
	}
	if f.ContentType != "" {
		meta["Content-Type"] = f.ContentType
	}
	key := s.key(id)
	_, err = s.client.CopyObject(ctx,
		minio.CopyDestOptions{
			Bucket:          s.bucket,
			Object:          key,
			UserMetadata:    meta,
			ReplaceMetadata: true,
		},
		minio.CopySrcOptions{Bucket: s.bucket, Object: key},
	)
	return mapError(err)
}
