// Package s3blob stores files as objects in an S3 bucket.
//
// Each file is one object keyed "<prefix>/<id>". The file name and metadata
// travel as user metadata, so renames are a metadata-replacing copy onto the
// same key.
package s3blob

import (
	"bytes"
	"context"
	"io"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jacentio/doccontext/files"
	"github.com/jacentio/doccontext/model"
)

// MinPartSize is the smallest multipart upload part S3 accepts.
const MinPartSize = manager.MinUploadPartSize

// statConcurrency bounds parallel HeadObject calls when scanning.
const statConcurrency = 8

// Client is the subset of *s3.Client used by the store.
type Client interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

// Store is a files.BlobStore on an S3 bucket.
type Store struct {
	client    Client
	bucket    string
	prefix    string
	chunkSize int32
	uploader  *manager.Uploader
}

var _ files.BlobStore = (*Store)(nil)

// NewStore returns a store writing under prefix in bucket. chunkSize sets
// the multipart part size, raised to MinPartSize when smaller.
func NewStore(client Client, bucket, prefix string, chunkSize int32) *Store {
	part := max(int64(chunkSize), MinPartSize)
	return &Store{
		client:    client,
		bucket:    bucket,
		prefix:    strings.Trim(prefix, "/"),
		chunkSize: chunkSize,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = part
		}),
	}
}

// Provider places every model's files under "<database>/<bucket name>" in
// the S3 bucket.
func Provider(client Client, bucket string) files.Provider {
	return func(_ context.Context, m model.Model) (files.BlobStore, error) {
		fs := m.Files()
		return NewStore(client, bucket, path.Join(m.Database, fs.BucketName), fs.ChunkSize), nil
	}
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
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk)
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
	in := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(s.key(id)),
		Body:     bytes.NewReader(f.Data),
		Metadata: meta,
	}
	if f.ContentType != "" {
		in.ContentType = aws.String(f.ContentType)
	}
	if _, err := s.uploader.Upload(ctx, in); err != nil {
		return "", errors.Wrapf(err, "put object %s", s.key(id))
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, id string) (files.File, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return files.File{}, mapError(err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return files.File{}, errors.Wrapf(err, "read object %s", s.key(id))
	}
	f, err := s.file(id, out.Metadata, aws.ToString(out.ContentType), out.LastModified)
	if err != nil {
		return files.File{}, err
	}
	f.Length = int64(len(data))
	f.Data = data
	return f, nil
}

func (s *Store) Stat(ctx context.Context, id string) (files.File, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return files.File{}, mapError(err)
	}
	f, err := s.file(id, head.Metadata, aws.ToString(head.ContentType), head.LastModified)
	if err != nil {
		return files.File{}, err
	}
	f.Length = aws.ToInt64(head.ContentLength)
	return f, nil
}

func (s *Store) file(id string, meta map[string]string, contentType string, modified *time.Time) (files.File, error) {
	decoded, err := files.DecodeMetadata(files.UserMetadata(meta, files.ObjectMetadataKey))
	if err != nil {
		return files.File{}, err
	}
	f := files.File{
		ID:          id,
		Name:        files.UserMetadata(meta, files.ObjectNameKey),
		ContentType: contentType,
		ChunkSize:   s.chunkSize,
		Metadata:    decoded,
	}
	if modified != nil {
		f.UploadedAt = modified.UTC()
	}
	return f, nil
}

// ids lists object ids under the prefix, stopping after limit when limit is
// positive.
func (s *Store) ids(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.listPrefix()),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "list %s", s.prefix)
		}
		for _, obj := range page.Contents {
			id := strings.TrimPrefix(aws.ToString(obj.Key), s.listPrefix())
			if id == "" || strings.Contains(id, "/") {
				continue
			}
			ids = append(ids, id)
			if limit > 0 && len(ids) == limit {
				return ids, nil
			}
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
			if err != nil {
				return err
			}
			out[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// FindByName stats every object under the prefix. S3 has no secondary
// index on user metadata.
func (s *Store) FindByName(ctx context.Context, name string) (files.File, error) {
	ids, err := s.ids(ctx, 0)
	if err != nil {
		return files.File{}, err
	}
	all, err := s.statAll(ctx, ids)
	if err != nil {
		return files.File{}, err
	}
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

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.Stat(ctx, id); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	return mapError(err)
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
	key := s.key(id)
	in := &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(path.Join(s.bucket, key)),
		Metadata:          meta,
		MetadataDirective: types.MetadataDirectiveReplace,
	}
	if f.ContentType != "" {
		in.ContentType = aws.String(f.ContentType)
	}
	_, err = s.client.CopyObject(ctx, in)
	return mapError(err)
}
