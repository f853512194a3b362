package config

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cockroachdb/errors"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jacentio/doccontext/driver"
	"github.com/jacentio/doccontext/driver/dynamo"
	"github.com/jacentio/doccontext/driver/memory"
	"github.com/jacentio/doccontext/driver/mongodb"
	"github.com/jacentio/doccontext/files"
	"github.com/jacentio/doccontext/files/gridfs"
	"github.com/jacentio/doccontext/files/minioblob"
	"github.com/jacentio/doccontext/files/s3blob"
)

// Open connects the configured document store.
func Open(ctx context.Context, o Options) (driver.Client, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	switch o.Driver {
	case DriverMongo:
		if o.ConnectionString == "" {
			return nil, errors.Wrap(ErrMissingConnection, "mongodb needs a connection string")
		}
		client, err := mongodb.Connect(ctx, o.ConnectionString, mongodb.ConnectOptions{
			AppName: o.Mongo.AppName,
			Timeout: o.Mongo.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return client, nil

	case DriverDynamoDB:
		cfg, err := loadAWS(ctx, o.Dynamo.Region, "", "")
		if err != nil {
			return nil, err
		}
		if cfg.Region == "" {
			return nil, errors.Wrap(ErrMissingConnection, "dynamodb needs a region")
		}
		db := dynamodb.NewFromConfig(cfg, func(opts *dynamodb.Options) {
			if o.Dynamo.Endpoint != "" {
				opts.BaseEndpoint = aws.String(o.Dynamo.Endpoint)
			}
		})
		dc := dynamo.DefaultConfig()
		dc.TablePrefix = o.Dynamo.TablePrefix
		dc.ScanSegments = o.Dynamo.ScanSegments
		if o.Dynamo.ConstraintTable != "" {
			dc.ConstraintTable = o.Dynamo.ConstraintTable
		}
		return dynamo.New(db, dc), nil
	}
	return memory.NewClient(), nil
}

// OpenBlobStore returns the provider of the configured blob store. GridFS
// keeps files next to the documents and needs client to be a MongoDB client.
func OpenBlobStore(ctx context.Context, o Options, client driver.Client) (files.Provider, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	switch o.Blob.Kind {
	case BlobGridFS:
		mc, ok := client.(*mongodb.Client)
		if !ok {
			return nil, errors.Wrapf(ErrMissingConnection, "gridfs needs the %s driver", DriverMongo)
		}
		return gridfs.Provider(mc), nil

	case BlobS3:
		if o.Blob.Bucket == "" {
			return nil, errors.Wrap(ErrMissingConnection, "s3 needs a bucket")
		}
		cfg, err := loadAWS(ctx, o.Blob.Region, o.Blob.AccessKey, o.Blob.SecretKey)
		if err != nil {
			return nil, err
		}
		s3c := s3.NewFromConfig(cfg, func(opts *s3.Options) {
			if o.Blob.Endpoint != "" {
				opts.BaseEndpoint = aws.String(o.Blob.Endpoint)
				opts.UsePathStyle = true
			}
		})
		return s3blob.Provider(s3c, o.Blob.Bucket), nil

	case BlobMinio:
		if o.Blob.Endpoint == "" || o.Blob.Bucket == "" {
			return nil, errors.Wrap(ErrMissingConnection, "minio needs an endpoint and a bucket")
		}
		mc, err := minio.New(o.Blob.Endpoint, &minio.Options{
			Creds:  miniocreds.NewStaticV4(o.Blob.AccessKey, o.Blob.SecretKey, ""),
			Secure: o.Blob.UseSSL,
			Region: o.Blob.Region,
		})
		if err != nil {
			return nil, errors.Wrap(err, "create minio client")
		}
		return minioblob.Provider(mc, o.Blob.Bucket), nil
	}
	return files.MemoryProvider(), nil
}

// loadAWS loads the SDK default configuration. Static keys replace the
// default credential chain when both are set.
func loadAWS(ctx context.Context, region, accessKey, secretKey string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, errors.Wrap(err, "load aws config")
	}
	return cfg, nil
}
