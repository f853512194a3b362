// Package config loads doccontext settings from flags, environment
// variables and an optional config file, and opens the configured backend.
//
// Environment variables are named DOCCONTEXT_<KEY> with dashes replaced by
// underscores, e.g. DOCCONTEXT_DYNAMO_TABLE_PREFIX. Variables are also read
// from .env and .env.local in the working directory.
package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"golang.org/x/text/encoding"

	"github.com/jacentio/doccontext/internal/shard"
	"github.com/jacentio/doccontext/model"
)

var (
	// ErrMissingConnection is returned when the selected backend lacks the
	// settings it needs to connect.
	ErrMissingConnection = errors.New("doccontext: missing connection settings")

	// ErrUnknownDriver is returned for an unknown driver or blob store kind.
	ErrUnknownDriver = errors.New("doccontext: unknown driver")
)

// Drivers.
const (
	DriverMemory   = "memory"
	DriverMongo    = "mongodb"
	DriverDynamoDB = "dynamodb"
)

// Blob store kinds.
const (
	BlobMemory = "memory"
	BlobGridFS = "gridfs"
	BlobS3     = "s3"
	BlobMinio  = "minio"
)

// Keys read from viper.
const (
	KeyConfigFile       = "config"
	KeyDriver           = "driver"
	KeyConnectionString = "connection-string"
	KeyMongoAppName     = "mongo-app-name"
	KeyMongoTimeout     = "mongo-timeout"
	KeyDynamoRegion     = "dynamo-region"
	KeyDynamoEndpoint   = "dynamo-endpoint"
	KeyDynamoPrefix     = "dynamo-table-prefix"
	KeyDynamoConstraint = "dynamo-constraint-table"
	KeyDynamoSegments   = "dynamo-scan-segments"
	KeyBlobKind         = "blob-kind"
	KeyBlobBucket       = "blob-bucket"
	KeyBlobRegion       = "blob-region"
	KeyBlobEndpoint     = "blob-endpoint"
	KeyBlobAccessKey    = "blob-access-key"
	KeyBlobSecretKey    = "blob-secret-key"
	KeyBlobUseSSL       = "blob-use-ssl"
	KeyLogLevel         = "log-level"
	KeyReadEncoding     = "read-encoding"
	KeyWriteEncoding    = "write-encoding"
)

// Options configure the backend a context is opened on.
type Options struct {
	// Driver selects the document store: memory, mongodb or dynamodb.
	// Default: memory
	Driver string

	// ConnectionString is the MongoDB URI.
	ConnectionString string

	Mongo  MongoOptions
	Dynamo DynamoOptions
	Blob   BlobOptions

	// LogLevel is one of debug, info, warn or error.
	// Default: info
	LogLevel string

	// ReadEncoding and WriteEncoding name the text encodings of file
	// collections with WHATWG labels.
	// Default: utf-8
	ReadEncoding  string
	WriteEncoding string
}

// MongoOptions configure the MongoDB driver.
type MongoOptions struct {
	AppName string

	// Timeout is the client side operation timeout.
	// Default: 10s
	Timeout time.Duration
}

// DynamoOptions configure the DynamoDB driver.
type DynamoOptions struct {
	// Region falls back to the AWS SDK default chain.
	Region string

	// Endpoint overrides the service endpoint, e.g. DynamoDB Local.
	Endpoint string

	TablePrefix     string
	ConstraintTable string

	// ScanSegments is clamped to 1..64.
	// Default: 1
	ScanSegments int
}

// BlobOptions configure where file collections keep their content.
type BlobOptions struct {
	// Kind is one of memory, gridfs, s3 or minio.
	// Default: memory
	Kind string

	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// DefaultOptions returns an in-memory setup.
func DefaultOptions() Options {
	return Options{
		Driver:        DriverMemory,
		Mongo:         MongoOptions{Timeout: 10 * time.Second},
		Dynamo:        DynamoOptions{ConstraintTable: "doccontext_unique_constraints", ScanSegments: 1},
		Blob:          BlobOptions{Kind: BlobMemory, UseSSL: true},
		LogLevel:      "info",
		ReadEncoding:  "utf-8",
		WriteEncoding: "utf-8",
	}
}

// validate normalizes o and rejects unknown names.
func (o *Options) validate() error {
	o.Driver = strings.ToLower(strings.TrimSpace(o.Driver))
	if o.Driver == "" {
		o.Driver = DriverMemory
	}
	switch o.Driver {
	case DriverMemory, DriverMongo, DriverDynamoDB:
	default:
		return errors.Wrapf(ErrUnknownDriver, "%q", o.Driver)
	}

	o.Blob.Kind = strings.ToLower(strings.TrimSpace(o.Blob.Kind))
	if o.Blob.Kind == "" {
		o.Blob.Kind = BlobMemory
	}
	switch o.Blob.Kind {
	case BlobMemory, BlobGridFS, BlobS3, BlobMinio:
	default:
		return errors.Wrapf(ErrUnknownDriver, "blob store %q", o.Blob.Kind)
	}

	if o.Mongo.Timeout < 0 {
		o.Mongo.Timeout = 0
	}
	o.Dynamo.ScanSegments = shard.Segments(o.Dynamo.ScanSegments)

	if _, err := o.Level(); err != nil {
		return err
	}
	if _, _, err := o.Encodings(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (o Options) Level() (slog.Level, error) {
	var level slog.Level
	if o.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(o.LogLevel)); err != nil {
		return 0, errors.Wrapf(err, "log level %q", o.LogLevel)
	}
	return level, nil
}

// Encodings resolves ReadEncoding and WriteEncoding.
func (o Options) Encodings() (read, write encoding.Encoding, err error) {
	if read, err = model.LookupEncoding(o.ReadEncoding); err != nil {
		return nil, nil, errors.Wrapf(err, "read encoding %q", o.ReadEncoding)
	}
	if write, err = model.LookupEncoding(o.WriteEncoding); err != nil {
		return nil, nil, errors.Wrapf(err, "write encoding %q", o.WriteEncoding)
	}
	return read, write, nil
}

// Init prepares v to read DOCCONTEXT_* environment variables, loading .env
// files first. Variables already set in the environment win over the files.
func Init(v *viper.Viper) {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetEnvPrefix("doccontext")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
}

// SetDefaults registers the values of DefaultOptions under their keys.
func SetDefaults(v *viper.Viper) {
	d := DefaultOptions()
	v.SetDefault(KeyDriver, d.Driver)
	v.SetDefault(KeyMongoTimeout, d.Mongo.Timeout)
	v.SetDefault(KeyDynamoConstraint, d.Dynamo.ConstraintTable)
	v.SetDefault(KeyDynamoSegments, d.Dynamo.ScanSegments)
	v.SetDefault(KeyBlobKind, d.Blob.Kind)
	v.SetDefault(KeyBlobUseSSL, d.Blob.UseSSL)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyReadEncoding, d.ReadEncoding)
	v.SetDefault(KeyWriteEncoding, d.WriteEncoding)
}

// Load reads Options from v. When the config key names a file it is read
// first; flags and environment variables bound to v override it.
func Load(v *viper.Viper) (Options, error) {
	if file := v.GetString(KeyConfigFile); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Options{}, errors.Wrapf(err, "read config file %s", file)
		}
	}

	o := Options{
		Driver:           v.GetString(KeyDriver),
		ConnectionString: v.GetString(KeyConnectionString),
		Mongo: MongoOptions{
			AppName: v.GetString(KeyMongoAppName),
			Timeout: v.GetDuration(KeyMongoTimeout),
		},
		Dynamo: DynamoOptions{
			Region:          v.GetString(KeyDynamoRegion),
			Endpoint:        v.GetString(KeyDynamoEndpoint),
			TablePrefix:     v.GetString(KeyDynamoPrefix),
			ConstraintTable: v.GetString(KeyDynamoConstraint),
			ScanSegments:    v.GetInt(KeyDynamoSegments),
		},
		Blob: BlobOptions{
			Kind:      v.GetString(KeyBlobKind),
			Bucket:    v.GetString(KeyBlobBucket),
			Region:    v.GetString(KeyBlobRegion),
			Endpoint:  v.GetString(KeyBlobEndpoint),
			AccessKey: v.GetString(KeyBlobAccessKey),
			SecretKey: v.GetString(KeyBlobSecretKey),
			UseSSL:    v.GetBool(KeyBlobUseSSL),
		},
		LogLevel:      v.GetString(KeyLogLevel),
		ReadEncoding:  v.GetString(KeyReadEncoding),
		WriteEncoding: v.GetString(KeyWriteEncoding),
	}
	if err := o.validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}
