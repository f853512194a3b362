package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jacentio/doccontext/config"
	"github.com/jacentio/doccontext/driver"
	"github.com/jacentio/doccontext/files"
	"github.com/jacentio/doccontext/telemetry"
)

const (
	Version = "0.4.0"

	// wrap is the number of characters to wrap the help text at
	wrap = 50

	keyMetrics = "metrics"
)

// Replaced by tests.
var (
	openClient    = config.Open
	openBlobStore = config.OpenBlobStore
)

// app is the state shared by the commands of one invocation.
type app struct {
	v       *viper.Viper
	opts    config.Options
	logger  *slog.Logger
	metrics *telemetry.Collector
	client  driver.Client
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "doccontext",
		Short: "inspect document stores and file buckets",
		Long: fmt.Sprintf(`doccontext (v%s)

Runs queries, index declarations and file bucket operations against the
document store configured for a doccontext application.`, Version),
		SilenceUsage:       true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}

	d := config.DefaultOptions()
	flags := root.PersistentFlags()
	flags.String(config.KeyConfigFile, "", wrapString("path of a config file (yaml, json or toml)"))
	flags.String(config.KeyDriver, d.Driver, wrapString("document store to use (memory, mongodb, dynamodb)"))
	flags.String(config.KeyConnectionString, "", wrapString("MongoDB connection string"))
	flags.Duration(config.KeyMongoTimeout, d.Mongo.Timeout, wrapString("timeout of MongoDB operations"))
	flags.String(config.KeyDynamoRegion, "", wrapString("AWS region of the DynamoDB tables"))
	flags.String(config.KeyDynamoEndpoint, "", wrapString("DynamoDB endpoint override, e.g. DynamoDB Local"))
	flags.String(config.KeyDynamoPrefix, "", wrapString("prefix of every DynamoDB table name"))
	flags.String(config.KeyBlobKind, d.Blob.Kind, wrapString("blob store of file buckets (memory, gridfs, s3, minio)"))
	flags.String(config.KeyBlobBucket, "", wrapString("S3 or MinIO bucket holding file buckets"))
	flags.String(config.KeyBlobEndpoint, "", wrapString("S3 or MinIO endpoint"))
	flags.String(config.KeyLogLevel, d.LogLevel, wrapString("log level (debug, info, warn, error)"))
	flags.String(config.KeyReadEncoding, d.ReadEncoding, wrapString("encoding text files are decoded with"))
	flags.String(config.KeyWriteEncoding, d.WriteEncoding, wrapString("encoding text files are encoded with"))
	flags.Bool(keyMetrics, false, wrapString("print operation metrics in Prometheus format after the command"))

	root.AddCommand(
		newVersionCmd(),
		newPingCmd(a),
		newCountCmd(a),
		newFindCmd(a),
		newIndexesCmd(a),
		newFilesCmd(a),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of doccontext",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "doccontext v%s\n", Version)
		},
	}
}

func newPingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Checks that the document store is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			start := time.Now()
			err = client.Ping(cmd.Context())
			a.metrics.RecordOperation("ping", time.Since(start), err)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pong from %s\n", a.opts.Driver)
			return nil
		},
	}
}

// setup binds the command flags to viper and loads the options.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	config.Init(a.v)
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	opts, err := config.Load(a.v)
	if err != nil {
		return err
	}
	level, err := opts.Level()
	if err != nil {
		return err
	}
	a.opts = opts
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	a.metrics = telemetry.NewCollector("")
	return nil
}

func (a *app) teardown(cmd *cobra.Command, _ []string) error {
	if a.v.GetBool(keyMetrics) {
		a.metrics.WritePrometheus(cmd.OutOrStdout())
	}
	if a.client == nil {
		return nil
	}
	err := a.client.Disconnect(context.WithoutCancel(cmd.Context()))
	a.client = nil
	return err
}

// connect opens the configured store once per invocation.
func (a *app) connect(ctx context.Context) (driver.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	client, err := openClient(ctx, a.opts)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("connected", "driver", a.opts.Driver)
	a.client = client
	return client, nil
}

func (a *app) blobProvider(ctx context.Context) (files.Provider, error) {
	client, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	return openBlobStore(ctx, a.opts, client)
}

// wrapString wraps a help text at wrap characters
func wrapString(text string) string {
	var (
		lines []string
		line  strings.Builder
	)
	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > wrap {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}
