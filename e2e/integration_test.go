//go:build e2e

// Package e2e runs the collection layer against real stores.
// Run with: go test -tags=e2e -v ./e2e/...
//
// MongoDB needs a replica set (DOCCONTEXT_E2E_MONGODB_URI); DynamoDB runs
// against DynamoDB Local or AWS (DOCCONTEXT_E2E_DYNAMO_ENDPOINT and
// DOCCONTEXT_E2E_DYNAMO_REGION). Backends without settings are skipped.
package e2e

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/sync/errgroup"

	"github.com/jacentio/doccontext"
	"github.com/jacentio/doccontext/collection"
	"github.com/jacentio/doccontext/config"
	"github.com/jacentio/doccontext/driver"
	"github.com/jacentio/doccontext/driver/mongodb"
	"github.com/jacentio/doccontext/model"
)

const tablePrefix = "doccontext-e2e-"

var (
	testID   string
	database string

	backends = map[string]config.Options{}
)

// --- Test Documents ---

type Studio struct {
	ID   string `bson:"_id"`
	Name string `bson:"name"`
	Slug string `bson:"slug"`
}

func (s Studio) DocumentKey() any { return s.ID }

type Title struct {
	ID       string `bson:"_id"`
	StudioID string `bson:"studioId"`
	Name     string `bson:"name"`
	Releases int    `bson:"releases"`
}

func (t Title) DocumentKey() any { return t.ID }

type Poster struct{}

type catalogContext struct {
	doccontext.Context
	Studios *collection.Collection[Studio]
	Titles  *collection.Collection[Title]
}

func (*catalogContext) Bindings() []doccontext.Binding[catalogContext] {
	return []doccontext.Binding[catalogContext]{
		doccontext.BindCollection(func(c *catalogContext) **collection.Collection[Studio] { return &c.Studios }),
		doccontext.BindCollection(func(c *catalogContext) **collection.Collection[Title] { return &c.Titles }),
	}
}

func (*catalogContext) OnModelCreating(b *model.Builder) error {
	studios := model.Document[Studio](b).WithDatabase(database).WithCollection("studios")
	if err := studios.DefineIndex(model.IndexSpec{
		Name:   "slug_unique",
		Keys:   bson.D{{Key: "slug", Value: 1}},
		Unique: true,
	}); err != nil {
		return err
	}
	model.Document[Title](b).WithDatabase(database).WithCollection("titles")
	model.Document[Poster](b).WithDatabase(database).AsFileStorage().WithBucketName("posters")
	return nil
}

// --- Test Setup & Teardown ---

func TestMain(m *testing.M) {
	testID = uuid.New().String()[:8]
	database = "e2e_" + testID
	fmt.Printf("Test ID: %s\n", testID)

	if uri := os.Getenv("DOCCONTEXT_E2E_MONGODB_URI"); uri != "" {
		o := config.DefaultOptions()
		o.Driver = config.DriverMongo
		o.ConnectionString = uri
		o.Mongo.AppName = "doccontext-e2e"
		o.Blob.Kind = config.BlobGridFS
		backends["mongodb"] = o
	}
	if endpoint := os.Getenv("DOCCONTEXT_E2E_DYNAMO_ENDPOINT"); endpoint != "" {
		o := config.DefaultOptions()
		o.Driver = config.DriverDynamoDB
		o.Dynamo.Endpoint = endpoint
		o.Dynamo.Region = os.Getenv("DOCCONTEXT_E2E_DYNAMO_REGION")
		if o.Dynamo.Region == "" {
			o.Dynamo.Region = "us-east-1"
		}
		o.Dynamo.TablePrefix = tablePrefix + testID + "-"
		o.Dynamo.ConstraintTable = tablePrefix + testID + "-constraints"
		backends["dynamodb"] = o
	}
	if len(backends) == 0 {
		fmt.Println("No backend configured, skipping e2e tests")
		os.Exit(0)
	}

	code := m.Run()

	ctx := context.Background()
	for name, o := range backends {
		if err := cleanup(ctx, o); err != nil {
			fmt.Printf("Warning: cleanup of %s failed: %v\n", name, err)
		}
	}
	os.Exit(code)
}

func cleanup(ctx context.Context, o config.Options) error {
	switch o.Driver {
	case config.DriverMongo:
		client, err := mongodb.Connect(ctx, o.ConnectionString, mongodb.ConnectOptions{})
		if err != nil {
			return err
		}
		defer client.Disconnect(ctx)
		return client.Mongo().Database(database).Drop(ctx)

	case config.DriverDynamoDB:
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(o.Dynamo.Region))
		if err != nil {
			return err
		}
		ddb := dynamodb.NewFromConfig(cfg, func(opts *dynamodb.Options) {
			opts.BaseEndpoint = aws.String(o.Dynamo.Endpoint)
		})
		fmt.Println("Deleting test tables...")
		tables := dynamodb.NewListTablesPaginator(ddb, &dynamodb.ListTablesInput{})
		for tables.HasMorePages() {
			page, err := tables.NextPage(ctx)
			if err != nil {
				return err
			}
			for _, name := range page.TableNames {
				if !strings.HasPrefix(name, tablePrefix+testID) {
					continue
				}
				if _, err := ddb.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(name)}); err != nil {
					fmt.Printf("Warning: failed to delete table %s: %v\n", name, err)
				}
			}
		}
	}
	return nil
}

// forEachBackend runs fn against a fresh context on every configured store.
func forEachBackend(t *testing.T, fn func(t *testing.T, cc *catalogContext)) {
	for name, o := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			client, err := config.Open(ctx, o)
			if err != nil {
				t.Fatalf("open %s: %v", name, err)
			}
			t.Cleanup(func() { _ = client.Disconnect(ctx) })

			provider, err := config.OpenBlobStore(ctx, o, client)
			if err != nil {
				t.Fatalf("open blob store: %v", err)
			}
			cc, err := doccontext.New[catalogContext](ctx, client, doccontext.WithFileProvider(provider))
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			t.Cleanup(func() { _ = cc.Close(ctx) })
			fn(t, cc)
		})
	}
}

// --- CRUD Tests ---

func TestCRUD(t *testing.T) {
	forEachBackend(t, func(t *testing.T, cc *catalogContext) {
		ctx := context.Background()
		studio := Studio{ID: uuid.NewString(), Name: "Test Studio", Slug: "crud-" + uuid.NewString()}

		if _, err := cc.Studios.Insert(ctx, studio); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		got, ok, err := cc.Studios.FindByKey(ctx, studio.ID)
		if err != nil || !ok {
			t.Fatalf("FindByKey: ok=%v err=%v", ok, err)
		}
		if got != studio {
			t.Errorf("expected %+v, got %+v", studio, got)
		}

		studio.Name = "Renamed Studio"
		if err := cc.Studios.ReplaceByKey(ctx, studio); err != nil {
			t.Fatalf("ReplaceByKey failed: %v", err)
		}
		got, _, err = cc.Studios.FindByKey(ctx, studio.ID)
		if err != nil {
			t.Fatalf("FindByKey failed: %v", err)
		}
		if got.Name != "Renamed Studio" {
			t.Errorf("expected renamed studio, got %q", got.Name)
		}

		n, err := cc.Studios.DeleteByKey(ctx, studio)
		if err != nil {
			t.Fatalf("DeleteByKey failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 deleted, got %d", n)
		}
		if _, ok, _ := cc.Studios.FindByKey(ctx, studio.ID); ok {
			t.Error("expected studio to be gone")
		}
	})
}

func TestInsert_DuplicateKey(t *testing.T) {
	forEachBackend(t, func(t *testing.T, cc *catalogContext) {
		ctx := context.Background()
		title := Title{ID: uuid.NewString(), Name: "Original"}
		if _, err := cc.Titles.Insert(ctx, title); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		_, err := cc.Titles.Insert(ctx, title)
		if !errors.Is(err, driver.ErrDuplicateKey) {
			t.Errorf("expected ErrDuplicateKey, got %v", err)
		}
	})
}

func TestUniqueIndex(t *testing.T) {
	forEachBackend(t, func(t *testing.T, cc *catalogContext) {
		ctx := context.Background()
		slug := "unique-" + uuid.NewString()

		first := Studio{ID: uuid.NewString(), Name: "First", Slug: slug}
		if _, err := cc.Studios.Insert(ctx, first); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		_, err := cc.Studios.Insert(ctx, Studio{ID: uuid.NewString(), Name: "Second", Slug: slug})
		if !errors.Is(err, driver.ErrDuplicateKey) {
			t.Fatalf("expected ErrDuplicateKey, got %v", err)
		}

		// The slug is free again once its holder is gone.
		if _, err := cc.Studios.DeleteByKey(ctx, first); err != nil {
			t.Fatalf("DeleteByKey failed: %v", err)
		}
		if _, err := cc.Studios.Insert(ctx, Studio{ID: uuid.NewString(), Name: "Third", Slug: slug}); err != nil {
			t.Errorf("expected slug to be reusable, got %v", err)
		}
	})
}

// --- Transaction Tests ---

func TestRunTransaction_CommitsAcrossCollections(t *testing.T) {
	forEachBackend(t, func(t *testing.T, cc *catalogContext) {
		ctx := context.Background()
		studio := Studio{ID: uuid.NewString(), Name: "Txn Studio", Slug: "txn-" + uuid.NewString()}
		title := Title{ID: uuid.NewString(), StudioID: studio.ID, Name: "Txn Title"}

		err := cc.Studios.RunTransaction(ctx, func(ctx context.Context) error {
			if _, err := cc.Studios.Insert(ctx, studio); err != nil {
				return err
			}
			_, err := cc.Titles.Insert(ctx, title)
			return err
		})
		if err != nil {
			t.Fatalf("RunTransaction failed: %v", err)
		}

		if _, ok, err := cc.Studios.FindByKey(ctx, studio.ID); err != nil || !ok {
			t.Errorf("studio missing after commit: ok=%v err=%v", ok, err)
		}
		n, err := cc.Titles.Count(ctx, bson.D{{Key: "studioId", Value: studio.ID}})
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 title, got %d", n)
		}
	})
}

func TestRunTransaction_AbortsOnError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, cc *catalogContext) {
		ctx := context.Background()
		studio := Studio{ID: uuid.NewString(), Name: "Aborted", Slug: "abort-" + uuid.NewString()}
		boom := errors.New("boom")

		err := cc.Studios.RunTransaction(ctx, func(ctx context.Context) error {
			if _, err := cc.Studios.Insert(ctx, studio); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if _, ok, _ := cc.Studios.FindByKey(ctx, studio.ID); ok {
			t.Error("expected aborted insert to be rolled back")
		}
	})
}

func TestRunTransaction_ConcurrentIncrements(t *testing.T) {
	forEachBackend(t, func(t *testing.T, cc *catalogContext) {
		ctx := context.Background()
		title := Title{ID: uuid.NewString(), Name: "Contended"}
		if _, err := cc.Titles.Insert(ctx, title); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}

		const workers = 4
		var g errgroup.Group
		for range workers {
			g.Go(func() error {
				return cc.Titles.RunTransaction(ctx, func(ctx context.Context) error {
					cur, ok, err := cc.Titles.FindByKey(ctx, title.ID)
					if err != nil {
						return err
					}
					if !ok {
						return errors.Newf("title %s vanished", title.ID)
					}
					cur.Releases++
					return cc.Titles.ReplaceByKey(ctx, cur)
				})
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("increments failed: %v", err)
		}

		got, _, err := cc.Titles.FindByKey(ctx, title.ID)
		if err != nil {
			t.Fatalf("FindByKey failed: %v", err)
		}
		if got.Releases != workers {
			t.Errorf("expected %d releases, got %d", workers, got.Releases)
		}
	})
}

// --- File Tests ---

func TestFiles_RoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, cc *catalogContext) {
		ctx := context.Background()
		posters, err := doccontext.FilesOf[Poster](ctx, cc)
		if err != nil {
			t.Fatalf("FilesOf failed: %v", err)
		}

		name := "poster-" + testID + ".txt"
		id, err := posters.UploadText(ctx, name, "coming soon", map[string]any{"studio": "e2e"})
		if err != nil {
			t.Fatalf("UploadText failed: %v", err)
		}
		text, err := posters.DownloadText(ctx, id)
		if err != nil {
			t.Fatalf("DownloadText failed: %v", err)
		}
		if text != "coming soon" {
			t.Errorf("expected %q, got %q", "coming soon", text)
		}

		f, ok, err := posters.GetFileByName(ctx, name)
		if err != nil || !ok {
			t.Fatalf("GetFileByName: ok=%v err=%v", ok, err)
		}
		if f.Metadata["studio"] != "e2e" {
			t.Errorf("expected caller metadata, got %v", f.Metadata)
		}
		if err := posters.Delete(ctx, id); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, ok, _ := posters.GetFileByID(ctx, id); ok {
			t.Error("expected file to be gone")
		}
	})
}

func TestPing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, cc *catalogContext) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cc.Client().Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})
}
