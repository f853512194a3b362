package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jacentio/doccontext/driver"
	"github.com/jacentio/doccontext/internal/docmatch"
	"github.com/jacentio/doccontext/model"
)

func newCountCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Counts the documents matching a filter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			coll, err := a.collection(cmd, false)
			if err != nil {
				return err
			}
			filter, err := extJSONFlag(cmd, "filter")
			if err != nil {
				return err
			}
			start := time.Now()
			n, err := coll.CountDocuments(cmd.Context(), nil, filter)
			a.metrics.RecordOperation("count", time.Since(start), err)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
	addCollectionFlags(cmd)
	cmd.Flags().String("filter", "", wrapString("filter as MongoDB extended JSON, e.g. {\"status\":\"open\"}"))
	return cmd
}

func newFindCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find",
		Short: "Prints the documents matching a filter, one per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			coll, err := a.collection(cmd, false)
			if err != nil {
				return err
			}
			filter, err := extJSONFlag(cmd, "filter")
			if err != nil {
				return err
			}
			sort, err := extJSONFlag(cmd, "sort")
			if err != nil {
				return err
			}
			opts := driver.FindOptions{BatchSize: model.DefaultBatchSize}
			opts.Limit, _ = cmd.Flags().GetInt64("limit")
			if len(sort) > 0 {
				opts.Sort = sort
			}

			start := time.Now()
			docs, err := find(cmd, coll, filter, opts)
			a.metrics.RecordOperation("find", time.Since(start), err)
			if err != nil {
				return err
			}
			for _, doc := range docs {
				out, err := bson.MarshalExtJSON(doc, false, false)
				if err != nil {
					return errors.Wrap(err, "render document")
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
			}
			return nil
		},
	}
	addCollectionFlags(cmd)
	cmd.Flags().String("filter", "", wrapString("filter as MongoDB extended JSON"))
	cmd.Flags().String("sort", "", wrapString("sort as MongoDB extended JSON, e.g. {\"created\":-1}"))
	cmd.Flags().Int64("limit", 20, wrapString("maximum number of documents to print, 0 for all"))
	return cmd
}

func find(cmd *cobra.Command, coll driver.Collection, filter bson.D, opts driver.FindOptions) ([]bson.Raw, error) {
	cur, err := coll.Find(cmd.Context(), nil, filter, opts)
	if err != nil {
		return nil, err
	}
	return driver.DecodeAll[bson.Raw](cmd.Context(), cur)
}

// indexFile is one entry of an index declaration file:
//
//	[{"name": "by_email", "keys": {"email": 1}, "unique": true},
//	 {"name": "expiry", "keys": {"seenAt": 1}, "expireAfter": "24h"}]
type indexFile struct {
	Name        string          `json:"name"`
	Keys        json.RawMessage `json:"keys"`
	Unique      bool            `json:"unique"`
	Sparse      bool            `json:"sparse"`
	ExpireAfter string          `json:"expireAfter"`
}

func newIndexesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "indexes",
		Short: "Lists the indexes declared in a file and optionally creates them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("file")
			indexes, err := readIndexes(path)
			if err != nil {
				return err
			}
			for _, idx := range indexes {
				keys, err := bson.MarshalExtJSON(idx.Keys, false, false)
				if err != nil {
					return errors.Wrapf(err, "render keys of %s", idx.Name)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tunique=%t sparse=%t expireAfter=%s\n",
					idx.Name, keys, idx.Unique, idx.Sparse, idx.ExpireAfter)
			}

			if apply, _ := cmd.Flags().GetBool("apply"); !apply {
				return nil
			}
			coll, err := a.collection(cmd, true)
			if err != nil {
				return err
			}
			start := time.Now()
			err = coll.CreateIndexes(cmd.Context(), indexes)
			a.metrics.RecordOperation("createIndexes", time.Since(start), err)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %d indexes\n", len(indexes))
			return nil
		},
	}
	addCollectionFlags(cmd)
	cmd.Flags().String("file", "", wrapString("JSON file declaring the indexes"))
	cmd.Flags().Bool("apply", false, wrapString("create the declared indexes on the collection"))
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readIndexes(path string) ([]driver.IndexModel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read index file")
	}
	var entries []indexFile
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.Wrapf(err, "parse index file %s", path)
	}

	specs := make([]driver.IndexModel, 0, len(entries))
	for _, e := range entries {
		spec := model.IndexSpec{Name: e.Name, Unique: e.Unique, Sparse: e.Sparse}
		if len(e.Keys) > 0 {
			if err := bson.UnmarshalExtJSON(e.Keys, false, &spec.Keys); err != nil {
				return nil, errors.Wrapf(err, "keys of index %q", e.Name)
			}
		}
		if e.ExpireAfter != "" {
			if spec.ExpireAfter, err = time.ParseDuration(e.ExpireAfter); err != nil {
				return nil, errors.Wrapf(err, "expireAfter of index %q", e.Name)
			}
		}
		specs = append(specs, spec.IndexModel())
	}
	return docmatch.MergeIndexes(nil, specs, nil)
}

func addCollectionFlags(cmd *cobra.Command) {
	cmd.Flags().String("database", "", wrapString("database holding the collection"))
	cmd.Flags().String("collection", "", wrapString("collection to operate on"))
	_ = cmd.MarkFlagRequired("database")
	_ = cmd.MarkFlagRequired("collection")
}

// collection opens the collection named by the command flags, creating it
// first when ensure is set. Documents are read untyped, so no model applies.
func (a *app) collection(cmd *cobra.Command, ensure bool) (driver.Collection, error) {
	client, err := a.connect(cmd.Context())
	if err != nil {
		return nil, err
	}
	dbName, _ := cmd.Flags().GetString("database")
	name, _ := cmd.Flags().GetString("collection")
	db := client.Database(dbName, driver.Preferences{})
	if ensure {
		if err := db.EnsureCollection(cmd.Context(), name); err != nil {
			return nil, errors.Wrapf(err, "ensure %s.%s", dbName, name)
		}
	}
	return db.Collection(name, driver.Preferences{}), nil
}

// extJSONFlag parses a flag holding an extended JSON document. An unset
// flag is the empty document.
func extJSONFlag(cmd *cobra.Command, name string) (bson.D, error) {
	s, _ := cmd.Flags().GetString(name)
	if s == "" {
		return bson.D{}, nil
	}
	var d bson.D
	if err := bson.UnmarshalExtJSON([]byte(s), false, &d); err != nil {
		return nil, errors.Wrapf(err, "--%s", name)
	}
	return d, nil
}
