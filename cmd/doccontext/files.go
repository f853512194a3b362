package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/jacentio/doccontext/files"
	"github.com/jacentio/doccontext/model"
)

// bucketFile is the document type behind the file bucket a command opens.
type bucketFile struct{}

func newFilesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Perform file bucket operations",
	}
	cmd.PersistentFlags().String("database", "files", wrapString("database of the bucket (GridFS only)"))
	cmd.PersistentFlags().String("bucket", "fs", wrapString("name of the file bucket"))

	cmd.AddCommand(
		&cobra.Command{
			Use:   "ls",
			Short: "Lists the files of the bucket",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				fc, err := a.bucket(cmd)
				if err != nil {
					return err
				}
				start := time.Now()
				list, err := fc.ListFiles(cmd.Context())
				a.metrics.RecordOperation("listFiles", time.Since(start), err)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tLENGTH\tTYPE\tUPLOADED")
				for _, f := range list {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", f.ID, f.Name, f.Length, f.ContentType, f.UploadedAt.UTC().Format(time.RFC3339))
				}
				return w.Flush()
			},
		},
		newFilesGetCmd(a),
		newFilesPutCmd(a),
		&cobra.Command{
			Use:   "rm [id]",
			Short: "Deletes a file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				fc, err := a.bucket(cmd)
				if err != nil {
					return err
				}
				start := time.Now()
				err = fc.Delete(cmd.Context(), args[0])
				a.metrics.RecordOperation("deleteFile", time.Since(start), err)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
				return nil
			},
		},
	)
	return cmd
}

func newFilesGetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [name]",
		Short: "Downloads the newest file with a name, or the file with --id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			if (id == "") == (len(args) == 0) {
				return errors.New("pass either a file name or --id")
			}
			fc, err := a.bucket(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if id == "" {
				f, ok, err := fc.GetFileByName(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return errors.Wrapf(files.ErrNotFound, "%q", args[0])
				}
				id = f.ID
			}

			start := time.Now()
			var data []byte
			if text, _ := cmd.Flags().GetBool("text"); text {
				var s string
				s, err = fc.DownloadText(ctx, id)
				data = []byte(s)
			} else {
				data, err = fc.DownloadByID(ctx, id)
			}
			a.metrics.RecordOperation("download", time.Since(start), err)
			if err != nil {
				return err
			}

			if out, _ := cmd.Flags().GetString("out"); out != "" {
				return os.WriteFile(out, data, 0o644)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().String("id", "", wrapString("id of the file to download"))
	cmd.Flags().String("out", "", wrapString("write the content to this path instead of stdout"))
	cmd.Flags().Bool("text", false, wrapString("decode the content with the read encoding"))
	return cmd
}

func newFilesPutCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put [path]",
		Short: "Uploads a local file and prints its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrap(err, "read upload")
			}
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				name = filepath.Base(args[0])
			}
			fc, err := a.bucket(cmd)
			if err != nil {
				return err
			}

			start := time.Now()
			var id string
			if text, _ := cmd.Flags().GetBool("text"); text {
				id, err = fc.UploadText(cmd.Context(), name, string(data), nil)
			} else {
				id, err = fc.Upload(cmd.Context(), files.File{Name: name, Data: data})
			}
			a.metrics.RecordOperation("upload", time.Since(start), err)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().String("name", "", wrapString("name to store the file under, defaults to the base name of path"))
	cmd.Flags().Bool("text", false, wrapString("treat the file as UTF-8 text and store it in the write encoding"))
	return cmd
}

// bucket opens the file bucket named by the command flags.
func (a *app) bucket(cmd *cobra.Command) (*files.Collection[bucketFile], error) {
	ctx := cmd.Context()
	provider, err := a.blobProvider(ctx)
	if err != nil {
		return nil, err
	}
	read, write, err := a.opts.Encodings()
	if err != nil {
		return nil, err
	}
	db, _ := cmd.Flags().GetString("database")
	name, _ := cmd.Flags().GetString("bucket")

	b := model.NewBuilder()
	model.Document[bucketFile](b).
		WithDatabase(db).
		AsFileStorage().
		WithBucketName(name).
		WithReadEncoding(read).
		WithWriteEncoding(write)
	return files.New(ctx, model.Resolve[bucketFile](a.client, b), provider, files.WithLogger(a.logger))
}
