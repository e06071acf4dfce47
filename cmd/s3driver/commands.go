package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/s3fs-fuse/s3driver/internal/driver"
	"github.com/s3fs-fuse/s3driver/internal/identifier"
	"github.com/s3fs-fuse/s3driver/internal/mount"
	"github.com/s3fs-fuse/s3driver/internal/server"
)

func folderArg(args []string) string {
	if len(args) == 0 {
		return identifier.Root
	}
	return args[0]
}

func newLsCmd() *cobra.Command {
	var (
		long, recursive, byName, desc bool
		start, limit                  int
	)
	cmd := &cobra.Command{
		Use:   "ls [folder]",
		Short: "List folders and files",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			folder := folderArg(args)
			if !a.driver.FolderExists(ctx, folder) {
				return fmt.Errorf("folder %q: %w", folder, driver.ErrNotFound)
			}

			opts := driver.ListOptions{Start: start, NumberOfItems: limit, Recursive: recursive, Descending: desc}
			if byName {
				opts.Sort = driver.SortName
			}
			folders, err := a.driver.GetFoldersInFolder(ctx, folder, opts)
			if err != nil {
				return err
			}
			files, err := a.driver.GetFilesInFolder(ctx, folder, opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !long {
				for _, id := range append(folders, files...) {
					fmt.Fprintln(out, id)
				}
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			for _, id := range folders {
				fmt.Fprintf(w, "d\t-\t-\t%s\n", id)
			}
			for _, id := range files {
				info, err := a.driver.GetFileInfoByIdentifier(ctx, id, driver.PropSize, driver.PropMtime)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "-\t%s\t%s\t%s\n", humanize.IBytes(uint64(info.Size)), humanize.Time(info.Mtime), id)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show sizes and modification times")
	cmd.Flags().BoolVarP(&recursive, "recursive", "R", false, "list the whole subtree")
	cmd.Flags().BoolVar(&byName, "sort-name", false, "sort by name instead of identifier")
	cmd.Flags().BoolVar(&desc, "reverse", false, "reverse the sort order")
	cmd.Flags().IntVar(&start, "start", 0, "skip this many entries")
	cmd.Flags().IntVar(&limit, "limit", 0, "return at most this many entries")
	return cmd
}

func newCountCmd() *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "count [folder]",
		Short: "Count folders and files",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			folder := folderArg(args)
			folders, err := a.driver.CountFoldersInFolder(ctx, folder, recursive)
			if err != nil {
				return err
			}
			files, err := a.driver.CountFilesInFolder(ctx, folder, recursive)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "folders: %d\nfiles: %d\n", folders, files)
			return nil
		}),
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "R", false, "count the whole subtree")
	return cmd
}

func newMkdirCmd() *cobra.Command {
	var parents bool
	cmd := &cobra.Command{
		Use:   "mkdir <folder>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			var (
				id  string
				err error
			)
			if parents {
				id, err = a.driver.CreateFolder(cmd.Context(), args[0], identifier.Root, true)
			} else {
				id, err = a.driver.CreateFolder(cmd.Context(), identifier.Basename(args[0]), identifier.External(identifier.Dirname(args[0])), false)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		}),
	}
	cmd.Flags().BoolVarP(&parents, "parents", "p", false, "sanitize every path segment and create the full path")
	return cmd
}

func newRmCmd() *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a file or folder",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			id := args[0]
			if a.driver.FileExists(ctx, id) {
				_, err := a.driver.DeleteFile(ctx, id)
				return err
			}
			if !a.driver.FolderExists(ctx, id) {
				return fmt.Errorf("%q: %w", id, driver.ErrNotFound)
			}
			_, err := a.driver.DeleteFolder(ctx, id, recursive)
			return err
		}),
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "delete the folder with everything below it")
	return cmd
}

func newRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <new-name>",
		Short: "Rename a file or folder in place",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			if a.driver.FileExists(ctx, args[0]) {
				id, err := a.driver.RenameFile(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}
			moved, err := a.driver.RenameFolder(ctx, args[0], args[1])
			printMapping(cmd.OutOrStdout(), moved)
			return err
		}),
	}
}

func newTransferCmd(use, short string, move bool) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   use + " <id> <target-folder>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			id, target := args[0], args[1]
			if a.driver.FileExists(ctx, id) {
				transfer := a.driver.CopyFileWithinStorage
				if move {
					transfer = a.driver.MoveFileWithinStorage
				}
				newID, err := transfer(ctx, id, target, name)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), newID)
				return nil
			}

			transfer := a.driver.CopyFolderWithinStorage
			if move {
				transfer = a.driver.MoveFolderWithinStorage
			}
			mapping, err := transfer(ctx, id, target, name)
			printMapping(cmd.OutOrStdout(), mapping)
			return err
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "new name at the target")
	return cmd
}

// printMapping prints old and new identifiers, also for partial results
func printMapping(out io.Writer, mapping map[string]string) {
	keys := make([]string, 0, len(mapping))
	for k := range mapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%s -> %s\n", k, mapping[k])
	}
}

func newPutCmd() *cobra.Command {
	var (
		name    string
		remove  bool
		replace bool
	)
	cmd := &cobra.Command{
		Use:   "put <local-file> [target-folder]",
		Short: "Upload a local file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			if replace {
				if len(args) != 2 {
					return fmt.Errorf("--replace needs the file identifier as second argument")
				}
				return a.driver.ReplaceFile(ctx, args[1], args[0])
			}
			id, err := a.driver.AddFile(ctx, args[0], folderArg(args[1:]), name, remove)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "name of the uploaded file, sanitized")
	cmd.Flags().BoolVar(&remove, "remove", false, "remove the local file after upload")
	cmd.Flags().BoolVar(&replace, "replace", false, "overwrite the existing file given as second argument")
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id> [local-file]",
		Short: "Download a file, to stdout when no local file is given",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			body, _, err := a.driver.StreamFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer body.Close()

			out := cmd.OutOrStdout()
			if len(args) == 2 && args[1] != "-" {
				f, err := os.Create(args[1])
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", args[1], err)
				}
				defer f.Close()
				out = f
			}
			_, err = io.Copy(out, body)
			return err
		}),
	}
}

func newStatCmd() *cobra.Command {
	var props []string
	cmd := &cobra.Command{
		Use:   "stat <id>",
		Short: "Print file or folder information as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			if !identifier.IsDir(args[0]) && a.driver.FileExists(ctx, args[0]) {
				info, err := a.driver.GetFileInfoByIdentifier(ctx, args[0], props...)
				if err != nil {
					return err
				}
				out := info.Subset(props...)
				out["permissions"] = a.driver.GetPermissions(ctx, args[0])
				return enc.Encode(out)
			}
			info, err := a.driver.GetFolderInfoByIdentifier(ctx, args[0])
			if err != nil {
				return err
			}
			return enc.Encode(info)
		}),
	}
	cmd.Flags().StringSliceVar(&props, "props", nil, "file properties to print")
	return cmd
}

func newURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "url <id>",
		Short: "Print the public URL of a file",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), a.driver.GetPublicURL(args[0]))
			return nil
		}),
	}
}

func newHashCmd() *cobra.Command {
	var algorithm string
	cmd := &cobra.Command{
		Use:   "hash <id>",
		Short: "Print the hash of a file according to the hash mode",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			sum, err := a.driver.Hash(cmd.Context(), args[0], algorithm)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sum)
			return nil
		}),
	}
	cmd.Flags().StringVar(&algorithm, "algorithm", "sha1", "sha1 or md5")
	return cmd
}

func newMountCmd() *cobra.Command {
	var opts mount.Options
	cmd := &cobra.Command{
		Use:   "mount <mountpoint>",
		Short: "Mount the bucket as a FUSE filesystem",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if opts.FSName == "" {
				opts.FSName = a.cfg.Bucket
			}
			return mount.Mount(ctx, args[0], a.driver, opts, a.log.WithField("component", "mount"))
		}),
	}
	cmd.Flags().BoolVar(&opts.ReadOnly, "read-only", false, "mount read only")
	cmd.Flags().BoolVar(&opts.AllowOther, "allow-other", false, "allow access by other users")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve files and metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(a.driver, a.metrics, server.Options{
				Listen:      a.cfg.Server.Listen,
				MetricsPath: a.cfg.Server.MetricsPath,
			}, a.log.WithField("component", "server"))
			return srv.Start(ctx)
		}),
	}
}
