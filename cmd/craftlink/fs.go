package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chronologos/craftlink/internal/remotefs"
)

// fsCmd groups one-shot filesystem operations. Each opens a connection,
// waits for the emulator's capabilities, performs one operation and
// closes the connection again.
func fsCmd(a *app) *cobra.Command {
	var (
		t   target
		win uint8
	)
	cmd := &cobra.Command{
		Use:   "fs",
		Short: "Inspect and change an emulator's filesystem",
	}
	t.addFlags(cmd, true)
	cmd.PersistentFlags().Uint8Var(&win, "window", 0, "address the computer behind this window")

	// with runs fn against the selected emulator.
	with := func(cmd *cobra.Command, fn func(ctx context.Context, f *remotefs.FS) error) error {
		ctx := cmd.Context()
		vw := newVersionWaiter()
		conn, err := a.connect(ctx, &t, vw.observe)
		if err != nil {
			return err
		}
		defer shutdown(conn)
		if err := vw.wait(ctx, conn); err != nil {
			return err
		}
		return fn(ctx, remotefs.New(conn).ForWindow(win))
	}

	var binary bool
	cat := &cobra.Command{
		Use:   "cat <path>",
		Short: "Print a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(ctx context.Context, f *remotefs.FS) error {
				data, err := f.ReadFile(ctx, args[0], binary)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
	cat.Flags().BoolVar(&binary, "binary", false, "read without newline translation")

	var appendMode, text bool
	put := &cobra.Command{
		Use:   "put <local> <remote>",
		Short: "Upload a file or directory tree",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, remote := args[0], args[1]
			if strings.HasSuffix(remote, "/") {
				remote = remoteName(local, remote)
			}
			info, err := os.Stat(local)
			if err != nil {
				return err
			}
			return with(cmd, func(ctx context.Context, f *remotefs.FS) error {
				if info.IsDir() {
					n, err := f.Upload(ctx, os.DirFS(local), ".", remote)
					fmt.Fprintf(cmd.OutOrStdout(), "uploaded %d files\n", n)
					return err
				}
				data, err := os.ReadFile(local)
				if err != nil {
					return err
				}
				return f.WriteFile(ctx, remote, data, remotefs.WriteOptions{Append: appendMode, Binary: !text})
			})
		},
	}
	put.Flags().BoolVar(&appendMode, "append", false, "append instead of replacing")
	put.Flags().BoolVar(&text, "text", false, "let the emulator translate newlines")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "ls [path]",
			Short: "List a directory",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				dir := "/"
				if len(args) == 1 {
					dir = args[0]
				}
				return with(cmd, func(ctx context.Context, f *remotefs.FS) error {
					entries, err := f.ReadDir(ctx, dir)
					if err != nil {
						return err
					}
					printEntries(cmd.OutOrStdout(), entries)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "stat <path>",
			Short: "Show a path's attributes",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return with(cmd, func(ctx context.Context, f *remotefs.FS) error {
					attr, err := f.Stat(ctx, args[0])
					if err != nil {
						return err
					}
					w := cmd.OutOrStdout()
					fmt.Fprintf(w, "path:     %s\n", args[0])
					fmt.Fprintf(w, "size:     %d\n", attr.Size)
					fmt.Fprintf(w, "dir:      %t\n", attr.IsDir)
					fmt.Fprintf(w, "readonly: %t\n", attr.IsReadOnly)
					fmt.Fprintf(w, "created:  %s\n", formatMillis(attr.Created))
					fmt.Fprintf(w, "modified: %s\n", formatMillis(attr.Modified))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "df [path]",
			Short: "Show the drive, capacity and free space for a path",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				p := "/"
				if len(args) == 1 {
					p = args[0]
				}
				return with(cmd, func(ctx context.Context, f *remotefs.FS) error {
					drive, err := f.Drive(ctx, p)
					if err != nil {
						return err
					}
					capacity, err := f.Capacity(ctx, p)
					if err != nil {
						return err
					}
					free, err := f.FreeSpace(ctx, p)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%d\n", drive, capacity, free)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "find <pattern>",
			Short: "List paths matching a wildcard pattern",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return with(cmd, func(ctx context.Context, f *remotefs.FS) error {
					paths, err := f.Find(ctx, args[0])
					for _, p := range paths {
						fmt.Fprintln(cmd.OutOrStdout(), p)
					}
					return err
				})
			},
		},
		cat,
		put,
		pathCmd(with, "mkdir <path>", "Create a directory", func(ctx context.Context, f *remotefs.FS, p string) error {
			return f.MakeDir(ctx, p)
		}),
		pathCmd(with, "rm <path>", "Delete a file or directory", func(ctx context.Context, f *remotefs.FS, p string) error {
			return f.Delete(ctx, p)
		}),
		pairCmd(with, "cp <from> <to>", "Copy a file", func(ctx context.Context, f *remotefs.FS, from, to string) error {
			return f.Copy(ctx, from, to)
		}),
		pairCmd(with, "mv <from> <to>", "Move a file", func(ctx context.Context, f *remotefs.FS, from, to string) error {
			return f.Move(ctx, from, to)
		}),
	)
	return cmd
}

type fsRunner func(cmd *cobra.Command, fn func(ctx context.Context, f *remotefs.FS) error) error

func pathCmd(with fsRunner, use, short string, op func(context.Context, *remotefs.FS, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(ctx context.Context, f *remotefs.FS) error {
				return op(ctx, f, args[0])
			})
		},
	}
}

func pairCmd(with fsRunner, use, short string, op func(context.Context, *remotefs.FS, string, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(ctx context.Context, f *remotefs.FS) error {
				return op(ctx, f, args[0], args[1])
			})
		},
	}
}

func printEntries(w io.Writer, entries []remotefs.Entry) {
	for _, e := range entries {
		name := e.Name
		if e.IsDir {
			name += "/"
		}
		fmt.Fprintln(w, name)
	}
}

// formatMillis renders an emulator timestamp, milliseconds since the epoch.
func formatMillis(ms uint64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(int64(ms)).UTC().Format(time.RFC3339)
}

// remoteName is where a local file lands when put into a remote directory.
func remoteName(local, remoteDir string) string {
	return path.Join(remoteDir, filepath.Base(local))
}
