package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sheet-vault/internal/diff"
	"github.com/sheet-vault/internal/versioning"
)

var (
	uploadProject string
	commitSummary string
	downloadOut   string
	diffCritical  []string
	diffUnified   bool
	diffJSON      bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a spreadsheet as a new document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			doc, err := a.versions.Upload(ctx, versioning.UploadRequest{
				Filename:  filepath.Base(args[0]),
				Data:      data,
				ProjectID: uploadProject,
				Actor:     actorName,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tv%d\t%d rows\n", doc.ID, doc.Filename, doc.CurrentVersion, doc.RowCount)
			return nil
		})
	},
}

var commitCmd = &cobra.Command{
	Use:   "commit <document-id> <file>",
	Short: "Record a file as the next version of a document, under its lock",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.versions.CreateVersionLocked(ctx, versioning.CreateVersionRequest{
				DocumentID: args[0],
				Data:       data,
				Actor:      actorName,
				Summary:    commitSummary,
				Filename:   filepath.Base(args[1]),
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created version %d: +%d ~%d -%d rows, %d cell changes\n",
				res.Version.Number, res.RowsAdded, res.RowsModified, res.RowsDeleted, len(res.Changes))
			fmt.Fprintln(out, res.Version.ChangeSummary)
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <document-id>",
	Short: "List the versions of a document, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			versions, err := a.versions.GetVersionHistory(ctx, args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tCREATED\tBY\tROWS\t+/~/-\tSUMMARY")
			for _, v := range versions {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d/%d/%d\t%s\n",
					v.Number, v.CreatedAt.Format("2006-01-02 15:04:05"), v.CreatedBy, v.RowCount,
					v.RowsAdded, v.RowsModified, v.RowsDeleted, v.ChangeSummary)
			}
			return w.Flush()
		})
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <document-id> <version>",
	Short: "Write the exact bytes of a version to a file or stdout",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := parseVersion(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			data, err := a.versions.DownloadVersion(ctx, args[0], n)
			if err != nil {
				return err
			}
			if downloadOut == "" || downloadOut == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(downloadOut, data, 0o644)
		})
	},
}

var diffCmd = &cobra.Command{
	Use:   "diff <document-id> <v1> <v2>",
	Short: "Show the cell-level changes between two versions",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		v1, err := parseVersion(args[1])
		if err != nil {
			return err
		}
		v2, err := parseVersion(args[2])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			out := cmd.OutOrStdout()
			if diffUnified {
				text, err := a.versions.GetTextDiff(ctx, args[0], v1, v2)
				if err != nil {
					return err
				}
				_, err = io.WriteString(out, text.UnifiedDiff)
				return err
			}

			var critical []string
			if cmd.Flags().Changed("critical") {
				critical = diffCritical
			}
			res, err := a.versions.GetDiff(ctx, args[0], v1, v2, critical)
			if err != nil {
				return err
			}
			if diffJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			return printDiff(out, res)
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <document-id> <version>",
	Short: "Record an earlier version as the newest one",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := parseVersion(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.versions.Restore(ctx, args[0], n, actorName)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored version %d as version %d\n", n, res.Version.Number)
			return nil
		})
	},
}

func parseVersion(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(s, "v"))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid version %q", s)
	}
	return n, nil
}

func printDiff(w io.Writer, res *diff.Result) error {
	critical := make(map[string]struct{}, len(res.CriticalChanges))
	for _, c := range res.CriticalChanges {
		critical[c.Column] = struct{}{}
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "rows: +%d ~%d -%d\n", res.RowsAdded, res.RowsModified, res.RowsDeleted)
	for _, c := range res.AllChanges {
		mark := " "
		if _, ok := critical[c.Column]; ok {
			mark = "!"
		}
		fmt.Fprintf(tw, "%s\t%s\trow %d\t%s\t%q -> %q\t%s\n", mark, c.Sheet, c.Row, c.Column, c.Old.String(), c.New.String(), c.Type)
	}
	return tw.Flush()
}

func init() {
	uploadCmd.Flags().StringVar(&uploadProject, "project", "default", "Project the document belongs to")
	commitCmd.Flags().StringVarP(&commitSummary, "summary", "m", "", "Change summary; generated from the diff when empty")
	downloadCmd.Flags().StringVarP(&downloadOut, "output", "o", "", "Output file (stdout when empty)")
	diffCmd.Flags().StringSliceVar(&diffCritical, "critical", nil, "Critical columns, overriding the configured ones")
	diffCmd.Flags().BoolVar(&diffUnified, "unified", false, "Show a unified text diff of the CSV renderings")
	diffCmd.Flags().BoolVar(&diffJSON, "json", false, "Print the diff result as JSON")

	rootCmd.AddCommand(uploadCmd, commitCmd, historyCmd, downloadCmd, diffCmd, restoreCmd)
}
