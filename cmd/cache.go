package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/conneroisu/pagecache/internal/build"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the persistent build cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every persisted build record",
	Args:  cobra.NoArgs,
	RunE:  runCacheClear,
}

var cacheListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List persisted build records",
	Long: `List the records in the persistent cache directory.

Examples:
  pagecache cache list             # Table output
  pagecache cache list -f json     # JSON output
  pagecache cache list -f yaml     # YAML output`,
	Args: cobra.NoArgs,
	RunE: runCacheList,
}

var cacheListFormat *formatValue

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheClearCmd, cacheListCmd)

	cacheListFormat = addFormatFlag(cacheListCmd.Flags(), "table", "table", "json", "yaml")
}

func openStore(cmd *cobra.Command) (*build.DiskStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg, cmd)
	if err != nil {
		return nil, err
	}
	return build.NewDiskStore(cfg.Build.CacheDir, logger), nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	records, err := store.List()
	if err != nil {
		return err
	}
	if err := store.Clear(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d record(s) from %s\n", len(records), store.Dir())
	return nil
}

func runCacheList(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	records, err := store.List()
	if err != nil {
		return err
	}
	return writeRecords(cmd.OutOrStdout(), cacheListFormat.String(), records)
}

func writeRecords(w io.Writer, format string, records []build.RecordInfo) error {
	if records == nil {
		records = []build.RecordInfo{}
	}

	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(records)
	case "yaml":
		encoder := yaml.NewEncoder(w)
		defer encoder.Close()
		return encoder.Encode(records)
	case "table":
		return writeRecordTable(w, records)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

var headerCaser = cases.Title(language.English)

func writeRecordTable(w io.Writer, records []build.RecordInfo) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No cached records.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	headers := []string{"hash", "size", "modified"}
	for i, h := range headers {
		headers[i] = headerCaser.String(h)
	}
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Hash, formatSize(r.Size), r.ModTime.Format(time.RFC3339))
	}
	return tw.Flush()
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
