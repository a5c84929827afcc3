package main

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/mail-triage/internal/model"
)

var importFormat string

// importNamespace scopes the name-based ids given to records without one.
var importNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("mail-triage/import"))

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import email records from JSONL or YAML into the store",
	Long: `Upserts email records keyed by id. Records without an id get one derived
from their sender, subject, body and received time, so re-importing the same
file is stable. An unchanged record is a no-op; a changed subject, sender or
body resets the item to pending and clears its analysis.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path := args[0]

		format, err := detectFormat(path, importFormat)
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return eris.Wrap(err, "import: open file")
		}
		defer f.Close() //nolint:errcheck

		items, err := readItems(f, format)
		if err != nil {
			return eris.Wrapf(err, "import %s", path)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		written, err := st.UpsertItems(ctx, items)
		if err != nil {
			return eris.Wrap(err, "import: upsert items")
		}

		zap.L().Info("import complete",
			zap.String("file", path),
			zap.Int("read", len(items)),
			zap.Int("written", written),
			zap.Int("unchanged", len(items)-written),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFormat, "format", "", "jsonl or yaml (default: from file extension)")
	rootCmd.AddCommand(importCmd)
}

func detectFormat(path, override string) (string, error) {
	format := strings.ToLower(override)
	if format == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".jsonl", ".ndjson", ".json":
			format = "jsonl"
		case ".yaml", ".yml":
			format = "yaml"
		}
	}
	switch format {
	case "jsonl", "yaml":
		return format, nil
	case "":
		return "", eris.Errorf("import: cannot infer format of %s, pass --format", path)
	default:
		return "", eris.Errorf("import: unsupported format %q", format)
	}
}

// readItems decodes records, assigns missing ids and keeps the last record
// for a repeated id.
func readItems(r io.Reader, format string) ([]model.Item, error) {
	var (
		items []model.Item
		err   error
	)
	switch format {
	case "jsonl":
		items, err = readJSONL(r)
	case "yaml":
		err = yaml.NewDecoder(r).Decode(&items)
		if err == io.EOF {
			err = nil
		}
		err = eris.Wrap(err, "decode yaml")
	default:
		return nil, eris.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(items))
	out := items[:0]
	for _, it := range items {
		it.ID = strings.TrimSpace(it.ID)
		if it.ID == "" {
			it.ID = derivedID(&it)
		}
		if i, ok := index[it.ID]; ok {
			out[i] = it
			continue
		}
		index[it.ID] = len(out)
		out = append(out, it)
	}
	return out, nil
}

// derivedID is a stable id for a record imported without one.
func derivedID(it *model.Item) string {
	name := it.ContentHash() + "|" + it.ReceivedAt.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(importNamespace, []byte(name)).String()
}

func readJSONL(r io.Reader) ([]model.Item, error) {
	var items []model.Item
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var it model.Item
		if err := json.Unmarshal([]byte(raw), &it); err != nil {
			return nil, eris.Wrapf(err, "line %d", line)
		}
		items = append(items, it)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "read jsonl")
	}
	return items, nil
}
