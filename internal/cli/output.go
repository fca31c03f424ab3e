package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"eventkg/internal/pipeline"
	"eventkg/internal/query"
	"eventkg/pkg/models"
)

// formatter renders command results as text tables or JSON.
type formatter struct {
	format string
	w      io.Writer
}

func newFormatter(cmd *cobra.Command, format string) *formatter {
	return &formatter{format: format, w: cmd.OutOrStdout()}
}

func (f *formatter) writeJSON(v any) error {
	enc := json.NewEncoder(f.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (f *formatter) buildReport(rep *pipeline.Report) error {
	if f.format == "json" {
		return f.writeJSON(rep)
	}
	fmt.Fprintf(f.w, "build %s: loaded=%d rejected=%d tagged=%d nodes=%d edges=%d exported=%d duration=%s\n",
		rep.BuildID, rep.Loaded, sumCounts(rep.Rejected), rep.Tagged,
		rep.Stats.Nodes, rep.Stats.Edges, rep.Exported, rep.Duration)
	for _, reason := range sortedKeys(rep.Rejected) {
		fmt.Fprintf(f.w, "  rejected %s: %d\n", reason, rep.Rejected[reason])
	}

	tw := tabwriter.NewWriter(f.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tNODES\tEDGES\tEXISTING\tSKIPS\tDURATION")
	for _, sr := range rep.Stages {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\n",
			sr.Stage, sr.NodesCreated, sr.EdgesCreated, sr.Existing, formatCounts(sr.Skips), sr.Duration)
	}
	return tw.Flush()
}

func (f *formatter) listing(entries []listing) error {
	if f.format == "json" {
		return f.writeJSON(entries)
	}
	tw := tabwriter.NewWriter(f.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPARAMS\tDESCRIPTION")
	for _, e := range entries {
		params := make([]string, 0, len(e.Params))
		for _, k := range sortedKeys(e.Params) {
			params = append(params, k+"="+e.Params[k])
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Name, strings.Join(params, " "), e.Description)
	}
	return tw.Flush()
}

func (f *formatter) result(res *query.Result) error {
	if f.format == "json" {
		return f.writeJSON(res.Records())
	}
	tw := tabwriter.NewWriter(f.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(res.Columns, "\t")))
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = models.FormatValue(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(f.w, "(%d rows)\n", res.Len())
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sumCounts(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}

func formatCounts(m map[string]int) string {
	if len(m) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(m))
	for _, k := range sortedKeys(m) {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return strings.Join(parts, ",")
}
