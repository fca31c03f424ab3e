package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"eventkg/internal/graph"
	"eventkg/internal/query"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	File   string
	Params map[string]string
	List   bool
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query [name]",
		Short: "Build the graph in memory and run a named query",
		Long:  "Runs a query from the built-in catalog, or from a YAML query file with --file, against a freshly built graph.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.List {
				return runList(cmd, opts)
			}
			if len(args) == 0 {
				return fmt.Errorf("query name is required (use --list to see the available queries)")
			}
			return runQuery(cmd, opts, args[0])
		},
	}
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "YAML query file")
	cmd.Flags().StringToStringVarP(&opts.Params, "param", "p", nil, "catalog query parameter (key=value)")
	cmd.Flags().BoolVar(&opts.List, "list", false, "list available queries")
	return cmd
}

type listing struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
}

func runList(cmd *cobra.Command, opts *QueryOptions) error {
	var out []listing
	if opts.File != "" {
		set, err := query.LoadSpecs(opts.File)
		if err != nil {
			return err
		}
		for _, qs := range set.Queries {
			out = append(out, listing{Name: qs.Name, Description: qs.Description})
		}
	} else {
		for _, e := range query.Catalog() {
			out = append(out, listing{Name: e.Name, Description: e.Description, Params: e.Defaults})
		}
	}
	return newFormatter(cmd, opts.Format).listing(out)
}

func resolveQuery(opts *QueryOptions, name string) (*query.Query, error) {
	if opts.File != "" {
		set, err := query.LoadSpecs(opts.File)
		if err != nil {
			return nil, err
		}
		qs, ok := set.Find(name)
		if !ok {
			return nil, fmt.Errorf("query %q not found in %s", name, opts.File)
		}
		return qs.Build()
	}
	entry, ok := query.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown query %q", name)
	}
	for k := range opts.Params {
		if _, ok := entry.Defaults[k]; !ok {
			return nil, fmt.Errorf("query %s has no parameter %q (known: %s)", name, k, strings.Join(paramNames(entry.Defaults), ", "))
		}
	}
	return entry.Build(query.Params(opts.Params)), nil
}

func paramNames(p query.Params) []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func runQuery(cmd *cobra.Command, opts *QueryOptions, name string) error {
	q, err := resolveQuery(opts, name)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	builder, err := newBuilder(cfg, nil, false)
	if err != nil {
		return err
	}
	defer builder.Close()

	s := graph.NewStore()
	if _, err := builder.Build(cmd.Context(), s); err != nil {
		return fmt.Errorf("build graph: %w", err)
	}

	res, err := query.NewEngine(s).Run(cmd.Context(), q)
	if err != nil {
		return err
	}
	return newFormatter(cmd, opts.Format).result(res)
}
