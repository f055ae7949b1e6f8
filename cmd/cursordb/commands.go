package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/myuser/cursordb/internal/iterator"
	"github.com/myuser/cursordb/internal/keyrange"
	"github.com/myuser/cursordb/internal/scan"
	"github.com/myuser/cursordb/internal/schema"
	"github.com/myuser/cursordb/internal/solver"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newQueryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "query SQL...",
		Short: "Run SQL statements and print the rows as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDB()
			if err != nil {
				return err
			}
			defer d.Close()
			for _, q := range args {
				rows, err := d.Query(cmd.Context(), q)
				if err != nil {
					return err
				}
				if err := printJSON(rows); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newLoadCommand() *cobra.Command {
	var store string
	cmd := &cobra.Command{
		Use:   "load FILE",
		Short: "Put the JSON array of records in FILE into a store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Trace(err)
			}
			var recs []schema.Record
			if err := json.Unmarshal(data, &recs); err != nil {
				return errors.Annotatef(err, "decode %s", args[0])
			}
			d, err := openDB()
			if err != nil {
				return err
			}
			defer d.Close()
			pks, err := d.Put(cmd.Context(), store, recs...)
			if err != nil {
				return err
			}
			fmt.Printf("loaded %d records into %s\n", len(pks), store)
			return nil
		},
	}
	cmd.Flags().StringVarP(&store, "store", "s", "", "target store")
	cmd.MarkFlagRequired("store")
	return cmd
}

// parseTerm reads index=value or index^=prefix. Values that parse as JSON
// numbers become numbers.
func parseTerm(term string) (string, *keyrange.KeyRange, error) {
	prefix := false
	i := strings.Index(term, "=")
	if i <= 0 {
		return "", nil, errors.Errorf("term %q is not index=value", term)
	}
	name, raw := term[:i], term[i+1:]
	if strings.HasSuffix(name, "^") {
		prefix, name = true, strings.TrimSuffix(name, "^")
	}
	var v any = raw
	var n float64
	if err := json.Unmarshal([]byte(raw), &n); err == nil {
		v = n
	}
	if prefix {
		kr, err := keyrange.StartsWith(v)
		return name, kr, err
	}
	kr, err := keyrange.Only(v)
	return name, kr, err
}

func newScanCommand() *cobra.Command {
	var (
		store      string
		terms      []string
		solverName string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Intersect index ranges with a join solver and print the matching records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(terms) == 0 {
				return errors.New("at least one --where term is required")
			}
			its := make([]*iterator.Iterator, len(terms))
			for i, term := range terms {
				index, kr, err := parseTerm(term)
				if err != nil {
					return err
				}
				if i == 0 {
					its[i], err = iterator.NewIndexValues(store, index, kr)
				} else {
					its[i], err = iterator.NewIndexKeys(store, index, kr)
				}
				if err != nil {
					return err
				}
			}
			d, err := openDB()
			if err != nil {
				return err
			}
			defer d.Close()

			var s solver.Solver
			if solverName != "" {
				if s, err = solver.ByName(solverName); err != nil {
					return err
				}
			}
			res, err := d.Scan(cmd.Context(), its, s, scan.WithLimit(limit))
			if err != nil {
				return err
			}
			out := make([]any, len(res.Matches))
			for i, m := range res.Matches {
				out[i] = m.Values[0]
			}
			if err := printJSON(out); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "%d matches in %d rounds\n", len(res.Matches), res.Count)
			return nil
		},
	}
	cmd.Flags().StringVarP(&store, "store", "s", "", "store to scan")
	cmd.Flags().StringArrayVarP(&terms, "where", "w", nil, "index=value or index^=prefix, repeatable")
	cmd.Flags().StringVar(&solverName, "solver", "", fmt.Sprintf("one of %v, default from config", solver.Names()))
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many matches")
	cmd.MarkFlagRequired("store")
	return cmd
}
