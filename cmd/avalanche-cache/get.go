package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/i474232898/avalanche-data-cache/internal/query"
	"github.com/i474232898/avalanche-data-cache/internal/store"
)

func newGetCmd() *cobra.Command {
	var host string

	cmd := &cobra.Command{
		Use:   "get <source> [name=value...]",
		Short: "Fetch one source through the cache and print it as JSON",
		Example: "  avalanche-cache get map-layer\n" +
			"  avalanche-cache get forecast center_id=NWAC zone_id=1645 date=2024-01-15",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := parseParams(args[1:])
			if err != nil {
				return err
			}

			st, err := newStack(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if host == "" {
				host = st.cfg.Host()
			}

			q, err := st.catalog.Query(query.Source(args[0]), host, raw)
			if err != nil {
				return err
			}

			start := time.Now()
			view, err := st.store.Read(cmd.Context(), q, store.ReadOptions{})
			if err != nil {
				return err
			}
			st.log.Debug().Str("key", string(view.Key)).Dur("duration", time.Since(start)).Msg("fetched")

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(view.Value)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "upstream host (defaults to the configured NAC host)")
	return cmd
}

func parseParams(args []string) (map[string]string, error) {
	raw := make(map[string]string, len(args))
	for _, a := range args {
		name, value, ok := strings.Cut(a, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("parameter %q is not name=value", a)
		}
		raw[name] = value
	}
	return raw, nil
}
