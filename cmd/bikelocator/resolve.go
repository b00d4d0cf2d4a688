package main

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fourma/bikelocator/internal/catalog"
	"github.com/fourma/bikelocator/internal/locator"
)

type resolveOutput struct {
	Query      string            `json:"query"`
	Threshold  int               `json:"threshold"`
	MatchFound bool              `json:"match_found"`
	Location   *catalog.Location `json:"location"`
}

func newResolveCmd(c *cli) *cobra.Command {
	var (
		threshold int
		fetch     bool
	)

	cmd := &cobra.Command{
		Use:   "resolve <query>",
		Short: "Resolve a place name and print the result as JSON",
		Long:  "Matches the query against the catalog. With --fetch the bike API is called too and the full find_bikes response is printed.",
		Example: `  bikelocator resolve 听5
  bikelocator resolve --threshold 90 "听海苑5号"
  bikelocator resolve --fetch 瑞幸`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")

			a, err := newApp(cmd.Context(), c.cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			enc.SetEscapeHTML(false)

			if fetch {
				ctx := locator.WithTransport(cmd.Context(), "cli")
				return enc.Encode(a.service.FindBikes(ctx, query))
			}

			if !cmd.Flags().Changed("threshold") {
				threshold = a.resolver.Threshold()
			}
			out := resolveOutput{Query: query, Threshold: threshold}
			if loc, ok := a.resolver.Resolve(query, threshold); ok {
				out.MatchFound = true
				out.Location = &loc
			}
			return enc.Encode(out)
		},
	}
	cmd.Flags().IntVar(&threshold, "threshold", 70, "minimum score (0-100) a match needs; defaults to resolver.threshold")
	cmd.Flags().BoolVar(&fetch, "fetch", false, "also query the bike API and print the find_bikes response")
	return cmd
}
