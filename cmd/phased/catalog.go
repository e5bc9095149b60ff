package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phased/internal/methodology"
	"github.com/fyrsmithlabs/phased/internal/repository"
)

func newListCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List available methodologies",
		Long: `List the methodologies in the configured manifest.

Examples:
  # List from the configured source
  phased list

  # List a local directory as JSON
  phased list --methodologies ./methodologies --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			entries := a.repo.Manifest(ctx)
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			return writeEntries(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newShowCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a methodology definition as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			m, err := a.repo.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), m)
		},
	}
}

func newSuggestCmd(flags *globalFlags) *cobra.Command {
	var (
		q      repository.Query
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "Rank methodologies for a domain, tags and complexity",
		Long: `Rank methodologies by how well they fit the query.

Each matching domain scores 10, each matching tag 5 and a matching complexity 3.
Methodologies that match nothing are not listed.

Examples:
  phased suggest --domain research --tag agile --complexity moderate
  phased suggest --domain engineering,ops --limit 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			suggestions := repository.NewSuggester(a.repo).Suggest(ctx, q)
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), suggestions)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SCORE\tID\tNAME\tMATCHED")
			for _, s := range suggestions {
				matched := append(append([]string{}, s.MatchedDomains...), s.MatchedTags...)
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Score, s.MethodologyID, s.Name, strings.Join(matched, ","))
			}
			return w.Flush()
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&q.Domains, "domain", nil, "domains to match (repeatable or comma separated)")
	f.StringSliceVar(&q.Tags, "tag", nil, "tags to match (repeatable or comma separated)")
	f.StringVar(&q.Complexity, "complexity", "", "complexity to match (simple, moderate, complex)")
	f.IntVar(&q.Limit, "limit", repository.DefaultSuggestionLimit, "maximum number of suggestions")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newValidateCmd(_ *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check methodology documents for structural errors",
		Long: `Decode and validate methodology documents without running them.

Every criterion must carry the fields its type needs and phase and task ids
must be unique. Use - to read stdin.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				data, err := readInput(cmd.InOrStdin(), path)
				if err != nil {
					return err
				}
				m, err := methodology.Parse(data)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s: invalid: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s, %d phases)\n", path, m.ID, len(m.Phases))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d documents invalid", failed, len(args))
			}
			return nil
		},
	}
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return data, nil
}

func writeEntries(out io.Writer, entries []methodology.ManifestEntry) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCOMPLEXITY\tDOMAINS\tTAGS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Name, methodology.NormalizeComplexity(e.Complexity),
			strings.Join(e.Domains, ","), strings.Join(e.Tags, ","))
	}
	return w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
