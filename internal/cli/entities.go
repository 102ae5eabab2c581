package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/minutegraph/internal/client"
	"github.com/raphaelgruber/minutegraph/internal/models"
)

var (
	entitiesType   string
	entitiesStatus string
	entitiesLimit  int
	relatedK       int
	mergeRename    string
)

var entitiesCmd = &cobra.Command{
	Use:     "entities [entity-id]",
	Aliases: []string{"entity"},
	Short:   "List, review and merge entities",
	Long: `List the entities of the current mode or show one entity by ID.

Examples:
  minutegraph entities --status pending
  minutegraph entities --type company
  minutegraph entities <entity-id>
  minutegraph entities approve <entity-id>
  minutegraph entities merge <source-id> <target-id> --rename "Acme Robotics"
  minutegraph entities related <entity-id> -k 5
  minutegraph entities opportunity pilot`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEntities,
}

var entitiesApproveCmd = &cobra.Command{
	Use:   "approve <entity-id>",
	Short: "Approve an entity and show likely duplicates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, suggestions, err := apiClient.Approve(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("approve: %w", err)
		}
		fmt.Printf("Approved %s (%s)\n", e.CanonicalName, e.ID)
		printSuggestions(suggestions)
		return nil
	},
}

var entitiesRejectCmd = &cobra.Command{
	Use:   "reject <entity-id>",
	Short: "Reject an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := apiClient.Reject(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("reject: %w", err)
		}
		fmt.Printf("Rejected %s (%s)\n", e.CanonicalName, e.ID)
		return nil
	},
}

var entitiesMergeCmd = &cobra.Command{
	Use:   "merge <source-id> <target-id>",
	Short: "Fold the source entity into the target",
	Long: `Merge moves the source's appearances and co-occurrences onto the target,
unions names and metadata, and marks the source as merged. Running the same
merge again is a no-op.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rename *string
		if cmd.Flags().Changed("rename") {
			rename = &mergeRename
		}
		e, err := apiClient.Merge(context.Background(), args[0], args[1], rename)
		if err != nil {
			return fmt.Errorf("merge: %w", err)
		}
		fmt.Printf("Merged %s into %s (%s)\n", args[0], e.CanonicalName, e.ID)
		if len(e.Aliases) > 0 {
			fmt.Printf("  Aliases: %s\n", strings.Join(e.Aliases, ", "))
		}
		fmt.Printf("  Appearances: %d\n", e.AppearanceCount)
		return nil
	},
}

var entitiesRelatedCmd = &cobra.Command{
	Use:   "related <entity-id>",
	Short: "Show the entities seen most often alongside this one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		related, err := apiClient.Related(context.Background(), args[0], relatedK)
		if err != nil {
			return fmt.Errorf("related: %w", err)
		}
		if len(related) == 0 {
			fmt.Println("No related entities")
			return nil
		}
		fmt.Printf("%-6s %-30s %s\n", "COUNT", "NAME", "TYPE")
		for _, r := range related {
			fmt.Printf("%-6d %-30s %s\n", r.Count, truncate(r.Entity.CanonicalName, 30), r.Entity.Type)
		}
		return nil
	},
}

var entitiesSuggestCmd = &cobra.Command{
	Use:   "suggest <entity-id>",
	Short: "Show likely duplicates of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		suggestions, err := apiClient.Suggestions(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("suggestions: %w", err)
		}
		printSuggestions(suggestions)
		return nil
	},
}

var entitiesOpportunityCmd = &cobra.Command{
	Use:   "opportunity <tag>",
	Short: "List entities filed under an opportunity tag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entities, err := apiClient.Opportunity(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("opportunity: %w", err)
		}
		printEntities(entities)
		return nil
	},
}

var entitiesRebuildCmd = &cobra.Command{
	Use:       "rebuild <opportunities|backlinks>",
	Short:     "Recompute a derived index",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"opportunities", "backlinks"},
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := apiClient.Rebuild(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("rebuild %s: %w", args[0], err)
		}
		fmt.Printf("Rebuilt %s: %d entries\n", args[0], n)
		return nil
	},
}

func init() {
	entitiesCmd.Flags().StringVarP(&entitiesType, "type", "t", "", "filter by entity type")
	entitiesCmd.Flags().StringVarP(&entitiesStatus, "status", "s", "", "filter by review status")
	entitiesCmd.Flags().IntVarP(&entitiesLimit, "limit", "n", 50, "max results")
	entitiesRelatedCmd.Flags().IntVarP(&relatedK, "top", "k", 10, "number of related entities")
	entitiesMergeCmd.Flags().StringVar(&mergeRename, "rename", "", "new canonical name for the target")

	entitiesCmd.AddCommand(entitiesApproveCmd)
	entitiesCmd.AddCommand(entitiesRejectCmd)
	entitiesCmd.AddCommand(entitiesMergeCmd)
	entitiesCmd.AddCommand(entitiesRelatedCmd)
	entitiesCmd.AddCommand(entitiesSuggestCmd)
	entitiesCmd.AddCommand(entitiesOpportunityCmd)
	entitiesCmd.AddCommand(entitiesRebuildCmd)
}

func runEntities(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if len(args) == 1 {
		return showEntity(ctx, args[0])
	}

	entities, err := apiClient.ListEntities(ctx, client.ListEntitiesOptions{
		Type:         entitiesType,
		ReviewStatus: entitiesStatus,
		Limit:        entitiesLimit,
	})
	if err != nil {
		return fmt.Errorf("list entities: %w", err)
	}
	printEntities(entities)
	return nil
}

func showEntity(ctx context.Context, id string) error {
	e, err := apiClient.GetEntity(ctx, id)
	if err != nil {
		return fmt.Errorf("get entity: %w", err)
	}

	fmt.Printf("%s\n", e.CanonicalName)
	fmt.Printf("  ID: %s\n", e.ID)
	fmt.Printf("  Type: %s\n", e.Type)
	fmt.Printf("  Review: %s\n", e.ReviewStatus)
	if e.MergedIntoID != nil {
		fmt.Printf("  Merged into: %s\n", *e.MergedIntoID)
	}
	if len(e.Aliases) > 0 {
		fmt.Printf("  Aliases: %s\n", strings.Join(e.Aliases, ", "))
	}
	fmt.Printf("  Appearances: %d\n", e.AppearanceCount)

	m := e.Metadata
	if m.Description != "" {
		fmt.Printf("\n%s\n", m.Description)
	}
	if m.URL != "" {
		fmt.Printf("  URL: %s\n", m.URL)
	}
	if m.Twitter != "" {
		fmt.Printf("  Twitter: %s\n", m.Twitter)
	}
	if len(m.Opportunities) > 0 {
		fmt.Printf("  Opportunities: %s\n", strings.Join(m.Opportunities, ", "))
	}
	return nil
}

func printEntities(entities []models.Entity) {
	if len(entities) == 0 {
		fmt.Println("No entities found")
		return
	}

	fmt.Printf("%-36s %-30s %-12s %-9s %s\n", "ID", "NAME", "TYPE", "REVIEW", "SEEN")
	fmt.Println("------------------------------------------------------------------------------------------------------")
	for _, e := range entities {
		fmt.Printf("%-36s %-30s %-12s %-9s %d\n",
			e.ID, truncate(e.CanonicalName, 30), e.Type, e.ReviewStatus, e.AppearanceCount)
	}
	if verbose {
		fmt.Printf("\n%d entities\n", len(entities))
	}
}

func printSuggestions(suggestions []client.Suggestion) {
	if len(suggestions) == 0 {
		fmt.Println("No likely duplicates")
		return
	}
	fmt.Println("Possible duplicates:")
	for _, s := range suggestions {
		fmt.Printf("  %3.0f%%  %s (%s)\n", s.Similarity*100, s.Entity.CanonicalName, s.Entity.ID)
	}
}

// truncate shortens s to max runes with an ellipsis.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
