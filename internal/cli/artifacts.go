package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	editFile           string
	regenInstructions  string
	relatedDocumentsK  int
	showSectionContent bool
)

var artifactsCmd = &cobra.Command{
	Use:     "artifacts <artifact-id>",
	Aliases: []string{"artifact", "doc"},
	Short:   "Show documents and edit their sections",
	Long: `Print a generated document, or work on one of its sections.

Hand edits and section regenerations are kept when the job is regenerated.

Examples:
  minutegraph artifacts abc123
  minutegraph artifacts sections abc123
  minutegraph artifacts edit abc123 key-risks --file risks.md
  cat risks.md | minutegraph artifacts edit abc123 key-risks
  minutegraph artifacts regenerate abc123 key-risks -i "shorter, bullet points"
  minutegraph artifacts related abc123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := apiClient.GetArtifact(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("get artifact: %w", err)
		}
		if verbose {
			fmt.Fprintf(os.Stderr, "%s (%s, job %s)\n\n", a.Title, a.Type, a.JobID)
		}
		fmt.Print(a.Content)
		if !strings.HasSuffix(a.Content, "\n") {
			fmt.Println()
		}
		return nil
	},
}

var sectionsCmd = &cobra.Command{
	Use:   "sections <artifact-id>",
	Short: "List the sections of a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sections, err := apiClient.ListSections(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("list sections: %w", err)
		}
		if len(sections) == 0 {
			fmt.Println("No sections")
			return nil
		}

		for _, s := range sections {
			marker := " "
			if s.EditedAt != nil {
				marker = "*"
			}
			header := s.Header
			if s.Level == 0 {
				header = "(intro)"
			}
			fmt.Printf("%s %-30s %s%s\n", marker, truncate(s.ID, 30), strings.Repeat("  ", max(s.Level-1, 0)), header)
			if showSectionContent {
				fmt.Printf("%s\n\n", indent(strings.TrimSpace(s.Content), "    "))
			}
		}
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <artifact-id> <section-id>",
	Short: "Replace a section body",
	Long: `Replace the body of a section. The header line is kept. The new body is
read from --file, or from stdin when no file is given.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := readContent(editFile, cmd.InOrStdin())
		if err != nil {
			return err
		}
		a, err := apiClient.EditSection(context.Background(), args[0], args[1], content)
		if err != nil {
			return fmt.Errorf("edit section: %w", err)
		}
		fmt.Printf("Updated section %s of %s\n", args[1], a.ID)
		return nil
	},
}

var regenerateCmd = &cobra.Command{
	Use:   "regenerate <artifact-id> <section-id>",
	Short: "Rewrite a section with the model",
	Long: `Rewrite one section. The model sees the rest of the document as frozen
context and only the chosen section changes.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := apiClient.RegenerateSection(context.Background(), args[0], args[1], regenInstructions)
		if err != nil {
			return fmt.Errorf("regenerate section: %w", err)
		}
		for _, s := range a.Sections {
			if s.ID == args[1] {
				fmt.Println(strings.TrimSpace(s.Content))
				return nil
			}
		}
		fmt.Printf("Regenerated section %s of %s\n", args[1], a.ID)
		return nil
	},
}

var relatedDocumentsCmd = &cobra.Command{
	Use:   "related <artifact-id>",
	Short: "List documents sharing entities with this one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		links, err := apiClient.RelatedDocuments(context.Background(), args[0], relatedDocumentsK)
		if err != nil {
			return fmt.Errorf("related documents: %w", err)
		}
		if len(links) == 0 {
			fmt.Println("No related documents")
			return nil
		}
		fmt.Printf("%-7s %s\n", "SHARED", "ARTIFACT")
		for _, l := range links {
			fmt.Printf("%-7d %s\n", l.SharedEntities, l.RelatedArtifactID)
		}
		return nil
	},
}

func init() {
	sectionsCmd.Flags().BoolVarP(&showSectionContent, "content", "c", false, "print section bodies")
	editCmd.Flags().StringVarP(&editFile, "file", "f", "", "read the new body from a file")
	regenerateCmd.Flags().StringVarP(&regenInstructions, "instructions", "i", "", "guidance for the rewrite")
	relatedDocumentsCmd.Flags().IntVarP(&relatedDocumentsK, "top", "k", 10, "number of documents")

	artifactsCmd.AddCommand(sectionsCmd)
	artifactsCmd.AddCommand(editCmd)
	artifactsCmd.AddCommand(regenerateCmd)
	artifactsCmd.AddCommand(relatedDocumentsCmd)
}

func readContent(path string, stdin io.Reader) (string, error) {
	var (
		data []byte
		err  error
	)
	if path != "" {
		data, err = os.ReadFile(path)
	} else {
		if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return "", errors.New("no section body: pass --file or pipe it on stdin")
		}
		data, err = io.ReadAll(stdin)
	}
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", errors.New("empty section body")
	}
	return string(data), nil
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
