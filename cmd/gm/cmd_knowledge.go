package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gmkit/internal/knowledge"
)

var (
	ingestTitle    string
	ingestKind     string
	ingestRuleset  string
	ingestGuidance bool
)

// knowledgeCmd groups rulebook/lore index commands
var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Manage the rulebook/lore index",
}

var knowledgeIngestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Ingest a text, markdown or HTML document",
	Long: `Splits a document into chunks, embeds them, and adds them to the
knowledge index. Use --guidance for GM-facing advice material; everything
else lands in the game collection.

Example:
  gm knowledge ingest srd.md --kind rules --ruleset 5e`,
	Args: cobra.ExactArgs(1),
	RunE: knowledgeIngest,
}

var knowledgeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingested documents",
	RunE:  knowledgeList,
}

var knowledgeActivateCmd = &cobra.Command{
	Use:   "activate [doc-id]",
	Short: "Put a document back into retrieval",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setDocActive(args[0], true) },
}

var knowledgeDeactivateCmd = &cobra.Command{
	Use:   "deactivate [doc-id]",
	Short: "Remove a document from retrieval without deleting it",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setDocActive(args[0], false) },
}

var knowledgeDeleteCmd = &cobra.Command{
	Use:   "delete [doc-id]",
	Short: "Delete a document and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE:  knowledgeDelete,
}

func init() {
	knowledgeIngestCmd.Flags().StringVar(&ingestTitle, "title", "", "Document title (default: file name)")
	knowledgeIngestCmd.Flags().StringVar(&ingestKind, "kind", "", "Chunk kind: rules, lore, gm_advice, monsters, ...")
	knowledgeIngestCmd.Flags().StringVar(&ingestRuleset, "ruleset", "", "Game system tag, e.g. 5e")
	knowledgeIngestCmd.Flags().BoolVar(&ingestGuidance, "guidance", false, "Ingest into the GM guidance collection")

	knowledgeCmd.AddCommand(knowledgeIngestCmd)
	knowledgeCmd.AddCommand(knowledgeListCmd)
	knowledgeCmd.AddCommand(knowledgeActivateCmd)
	knowledgeCmd.AddCommand(knowledgeDeactivateCmd)
	knowledgeCmd.AddCommand(knowledgeDeleteCmd)
}

// knowledgeApp opens the app and fails early when the knowledge layer is
// disabled in config.
func knowledgeApp() (*app, error) {
	a, err := newApp(cfgPath, false)
	if err != nil {
		return nil, err
	}
	if a.game == nil {
		a.Close()
		return nil, fmt.Errorf("knowledge is disabled; enable it in %s first", cfgPath)
	}
	return a, nil
}

// ingestTarget picks the collection the command writes to.
func ingestTarget(a *app) (*knowledge.SQLiteStore, error) {
	if !ingestGuidance {
		return a.game, nil
	}
	if a.guidance == nil {
		return nil, fmt.Errorf("split collections are disabled; --guidance needs knowledge.split_collections")
	}
	return a.guidance, nil
}

func knowledgeIngest(cmd *cobra.Command, args []string) error {
	a, err := knowledgeApp()
	if err != nil {
		return err
	}
	defer a.Close()

	target, err := ingestTarget(a)
	if err != nil {
		return err
	}

	content, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	kind := ingestKind
	if ingestGuidance && kind == "" {
		kind = "gm_advice"
	}

	doc, err := target.IngestText(context.Background(), args[0], string(content), knowledge.IngestOptions{
		Title:         ingestTitle,
		Kind:          kind,
		Ruleset:       ingestRuleset,
		ChunkMaxChars: a.cfg.Knowledge.ChunkMaxChars,
		ChunkOverlap:  a.cfg.Knowledge.ChunkOverlap,
	})
	if err != nil {
		return fmt.Errorf("failed to ingest: %w", err)
	}

	logger.Info("Document ingested",
		zap.String("doc", doc.ID),
		zap.Int("chunks", doc.Chunks))
	fmt.Printf("Ingested %q as %s (%d chunks, kind=%s)\n", doc.Title, doc.ID, doc.Chunks, doc.Kind)
	return nil
}

func knowledgeList(cmd *cobra.Command, args []string) error {
	a, err := knowledgeApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	collections := []struct {
		name  string
		store *knowledge.SQLiteStore
	}{
		{"game", a.game},
		{"guidance", a.guidance},
	}
	for _, col := range collections {
		if col.store == nil {
			continue
		}
		docs, err := col.store.ListDocuments(ctx)
		if err != nil {
			return err
		}
		for _, d := range docs {
			status := "active"
			if !d.Active {
				status = "inactive"
			}
			fmt.Printf("%s\t%s\t%s\t%s\t%d chunks\t%s\n", d.ID, col.name, d.Kind, status, d.Chunks, d.Title)
		}
	}
	return nil
}

func setDocActive(docID string, active bool) error {
	a, err := knowledgeApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	err = a.game.SetDocumentActive(ctx, docID, active)
	if err != nil && a.guidance != nil {
		err = a.guidance.SetDocumentActive(ctx, docID, active)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Document %s active=%v\n", docID, active)
	return nil
}

func knowledgeDelete(cmd *cobra.Command, args []string) error {
	a, err := knowledgeApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	err = a.game.DeleteDocument(ctx, args[0])
	if err != nil && a.guidance != nil {
		err = a.guidance.DeleteDocument(ctx, args[0])
	}
	if err != nil {
		return err
	}
	fmt.Printf("Deleted document %s\n", args[0])
	return nil
}
