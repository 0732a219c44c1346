package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/perbu/tutorrag/pkg/loader"
	"github.com/spf13/cobra"
)

var flagIngestDifficulty string

var ingestCmd = &cobra.Command{
	Use:   "ingest <dir>",
	Short: "Extract, chunk, embed and store every .md, .txt and .pdf file under dir",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Stop between chunks on interrupt; stored chunks are kept.
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		fmt.Println("Step 1: Loading documents...")
		docs, err := loader.LoadDocuments(os.DirFS(args[0]), ".")
		if err != nil {
			return fmt.Errorf("loading documents: %w", err)
		}
		fmt.Printf("  ✓ Loaded %d documents\n\n", len(docs))

		paths := make([]string, 0, len(docs))
		for p := range docs {
			paths = append(paths, p)
		}
		sort.Strings(paths)

		fmt.Printf("Step 2: Embedding with %s...\n", a.embedder.ModelInfo())
		start := time.Now()
		var chunks, tokens int
		for i, path := range paths {
			meta := map[string]string{"source_path": path}
			if flagIngestDifficulty != "" {
				meta["difficulty_level"] = flagIngestDifficulty
			}
			report, err := a.pipeline.Process(ctx, path, docs[path], meta)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			chunks += report.TotalChunks
			tokens += report.TotalTokens
			fmt.Printf("  [%d/%d] %s: %d chunks, %s\n", i+1, len(paths), path, report.TotalChunks, report.Class.ContentType)
		}

		fmt.Printf("\nDone in %s: %d chunks, %d tokens\n", time.Since(start).Round(time.Millisecond), chunks, tokens)
		if a.usage != nil {
			u := a.usage.Usage()
			fmt.Printf("Embedding usage: %d requests, %d tokens, $%.4f\n", u.TotalRequests, u.TotalTokens, u.TotalCost)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&flagIngestDifficulty, "difficulty", "", "override the detected difficulty level")
	rootCmd.AddCommand(ingestCmd)
}
