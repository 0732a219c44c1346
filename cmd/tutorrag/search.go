package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/perbu/tutorrag/pkg/config"
	"github.com/perbu/tutorrag/pkg/rag"
	"github.com/spf13/cobra"
)

var (
	flagTop       int
	flagThreshold float64
	flagFull      bool
	flagContext   int
	flagType      string
	flagKeywords  []string
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		query := strings.Join(args, " ")

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		opts := searchOptions(cmd, a.cfg.Search)

		var results []rag.SearchResult
		if len(flagKeywords) > 0 {
			hybrid, err := a.engine.HybridSearch(ctx, query, flagKeywords, rag.HybridOptions{SearchOptions: opts})
			if err != nil {
				return err
			}
			for _, h := range hybrid {
				results = append(results, h.SearchResult)
			}
		} else {
			results, err = a.engine.Search(ctx, query, opts)
			if err != nil {
				return err
			}
		}

		if len(results) == 0 {
			fmt.Println("No results found")
			return nil
		}

		fmt.Printf("Found %d results:\n\n", len(results))
		for i, result := range results {
			doc := result.Document
			fmt.Printf("Score: %.2f | %s #%d", result.Score, doc.FileID, doc.ChunkIndex)
			if doc.Topic != "" {
				fmt.Printf(" [%s]", doc.Topic)
			}
			fmt.Println()

			if !flagFull && flagContext == 0 {
				continue
			}
			fmt.Println()

			if flagContext > 0 {
				surrounding, err := surroundingChunks(ctx, a.store, doc, flagContext)
				if err != nil {
					return err
				}
				for j, chunk := range surrounding {
					if chunk.ID == doc.ID {
						fmt.Printf(">>> MATCHED CHUNK <<<\n")
					}
					fmt.Printf("%s\n", chunk.Content)
					if j < len(surrounding)-1 {
						fmt.Println()
					}
				}
			} else {
				fmt.Printf("%s\n", doc.Content)
			}

			if i < len(results)-1 {
				fmt.Println("\n" + strings.Repeat("-", 80) + "\n")
			}
		}
		return nil
	},
}

// searchOptions starts from the configured search settings and applies the
// flags the user actually set
func searchOptions(cmd *cobra.Command, cfg config.SearchConfig) rag.SearchOptions {
	opts := rag.SearchOptions{Limit: cfg.Limit, Threshold: cfg.Threshold}
	if cmd.Flags().Changed("top") {
		opts.Limit = flagTop
	}
	if cmd.Flags().Changed("threshold") {
		opts.Threshold = float32(flagThreshold)
	}
	if flagType != "" {
		opts.Filter.Equals = map[string]string{"type": flagType}
	}
	return opts
}

// surroundingChunks returns the chunks of target's file within n positions of it, in order
func surroundingChunks(ctx context.Context, store rag.DocumentStore, target rag.StoredDocument, n int) ([]rag.StoredDocument, error) {
	docs, err := store.Fetch(ctx, rag.Filter{Equals: map[string]string{"file_id": target.FileID}})
	if err != nil {
		return nil, err
	}
	var out []rag.StoredDocument
	for _, d := range docs {
		if d.ChunkIndex >= target.ChunkIndex-n && d.ChunkIndex <= target.ChunkIndex+n {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return []rag.StoredDocument{target}, nil
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func addSearchFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&flagTop, "top", 5, "number of results to return (default search.limit)")
	cmd.Flags().Float64Var(&flagThreshold, "threshold", 0.4, "minimum similarity score (default search.threshold)")
	cmd.Flags().BoolVar(&flagFull, "full", false, "show full content instead of just file ids")
	cmd.Flags().IntVar(&flagContext, "context", 0, "number of surrounding chunks to show for context")
	cmd.Flags().StringVar(&flagType, "type", "", "only search documents of this content type (grammar, vocabulary, ...)")
	cmd.Flags().StringSliceVar(&flagKeywords, "keyword", nil, "boost results containing these keywords (hybrid scoring)")
}

func init() {
	addSearchFlags(searchCmd)
	rootCmd.AddCommand(searchCmd)
}
