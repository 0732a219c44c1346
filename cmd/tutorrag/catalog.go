package main

import (
	"fmt"
	"strings"

	"github.com/perbu/tutorrag/pkg/rag"
	"github.com/spf13/cobra"
)

var (
	flagCatalogType  string
	flagCatalogUser  string
	flagCatalogLimit int
)

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "List topics with their document counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		topics, err := a.catalog().Topics(cmd.Context(), flagCatalogType)
		if err != nil {
			return err
		}
		if len(topics) == 0 {
			fmt.Println("No topics found")
			return nil
		}
		for _, t := range topics {
			fmt.Printf("%5d  %-12s %s\n", t.Count, t.Type, t.Value)
		}
		return nil
	},
}

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "List stored documents, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		filter := rag.Filter{Equals: map[string]string{}}
		if flagCatalogType != "" {
			filter.Equals["type"] = flagCatalogType
		}
		if flagCatalogUser != "" {
			filter.Equals["user_id"] = flagCatalogUser
		}
		docs, err := a.catalog().Documents(cmd.Context(), filter, flagCatalogLimit)
		if err != nil {
			return err
		}
		for _, d := range docs {
			fmt.Printf("%s  %s #%d  %s  [%s] %s\n",
				d.CreatedAt.Format("2006-01-02 15:04"), d.FileID, d.ChunkIndex, d.ID, d.Type, d.Topic)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show corpus totals and the content type distribution",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		stats, err := a.catalog().Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Documents: %d in %d files\n", stats.TotalDocuments, stats.TotalFiles)
		for _, t := range stats.Types {
			fmt.Printf("  %-12s %d\n", t.Value, t.Count)
		}
		if stats.Usage != nil {
			fmt.Printf("Embedding usage: %d tokens, %d requests, $%.4f\n",
				stats.Usage.TotalTokens, stats.Usage.TotalRequests, stats.Usage.TotalCost)
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete stored documents by id",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		svc := a.catalog()
		var failed []string
		for _, id := range args {
			if err := svc.Delete(cmd.Context(), id, flagCatalogUser); err != nil {
				fmt.Printf("  ✗ %s: %v\n", id, err)
				failed = append(failed, id)
				continue
			}
			fmt.Printf("  ✓ %s\n", id)
		}
		if len(failed) > 0 {
			return fmt.Errorf("could not delete %s", strings.Join(failed, ", "))
		}
		return nil
	},
}

func init() {
	topicsCmd.Flags().StringVar(&flagCatalogType, "type", "", "only count documents of this content type")

	docsCmd.Flags().StringVar(&flagCatalogType, "type", "", "only list documents of this content type")
	docsCmd.Flags().StringVar(&flagCatalogUser, "user", "", "only list documents uploaded by this user id")
	docsCmd.Flags().IntVar(&flagCatalogLimit, "limit", 20, "maximum number of documents")

	deleteCmd.Flags().StringVar(&flagCatalogUser, "user", "", "only delete documents owned by this user id")

	rootCmd.AddCommand(topicsCmd, docsCmd, statsCmd, deleteCmd)
}
