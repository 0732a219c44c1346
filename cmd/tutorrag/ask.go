package main

import (
	"fmt"
	"strings"

	"github.com/perbu/tutorrag/pkg/rag"
	"github.com/spf13/cobra"
)

var flagAskType string

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question from the knowledge base, the web or the model",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		c, err := a.cascade()
		if err != nil {
			return err
		}

		var filter rag.Filter
		if flagAskType != "" {
			filter.Equals = map[string]string{"type": flagAskType}
		}

		answer, err := c.Ask(ctx, strings.Join(args, " "), filter)
		if err != nil {
			return err
		}

		fmt.Println(answer.Text)
		fmt.Printf("\n(source: %s)\n", answer.Stage)
		if flagVerbose {
			for _, st := range answer.Trace {
				fmt.Printf("  %-15s accepted=%t reason=%s score=%.2f", st.Stage, st.Accepted, st.Reason, st.Score)
				if st.Err != nil {
					fmt.Printf(" err=%v", st.Err)
				}
				fmt.Println()
			}
		}
		if answer.Degraded {
			return answer.Err
		}
		return nil
	},
}

func init() {
	askCmd.Flags().StringVar(&flagAskType, "type", "", "restrict the knowledge base to this content type")
	rootCmd.AddCommand(askCmd)
}
