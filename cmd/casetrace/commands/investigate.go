package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	investigateText       string
	investigateFile       string
	investigateObjectives []string
)

var investigateCmd = &cobra.Command{
	Use:   "investigate",
	Short: "Run a full investigation over a piece of evidence text",
	RunE: func(cmd *cobra.Command, _ []string) error {
		text := investigateText
		if investigateFile != "" {
			raw, err := os.ReadFile(investigateFile)
			if err != nil {
				return fmt.Errorf("failed to read evidence file: %w", err)
			}
			text = string(raw)
		}
		if text == "" {
			return fmt.Errorf("either --text or --file is required")
		}

		ctx := cmd.Context()
		s, err := buildStack(ctx)
		if err != nil {
			return err
		}
		defer s.close(ctx)

		view, err := s.pipeline.Investigate(ctx,
			map[string]interface{}{"text": text},
			investigateObjectives, nil)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	investigateCmd.Flags().StringVar(&investigateText, "text", "", "Evidence text to investigate")
	investigateCmd.Flags().StringVar(&investigateFile, "file", "", "Path to a file with evidence text")
	investigateCmd.Flags().StringSliceVar(&investigateObjectives, "objective", nil, "Investigation objective (repeatable)")
}
