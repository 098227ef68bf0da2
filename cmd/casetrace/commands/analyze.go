package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/casetrace/casetrace/internal/domain"
)

var analyzeParams string

var analyzeCmd = &cobra.Command{
	Use:   "analyze <kind>",
	Short: "Run a single analysis of the given kind",
	Long: `Runs one analysis request through the engine. The kind is one of:
entity_extraction, relationship_mapping, community_detection,
anomaly_detection, path_finding, centrality_analysis.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := domain.ParseKind(args[0])
		if err != nil {
			return err
		}

		params := map[string]interface{}{}
		if analyzeParams != "" {
			if err := json.Unmarshal([]byte(analyzeParams), &params); err != nil {
				return fmt.Errorf("invalid --params JSON: %w", err)
			}
		}

		ctx := cmd.Context()
		s, err := buildStack(ctx)
		if err != nil {
			return err
		}
		defer s.close(ctx)

		result := s.engine.Analyze(ctx, domain.AnalysisRequest{
			Kind:       kind,
			Parameters: params,
		})
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeParams, "params", "", "JSON object of analysis parameters")
}
