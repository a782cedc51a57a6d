package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"codelens/internal/types"
)

var (
	flagURI         string
	flagLine        int
	flagCharacter   int
	flagNewName     string
	flagPrefix      string
	flagDeclaration bool
)

func analysisFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagURI, "uri", "", "file path or file:// URI (relative paths resolve against the workspace)")
	cmd.Flags().IntVar(&flagLine, "line", 0, "zero-based line")
	cmd.Flags().IntVar(&flagCharacter, "character", 0, "zero-based character")
}

// runAnalysis builds the stack, runs one request, prints the response.
func runAnalysis(req types.AnalysisRequest) error {
	st, err := buildStack()
	if err != nil {
		return err
	}
	defer st.dispose()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	resp, err := st.analyzer.Analyze(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(resp)
}

var definitionCmd = &cobra.Command{
	Use:   "definition [identifier]",
	Short: "Find where an identifier is declared",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAnalysis(types.AnalysisRequest{
			Operation:  types.OpFindDefinition,
			Identifier: args[0],
			URI:        flagURI,
			Position:   types.Position{Line: flagLine, Character: flagCharacter},
		})
	},
}

var referencesCmd = &cobra.Command{
	Use:   "references [identifier]",
	Short: "Find every reference to an identifier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAnalysis(types.AnalysisRequest{
			Operation:          types.OpFindReferences,
			Identifier:         args[0],
			URI:                flagURI,
			Position:           types.Position{Line: flagLine, Character: flagCharacter},
			IncludeDeclaration: flagDeclaration,
		})
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename [identifier]",
	Short: "Compute the edits to rename an identifier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagNewName == "" {
			return fmt.Errorf("%w: --to is required", types.ErrInvalidInput)
		}
		return runAnalysis(types.AnalysisRequest{
			Operation:  types.OpRename,
			Identifier: args[0],
			URI:        flagURI,
			Position:   types.Position{Line: flagLine, Character: flagCharacter},
			NewName:    flagNewName,
		})
	},
}

var suggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Suggest refactorings for a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAnalysis(types.AnalysisRequest{
			Operation: types.OpSuggestRefactoring,
			URI:       flagURI,
			Position:  types.Position{Line: flagLine, Character: flagCharacter},
		})
	},
}

var completionCmd = &cobra.Command{
	Use:   "completion [prefix]",
	Short: "Complete an identifier prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAnalysis(types.AnalysisRequest{
			Operation: types.OpCompletion,
			URI:       flagURI,
			Position:  types.Position{Line: flagLine, Character: flagCharacter},
			Prefix:    args[0],
		})
	},
}

func init() {
	analysisFlags(definitionCmd)
	analysisFlags(referencesCmd)
	analysisFlags(renameCmd)
	analysisFlags(suggestCmd)
	analysisFlags(completionCmd)

	referencesCmd.Flags().BoolVar(&flagDeclaration, "include-declaration", false, "include the declaration site")
	renameCmd.Flags().StringVar(&flagNewName, "to", "", "replacement name")
}
