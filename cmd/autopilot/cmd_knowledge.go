package main

import (
	"context"
	"fmt"
	"strings"

	"autopilot/internal/knowledge"
	"autopilot/internal/resolver"
	"autopilot/internal/semantic"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// knowledgeCmd inspects the knowledge tiers
var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Inspect and index knowledge snippets",
}

var knowledgeListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show snippet counts per tier",
	RunE:  runKnowledgeList,
}

var knowledgeResolveCmd = &cobra.Command{
	Use:   "resolve <query>",
	Short: "Resolve knowledge for a query exactly as a turn would",
	Long: `Runs the tiered resolver locally against the configured snippet
directories (and the semantic index, when an embedding provider is set).

Example:
  autopilot knowledge resolve "add authentication" --category security --tier local,builtin`,
	Args: cobra.MinimumNArgs(1),
	RunE: runKnowledgeResolve,
}

var knowledgeIndexCmd = &cobra.Command{
	Use:   "index",
	Short: "Embed every snippet into the semantic index",
	RunE:  runKnowledgeIndex,
}

func init() {
	knowledgeResolveCmd.Flags().String("category", "", "Restrict to one category")
	knowledgeResolveCmd.Flags().StringSlice("tag", nil, "Restrict to snippets carrying every tag")
	knowledgeResolveCmd.Flags().StringSlice("tier", nil, "Tiers to consult (default: all)")
	knowledgeResolveCmd.Flags().Bool("render", false, "Print the prompt rendering instead of a summary")
	knowledgeResolveCmd.Flags().Bool("json", false, "Print raw JSON")

	knowledgeCmd.AddCommand(knowledgeListCmd)
	knowledgeCmd.AddCommand(knowledgeResolveCmd)
	knowledgeCmd.AddCommand(knowledgeIndexCmd)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func runKnowledgeList(cmd *cobra.Command, args []string) error {
	ks, _ := loadKnowledge(commandContext(cmd), cfg)
	counts := ks.Counts()
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, titleStyle.Render("Knowledge tiers"))
	total := 0
	for _, tier := range knowledge.AllTiers {
		fmt.Fprintf(out, "%s%d\n", labelStyle.Render(tier.String()), counts[tier])
		total += counts[tier]
	}
	fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("Total: %d snippets", total)))
	return nil
}

func runKnowledgeResolve(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	q := resolver.Query{Text: strings.Join(args, " ")}
	q.Category, _ = cmd.Flags().GetString("category")
	q.Tags, _ = cmd.Flags().GetStringSlice("tag")
	names, _ := cmd.Flags().GetStringSlice("tier")
	for _, name := range names {
		tier, err := knowledge.ParseTier(name)
		if err != nil {
			return err
		}
		q.Tiers = append(q.Tiers, tier)
	}

	ks, _ := loadKnowledge(ctx, cfg)
	idx, err := openIndex(ctx, cfg)
	if err != nil {
		logger.Warn("Semantic index unavailable", zap.Error(err))
	}
	if idx != nil {
		defer idx.Close()
	}
	rc, err := newResolver(cfg, ks, idx).Resolve(ctx, q)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd, rc)
	}
	out := cmd.OutOrStdout()
	if render, _ := cmd.Flags().GetBool("render"); render {
		fmt.Fprintln(out, rc.Render())
		return nil
	}
	if rc.Empty() {
		fmt.Fprintln(out, dimStyle.Render("No knowledge matched."))
		return nil
	}
	for _, sn := range rc.Snippets {
		fmt.Fprintf(out, "%s %s / %s\n", dimStyle.Render(fmt.Sprintf("[%-7s]", sn.Tier)), sn.Category, sn.Title)
	}
	for _, r := range rc.Semantic {
		fmt.Fprintf(out, "%s %.3f %s\n", dimStyle.Render("[semantic]"), r.Score, firstLine(r.Content))
	}
	if rc.Degraded {
		fmt.Fprintln(out, errorStyle.Render("semantic search failed; results are degraded"))
	}
	if rc.Truncated {
		fmt.Fprintln(out, dimStyle.Render("budget reached; lower-precedence snippets were dropped"))
	}
	return nil
}

func runKnowledgeIndex(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	idx, err := openIndex(ctx, cfg)
	if err != nil {
		return err
	}
	if idx == nil {
		return fmt.Errorf("no embedding provider configured (set embedding.provider to ollama or genai)")
	}
	defer idx.Close()

	ks, _ := loadKnowledge(ctx, cfg)
	stats, err := semantic.IndexSnippets(ctx, idx, ks)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d documents, %d embedded, %d pruned\n",
		titleStyle.Render("Indexed"), stats.Documents, stats.Embedded, stats.Pruned)
	return nil
}
