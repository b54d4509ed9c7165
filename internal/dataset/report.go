package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RenderValidationMarkdown formats a validation report for humans.
func RenderValidationMarkdown(report ValidationReport) string {
	var sb strings.Builder

	sb.WriteString("# Dataset Validation Report\n\n")
	status := "PASSED"
	if !report.Passed() {
		status = "FAILED"
	}
	fmt.Fprintf(&sb, "**Status:** %s\n\n", status)

	sb.WriteString("## Summary\n\n")
	fmt.Fprintf(&sb, "- Total records: %d\n", report.TotalRecords)
	fmt.Fprintf(&sb, "- Valid records: %d\n", report.ValidRecords)
	fmt.Fprintf(&sb, "- Invalid records: %d\n", report.InvalidRecords)
	fmt.Fprintf(&sb, "- Duplicates: %d\n", report.DuplicateCount)
	fmt.Fprintf(&sb, "- Avg instruction length: %.1f chars\n", report.AvgInstructionLen)
	fmt.Fprintf(&sb, "- Avg output length: %.1f chars\n", report.AvgOutputLen)
	sb.WriteString("\n")

	writeDistribution(&sb, "Categories", report.CategoryDistribution, report.TotalRecords)
	writeDistribution(&sb, "Quality Scores", report.QualityDistribution, report.TotalRecords)

	if len(report.Issues) > 0 {
		sb.WriteString("## Issues\n\n")
		for _, finding := range report.Issues {
			fmt.Fprintf(&sb, "- record %d: %s\n", finding.RecordIndex, finding.Message)
		}
		sb.WriteString("\n")
	}
	if len(report.Warnings) > 0 {
		sb.WriteString("## Warnings\n\n")
		for _, finding := range report.Warnings {
			fmt.Fprintf(&sb, "- record %d: %s\n", finding.RecordIndex, finding.Message)
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// RenderAuditMarkdown formats an audit report for humans.
func RenderAuditMarkdown(report AuditReport) string {
	var sb strings.Builder

	sb.WriteString("# Dataset Audit Report\n\n")
	fmt.Fprintf(&sb, "- Total records: %d\n", report.TotalRecords)
	fmt.Fprintf(&sb, "- Unique keywords mentioned: %d\n", report.UniqueKeywords)
	if report.InventorySize > 0 {
		fmt.Fprintf(&sb, "- Inventory coverage: %.1f%% (%d of %d missing)\n",
			report.CoveragePct, report.MissingCount, report.InventorySize)
	}
	sb.WriteString("\n")

	writeDistribution(&sb, "Categories", report.CategoryDistribution, report.TotalRecords)
	writeDistribution(&sb, "Question Types", report.QuestionTypes, report.TotalRecords)

	if len(report.OutputLengths) > 0 {
		sb.WriteString("## Output Lengths\n\n")
		sb.WriteString("| Range | Count |\n|---|---|\n")
		for _, bucket := range report.OutputLengths {
			fmt.Fprintf(&sb, "| %s | %d |\n", bucket.Label, bucket.Count)
		}
		sb.WriteString("\n")
	}

	if len(report.KeywordMentions) > 0 {
		sb.WriteString("## Top Keywords\n\n")
		sb.WriteString("| Keyword | Mentions |\n|---|---|\n")
		for _, entry := range topMentions(report.KeywordMentions, 20) {
			fmt.Fprintf(&sb, "| %s | %d |\n", entry.name, entry.count)
		}
		sb.WriteString("\n")
	}

	if len(report.Missing) > 0 {
		sb.WriteString("## Missing From Inventory\n\n")
		for _, name := range report.Missing {
			fmt.Fprintf(&sb, "- %s\n", name)
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

func writeDistribution(sb *strings.Builder, title string, dist map[string]int, total int) {
	if len(dist) == 0 {
		return
	}
	fmt.Fprintf(sb, "## %s\n\n", title)
	sb.WriteString("| Name | Count | Share |\n|---|---|---|\n")
	for _, entry := range topMentions(dist, len(dist)) {
		share := 0.0
		if total > 0 {
			share = 100 * float64(entry.count) / float64(total)
		}
		fmt.Fprintf(sb, "| %s | %d | %.1f%% |\n", entry.name, entry.count, share)
	}
	sb.WriteString("\n")
}

type mention struct {
	name  string
	count int
}

func topMentions(counts map[string]int, limit int) []mention {
	entries := make([]mention, 0, len(counts))
	for name, count := range counts {
		entries = append(entries, mention{name, count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].name < entries[j].name
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// WriteReport saves a report as both markdown and JSON next to each
// other so downstream tooling can pick whichever format it needs.
func WriteReport(dir, name string, report any, markdown string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write json report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".md"), []byte(markdown), 0644); err != nil {
		return fmt.Errorf("failed to write markdown report: %w", err)
	}
	return nil
}
