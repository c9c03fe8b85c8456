package insights

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// WriteReport writes repo_insights.json and repo_insights.md under dir.
func WriteReport(dir string, report *Report) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("insights: create output dir: %w", err)
	}

	jsonPath := filepath.Join(dir, "repo_insights.json")
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("insights: marshal report: %w", err)
	}
	if err := os.WriteFile(jsonPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("insights: write %s: %w", jsonPath, err)
	}

	mdPath := filepath.Join(dir, "repo_insights.md")
	if err := os.WriteFile(mdPath, []byte(RenderMarkdown(report)), 0o644); err != nil {
		return fmt.Errorf("insights: write %s: %w", mdPath, err)
	}
	return nil
}

// RenderMarkdown renders the report as a readable summary: cards grouped
// by type with their citations, then the aggregates.
func RenderMarkdown(report *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# repo_insights: %s\n\n", report.RepoFullName)

	byType := map[string][]Card{}
	for _, c := range report.Cards {
		byType[c.Type] = append(byType[c.Type], c)
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	for _, t := range types {
		fmt.Fprintf(&b, "## %s\n", t)
		for _, c := range byType[t] {
			fmt.Fprintf(&b, "- %s\n", c.Statement)
			for _, ev := range c.Evidence {
				if ev.URL == "" {
					continue
				}
				if ev.Why != "" {
					fmt.Fprintf(&b, "  - %s — %s\n", ev.URL, ev.Why)
				} else {
					fmt.Fprintf(&b, "  - %s\n", ev.URL)
				}
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("## aggregates\n")
	if report.Aggregates.MedianTimeToCloseHours != nil {
		fmt.Fprintf(&b, "- median time to close: %.1f hours\n", *report.Aggregates.MedianTimeToCloseHours)
	}
	writeCountList(&b, "top commenters", report.Aggregates.TopCommenters)
	writeCountList(&b, "label frequency", report.Aggregates.LabelFrequency)
	writeCountList(&b, "review counts", report.Aggregates.ReviewCounts)

	return strings.TrimRight(b.String(), "\n") + "\n"
}

func writeCountList(b *strings.Builder, title string, entries []CountEntry) {
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(b, "- %s:\n", title)
	for _, e := range entries {
		fmt.Fprintf(b, "  - %s: %d\n", e.Name, e.Count)
	}
}
