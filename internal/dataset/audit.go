package dataset

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// LengthBucket is one bin of the output-length histogram.
type LengthBucket struct {
	Label string `json:"label"`
	Max   int    `json:"max"`
	Count int    `json:"count"`
}

// AuditReport captures the statistical composition of a dataset: how
// categories and question types are distributed, which keywords the
// examples mention, and which entries of a reference inventory are never
// covered.
type AuditReport struct {
	TotalRecords int `json:"total_records"`

	CategoryDistribution map[string]int `json:"category_distribution"`
	QuestionTypes        map[string]int `json:"question_types"`
	OutputLengths        []LengthBucket `json:"output_lengths"`

	KeywordMentions map[string]int `json:"keyword_mentions"`
	UniqueKeywords  int            `json:"unique_keywords"`

	InventorySize int      `json:"inventory_size,omitempty"`
	MissingCount  int      `json:"missing_count,omitempty"`
	CoveragePct   float64  `json:"coverage_pct,omitempty"`
	Missing       []string `json:"missing,omitempty"`
}

// Auditor aggregates statistics over a dataset. KeywordPatterns extract
// domain identifiers (table names, entity tags) mentioned in the text;
// Inventory is the full set of identifiers that ought to be covered.
type Auditor struct {
	KeywordPatterns []*regexp.Regexp
	Inventory       []string
}

var defaultLengthBounds = []int{100, 250, 500, 1000, 2500, 8000}

// Audit computes the report over the given records.
func (a *Auditor) Audit(records []Record) AuditReport {
	report := AuditReport{
		TotalRecords:         len(records),
		CategoryDistribution: map[string]int{},
		QuestionTypes:        map[string]int{},
		KeywordMentions:      map[string]int{},
	}

	counts := make([]int, len(defaultLengthBounds)+1)

	for _, record := range records {
		category := record.Category
		if category == "" {
			category = "unknown"
		}
		report.CategoryDistribution[category]++
		report.QuestionTypes[classifyQuestion(record.Instruction)]++

		bucket := len(defaultLengthBounds)
		for i, bound := range defaultLengthBounds {
			if len(record.Output) <= bound {
				bucket = i
				break
			}
		}
		counts[bucket]++

		text := record.Instruction + " " + record.Output
		for _, keyword := range a.extractKeywords(text) {
			report.KeywordMentions[keyword]++
		}
	}

	report.OutputLengths = makeBuckets(counts)
	report.UniqueKeywords = len(report.KeywordMentions)

	if len(a.Inventory) > 0 {
		report.InventorySize = len(a.Inventory)
		for _, entry := range a.Inventory {
			if report.KeywordMentions[entry] == 0 {
				report.Missing = append(report.Missing, entry)
			}
		}
		sort.Strings(report.Missing)
		report.MissingCount = len(report.Missing)
		covered := len(a.Inventory) - report.MissingCount
		report.CoveragePct = 100 * float64(covered) / float64(len(a.Inventory))
	}

	return report
}

func (a *Auditor) extractKeywords(text string) []string {
	var keywords []string
	for _, pattern := range a.KeywordPatterns {
		keywords = append(keywords, pattern.FindAllString(text, -1)...)
	}
	return keywords
}

func makeBuckets(counts []int) []LengthBucket {
	buckets := make([]LengthBucket, 0, len(counts))
	prev := 0
	for i, bound := range defaultLengthBounds {
		buckets = append(buckets, LengthBucket{
			Label: bucketLabel(prev, bound),
			Max:   bound,
			Count: counts[i],
		})
		prev = bound
	}
	buckets = append(buckets, LengthBucket{Label: bucketLabel(prev, 0), Max: 0, Count: counts[len(counts)-1]})
	return buckets
}

func bucketLabel(lo, hi int) string {
	if hi == 0 {
		return ">" + strconv.Itoa(lo)
	}
	return strconv.Itoa(lo+1) + "-" + strconv.Itoa(hi)
}

// classifyQuestion buckets an instruction into a coarse question type so
// the report can show the mix of tasks the model is being tuned on.
func classifyQuestion(instruction string) string {
	lowered := strings.ToLower(instruction)
	switch {
	case strings.Contains(lowered, "write sql") || strings.Contains(lowered, "query"):
		return "sql_generation"
	case strings.Contains(lowered, "join"):
		return "join_pattern"
	case strings.Contains(lowered, "fix") || strings.Contains(lowered, "correct"):
		return "error_correction"
	case strings.Contains(lowered, "column") || strings.Contains(lowered, "data type"):
		return "column_info"
	case strings.Contains(lowered, "describe") || strings.Contains(lowered, "what is"):
		return "schema_description"
	case strings.Contains(lowered, "primary key") || strings.Contains(lowered, "foreign key"):
		return "key_info"
	case strings.Contains(lowered, "relationship") || strings.Contains(lowered, "link"):
		return "relationships"
	case strings.Contains(lowered, "module") || strings.Contains(lowered, "tables in"):
		return "module_info"
	default:
		return "other"
	}
}
