package dataset

import (
	"fmt"
	"strings"
)

const (
	minInstructionLen = 10
	minOutputLen      = 20
	maxOutputLen      = 8000

	maxReportedFindings = 100
)

// Finding is a defect or advisory attached to a record index.
type Finding struct {
	RecordIndex int    `json:"record_index"`
	Message     string `json:"message"`
}

// ValidationReport summarizes dataset quality. Issues are disqualifying,
// warnings are advisory only.
type ValidationReport struct {
	TotalRecords   int `json:"total_records"`
	ValidRecords   int `json:"valid_records"`
	InvalidRecords int `json:"invalid_records"`
	DuplicateCount int `json:"duplicate_count"`

	CategoryDistribution map[string]int `json:"category_distribution"`
	QualityDistribution  map[string]int `json:"quality_distribution"`

	AvgInstructionLen float64 `json:"avg_instruction_length"`
	AvgOutputLen      float64 `json:"avg_output_length"`

	Issues   []Finding `json:"issues"`
	Warnings []Finding `json:"warnings"`
}

// Passed reports whether the dataset is fit for training: no invalid
// records and fewer than 5% duplicates.
func (r *ValidationReport) Passed() bool {
	if r.TotalRecords == 0 {
		return false
	}
	return r.InvalidRecords == 0 && r.DuplicateCount*20 < r.TotalRecords
}

// Validator checks records for the defect classes that break fine-tuning
// runs: empty fields, truncation-risk outputs, and duplicated instructions.
// Keyword checks are advisory and configurable per project.
type Validator struct {
	// KeywordWarnings maps a substring (matched case-insensitively against
	// the record output) to the warning emitted when it is absent or
	// present, depending on sign. A leading '!' inverts the check: warn
	// when the keyword IS present.
	KeywordWarnings map[string]string
}

// NewValidator returns a validator with only the structural checks enabled.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate runs all checks over the dataset and builds the report.
func (v *Validator) Validate(records []Record) ValidationReport {
	report := ValidationReport{
		TotalRecords:         len(records),
		CategoryDistribution: map[string]int{},
		QualityDistribution:  map[string]int{},
	}

	seen := make(map[string]struct{}, len(records))
	var instructionLen, outputLen int

	for i, record := range records {
		issues, warnings := v.checkRecord(record)

		if _, dup := seen[record.Instruction]; dup {
			report.DuplicateCount++
			warnings = append(warnings, "duplicate instruction")
		}
		seen[record.Instruction] = struct{}{}

		category := record.Category
		if category == "" {
			category = "unknown"
		}
		report.CategoryDistribution[category]++
		report.QualityDistribution[fmt.Sprintf("%d", record.QualityScore)]++

		instructionLen += len(record.Instruction)
		outputLen += len(record.Output)

		if len(issues) == 0 {
			report.ValidRecords++
		} else {
			report.InvalidRecords++
		}

		for _, msg := range issues {
			if len(report.Issues) < maxReportedFindings {
				report.Issues = append(report.Issues, Finding{RecordIndex: i, Message: msg})
			}
		}
		for _, msg := range warnings {
			if len(report.Warnings) < maxReportedFindings {
				report.Warnings = append(report.Warnings, Finding{RecordIndex: i, Message: msg})
			}
		}
	}

	if len(records) > 0 {
		report.AvgInstructionLen = float64(instructionLen) / float64(len(records))
		report.AvgOutputLen = float64(outputLen) / float64(len(records))
	}
	return report
}

func (v *Validator) checkRecord(record Record) (issues, warnings []string) {
	switch {
	case record.Instruction == "":
		issues = append(issues, "empty instruction")
	case len(record.Instruction) < minInstructionLen:
		issues = append(issues, fmt.Sprintf("instruction too short (%d chars)", len(record.Instruction)))
	}

	switch {
	case record.Output == "":
		issues = append(issues, "empty output")
	case len(record.Output) < minOutputLen:
		warnings = append(warnings, fmt.Sprintf("output may be too short (%d chars)", len(record.Output)))
	case len(record.Output) > maxOutputLen:
		warnings = append(warnings, fmt.Sprintf("output very long (%d chars), may hit token limits", len(record.Output)))
	}

	if strings.Count(record.Output, "(") != strings.Count(record.Output, ")") {
		warnings = append(warnings, "unbalanced parentheses in output")
	}

	lowered := strings.ToLower(record.Output)
	for keyword, message := range v.KeywordWarnings {
		if inverted := strings.HasPrefix(keyword, "!"); inverted {
			if strings.Contains(lowered, strings.ToLower(keyword[1:])) {
				warnings = append(warnings, message)
			}
		} else if !strings.Contains(lowered, strings.ToLower(keyword)) {
			warnings = append(warnings, message)
		}
	}

	return issues, warnings
}
