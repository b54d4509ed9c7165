package monitor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

// Metrics is one training progress observation, typically a line of the
// trainer's trainer_log.jsonl.
type Metrics struct {
	Step     int     `json:"current_steps"`
	Total    int     `json:"total_steps,omitempty"`
	Epoch    float64 `json:"epoch"`
	Loss     float64 `json:"loss"`
	LR       float64 `json:"lr,omitempty"`
	GradNorm float64 `json:"grad_norm,omitempty"`
}

func (m Metrics) String() string {
	return fmt.Sprintf("step %d epoch %.2f loss %.4f lr %.2e", m.Step, m.Epoch, m.Loss, m.LR)
}

var (
	stepPattern  = regexp.MustCompile(`(?i)steps?['"]?[:=\s]+(\d+)`)
	epochPattern = regexp.MustCompile(`(?i)epoch['"]?[:=\s]+(\d+(?:\.\d+)?)`)
	lossPattern  = regexp.MustCompile(`(?i)loss['"]?[:=\s]+(\d+(?:\.\d+)?)`)
	lrPattern    = regexp.MustCompile(`(?i)(?:lr|learning[_ ]rate)['"]?[:=\s]+(\d[\d.eE+-]*)`)
)

// ParseLine extracts metrics from a single trainer log line. JSON lines
// are decoded directly; anything else is scraped with the fallback
// patterns. The second return is false when the line carries no loss.
func ParseLine(line string) (Metrics, bool) {
	var m Metrics
	if err := json.Unmarshal([]byte(line), &m); err == nil {
		return m, m.Loss > 0 || m.Step > 0
	}

	found := false
	if match := lossPattern.FindStringSubmatch(line); match != nil {
		m.Loss, _ = strconv.ParseFloat(match[1], 64)
		found = true
	}
	if match := stepPattern.FindStringSubmatch(line); match != nil {
		m.Step, _ = strconv.Atoi(match[1])
	}
	if match := epochPattern.FindStringSubmatch(line); match != nil {
		m.Epoch, _ = strconv.ParseFloat(match[1], 64)
	}
	if match := lrPattern.FindStringSubmatch(line); match != nil {
		m.LR, _ = strconv.ParseFloat(match[1], 64)
	}
	return m, found
}

// ParseLogFile reads all metrics from a trainer log, one observation per
// line, skipping lines that carry none.
func ParseLogFile(path string) ([]Metrics, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trainer log %s: %w", path, err)
	}
	defer file.Close()

	var all []Metrics
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if m, ok := ParseLine(scanner.Text()); ok {
			all = append(all, m)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trainer log %s: %w", path, err)
	}
	return all, nil
}

// TrainerLogPath is where the external trainer writes its progress log
// inside a run's output directory.
func TrainerLogPath(outputDir string) string {
	return filepath.Join(outputDir, "trainer_log.jsonl")
}

// Summary condenses a metrics series for bookkeeping.
type Summary struct {
	FinalLoss  float64
	BestLoss   float64
	TotalSteps int
	LastEpoch  float64
}

// Summarize reduces a series to its headline numbers. ok is false when
// the series is empty.
func Summarize(series []Metrics) (Summary, bool) {
	if len(series) == 0 {
		return Summary{}, false
	}

	last := series[len(series)-1]
	s := Summary{TotalSteps: last.Step, LastEpoch: last.Epoch}
	// Loss-less observations (eval entries, plain progress lines) must
	// not count: the final loss is the last positive one, the best the
	// minimum positive one.
	for _, m := range series {
		if m.Loss > 0 {
			s.FinalLoss = m.Loss
			if s.BestLoss == 0 || m.Loss < s.BestLoss {
				s.BestLoss = m.Loss
			}
		}
		if m.Step > s.TotalSteps {
			s.TotalSteps = m.Step
		}
	}
	return s, true
}
