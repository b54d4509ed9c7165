// Package scan checks config and data trees for leaked credentials before
// they end up inside a training dataset or a committed run directory.
package scan

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

type Finding struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Kind string `json:"kind"`

	// Excerpt is the matched text with the secret portion masked.
	Excerpt string `json:"excerpt"`
}

type pattern struct {
	kind string
	re   *regexp.Regexp
}

var defaultPatterns = []pattern{
	{"aws_access_key", regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{"openai_api_key", regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`)},
	{"huggingface_token", regexp.MustCompile(`\bhf_[A-Za-z0-9]{30,}\b`)},
	{"github_token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{"private_key", regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH )?PRIVATE KEY-----`)},
	{"connection_string", regexp.MustCompile(`\b(postgres|postgresql|mysql|amqp|mongodb)://[^\s:@]+:[^\s@]+@`)},
	{"assigned_secret", regexp.MustCompile(`(?i)\b(api[_-]?key|secret[_-]?key|auth[_-]?token|password)\b['"]?\s*[:=]\s*['"][^'"]{8,}['"]`)},
}

var skipDirs = map[string]bool{
	".git":          true,
	".venv":         true,
	"venv":          true,
	"node_modules":  true,
	"__pycache__":   true,
	".pytest_cache": true,
}

// binary-ish extensions that never hold configuration text
var skipExts = map[string]bool{
	".safetensors": true,
	".bin":         true,
	".pt":          true,
	".gguf":        true,
	".png":         true,
	".jpg":         true,
	".gz":          true,
	".zip":         true,
}

const maxLineLen = 1024 * 1024

type Scanner struct {
	patterns []pattern

	// MaxFileSize skips files larger than this many bytes. Zero means
	// the default of 10 MiB.
	MaxFileSize int64

	// Progress, when set, is called once per file visited by ScanDir.
	Progress func()
}

func NewScanner() *Scanner {
	return &Scanner{patterns: defaultPatterns}
}

// ScanDir walks root and returns all findings. Directories in the skip
// list and binary file types are not descended into.
func (s *Scanner) ScanDir(root string) ([]Finding, error) {
	var findings []Finding

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if s.Progress != nil {
			s.Progress()
		}
		if skipExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > s.maxFileSize() {
			return nil
		}

		fileFindings, err := s.ScanFile(path)
		if err != nil {
			return fmt.Errorf("error scanning %s: %w", path, err)
		}
		findings = append(findings, fileFindings...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return findings, nil
}

func (s *Scanner) ScanFile(path string) ([]Finding, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var findings []Finding

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineLen)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		for _, p := range s.patterns {
			match := p.re.FindString(line)
			if match == "" {
				continue
			}
			findings = append(findings, Finding{
				File:    path,
				Line:    lineNo,
				Kind:    p.kind,
				Excerpt: mask(match),
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return findings, nil
}

func (s *Scanner) maxFileSize() int64 {
	if s.MaxFileSize > 0 {
		return s.MaxFileSize
	}
	return 10 * 1024 * 1024
}

// mask keeps enough of the match to locate it while hiding the secret.
func mask(match string) string {
	if len(match) <= 12 {
		return match[:len(match)/2] + "****"
	}
	return match[:8] + "****" + match[len(match)-4:]
}
