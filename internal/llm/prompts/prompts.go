// Package prompts holds the oracle prompt templates, keyed by grader
// persona variant.
package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/tranqh/papergrade/internal/model"
)

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

//go:embed templates/*.txt
var templateFS embed.FS

// Variant represents a grading prompt variant.
type Variant string

const (
	// VariantStrict grades to the letter of the marking scheme.
	VariantStrict Variant = "strict"
	// VariantStandard is the default grading variant.
	VariantStandard Variant = "standard"
	// VariantLenient rewards partially correct reasoning more generously.
	VariantLenient Variant = "lenient"
)

var validVariants = map[Variant]bool{
	VariantStrict:   true,
	VariantStandard: true,
	VariantLenient:  true,
}

var (
	loadOnce       sync.Once
	loadErr        error
	judgeTemplates map[Variant]*template.Template
	reportTemplate *template.Template
)

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[Variant(v)]
}

// ReportData holds template data for the report prompt.
type ReportData struct {
	ExamID  string
	Subject string
	Date    string
}

// Load parses the embedded prompt templates.
// It uses sync.Once to ensure templates are loaded only once.
func Load() error {
	loadOnce.Do(func() {
		judgeTemplates = make(map[Variant]*template.Template)

		for v := range validVariants {
			name := "templates/judge_" + string(v) + ".txt"
			content, err := templateFS.ReadFile(name)
			if err != nil {
				loadErr = errors.New("failed to read prompt file " + name + ": " + err.Error())
				return
			}
			tmpl, err := template.New("judge").Parse(string(content))
			if err != nil {
				loadErr = errors.New("failed to parse prompt template " + name + ": " + err.Error())
				return
			}
			judgeTemplates[v] = tmpl
		}

		content, err := templateFS.ReadFile("templates/report.txt")
		if err != nil {
			loadErr = errors.New("failed to read prompt file templates/report.txt: " + err.Error())
			return
		}
		reportTemplate, err = template.New("report").Parse(string(content))
		if err != nil {
			loadErr = errors.New("failed to parse prompt template templates/report.txt: " + err.Error())
		}
	})
	return loadErr
}

// JudgeSystem returns the grading system prompt for the given variant.
func JudgeSystem(variant Variant) (string, error) {
	if judgeTemplates == nil {
		return "", errors.New("templates not initialized: call Load first")
	}
	tmpl, ok := judgeTemplates[variant]
	if !ok {
		if loadErr != nil {
			return "", fmt.Errorf("templates load failed: %w", loadErr)
		}
		return "", errors.New("invalid prompt variant: " + string(variant))
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ReportSystem returns the report-editing system prompt, carrying the
// exam metadata recorded at import time.
func ReportSystem(info model.ExamInfo) (string, error) {
	if reportTemplate == nil {
		return "", errors.New("templates not initialized: call Load first")
	}

	data := ReportData{
		ExamID:  info.ExamID,
		Subject: info.Subject,
		Date:    info.Date,
	}

	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// SanitizeAnswer strips prompt-injection markers from student text and
// bounds its length before it is placed into an oracle payload.
func SanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if utf8.RuneCountInString(answer) > 10000 {
		runes := []rune(answer)
		runes = runes[:10000]
		answer = string(runes) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
