package ocrtext

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// systemPrefixes are the diagnostic lines the OCR backend mixes into its
// output. A line is dropped when its trimmed content starts with one of them,
// so "開始模型推理 (超時: 300 秒)..." is caught as well.
var systemPrefixes = []string{
	"開始模型推理",
	"模型推理完成",
	"OCR 推理執行成功",
	"BASE:",
	"PATCHES:",
}

// newlineRunRegex matches three or more consecutive newlines.
var newlineRunRegex = regexp.MustCompile(`\n{3,}`)

// FilterSystemMessages removes backend diagnostic lines from OCR text.
//
// Blank lines are not copied through; a run of blank lines between two kept
// lines becomes a single paragraph break. Runs of 3+ newlines collapse to
// exactly two, and the result is trimmed. The function is idempotent.
func FilterSystemMessages(text string) string {
	if text == "" {
		return ""
	}

	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	pendingBreak := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			pendingBreak = len(kept) > 0
			continue
		}
		if IsSystemMessage(trimmed) {
			continue
		}
		if pendingBreak {
			kept = append(kept, "")
			pendingBreak = false
		}
		kept = append(kept, line)
	}

	filtered := strings.Join(kept, "\n")
	filtered = newlineRunRegex.ReplaceAllString(filtered, "\n\n")
	return strings.TrimSpace(filtered)
}

// IsSystemMessage reports whether a trimmed line is backend diagnostics.
func IsSystemMessage(trimmed string) bool {
	for _, prefix := range systemPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

// CountChars returns the character count as runes (not bytes).
func CountChars(text string) int {
	return utf8.RuneCountInString(text)
}

// Preview returns at most n runes of text, for log lines.
func Preview(text string, n int) string {
	if n <= 0 || text == "" {
		return ""
	}
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)
	return string(runes[:n])
}
