package contextstore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// defaultEncoding matches the cl100k_base family used by the
// OpenAI-compatible chat models this repo targets; if tiktoken-go
// cannot load the encoding (e.g. no network access to fetch its
// vocabulary file), CountTokens falls back to an approximate
// whitespace-word count, an acceptable degradation for a budgeting
// heuristic.
const defaultEncoding = "cl100k_base"

var encodingCache *tiktoken.Tiktoken

func encoding() *tiktoken.Tiktoken {
	if encodingCache != nil {
		return encodingCache
	}
	enc, err := tiktoken.GetEncoding(defaultEncoding)
	if err != nil {
		return nil
	}
	encodingCache = enc
	return encodingCache
}

// CountTokens estimates the token count of s. Falls back to a
// whitespace-split approximation when the tokenizer is unavailable.
func CountTokens(s string) int {
	if enc := encoding(); enc != nil {
		return len(enc.Encode(s, nil, nil))
	}
	return len(strings.Fields(s)) * 4 / 3
}

// RenderForReasoning formats a set of loaded ContextRecords into the
// block of text a reasoning task sees in place of "{{context}}",
// truncating the least-recently-added records first once maxTokens is
// exceeded so the most recently fetched data survives the cut.
func RenderForReasoning(records []ContextRecord, maxTokens int) string {
	rendered := make([]string, len(records))
	for i, r := range records {
		rendered[i] = renderRecord(r)
	}

	if maxTokens <= 0 {
		return strings.Join(rendered, "\n\n")
	}

	// Walk from most-recent to least-recent, keeping everything that
	// fits; drop older entries first when the budget is exceeded.
	var kept []string
	total := 0
	for i := len(rendered) - 1; i >= 0; i-- {
		t := CountTokens(rendered[i])
		if total+t > maxTokens && len(kept) > 0 {
			continue
		}
		kept = append([]string{rendered[i]}, kept...)
		total += t
	}
	return strings.Join(kept, "\n\n")
}

func renderRecord(r ContextRecord) string {
	pretty, err := json.MarshalIndent(r.Result, "", "  ")
	if err != nil {
		pretty = []byte(fmt.Sprintf("%v", r.Result))
	}
	source := "tool"
	if len(r.SourceURLs) > 0 {
		source = strings.Join(r.SourceURLs, ", ")
	}
	return fmt.Sprintf("Data from %s(%s) — source: %s\n%s", r.ToolName, argsPreview(r.Args), source, string(pretty))
}

func argsPreview(args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(data)
}
