package ingest

import (
	"fmt"
	"strings"

	"classwatch/internal/normalize"
)

// Parser turns one line of a newline-delimited stream into frames. Blank
// lines and # comments yield nothing.
type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

func (p *Parser) ParseLine(line string) ([]normalize.FrameFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" || strings.HasPrefix(trim, "#") {
		return nil, nil
	}
	if !looksLikeJSON(trim) {
		return nil, fmt.Errorf("unsupported line format: %.40q", trim)
	}
	return ParseFramesJSON([]byte(trim))
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}
