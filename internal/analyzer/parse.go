package analyzer

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"

	"codelens/internal/types"
)

// declPattern recognizes one family of declarations. The submatch named by
// group is the declared identifier.
type declPattern struct {
	kind  string
	re    *regexp.Regexp
	group int
}

// Declaration patterns cover the common declaration keywords across the
// supported languages. Line-oriented on purpose: the structural layer's
// budget does not allow a full parse, and a tree-sitter backed ParseQuerier
// can replace this scanner without touching the layer.
var declPatterns = []declPattern{
	{"function", regexp.MustCompile(`^\s*(?:pub\s+|export\s+|async\s+|static\s+|public\s+|private\s+|protected\s+)*(?:func|fn|def|function)\s+(?:\([^)]*\)\s+)?([A-Za-z_][A-Za-z0-9_]*)`), 1},
	{"type", regexp.MustCompile(`^\s*(?:pub\s+|export\s+)*(?:type|class|struct|interface|enum|trait)\s+([A-Za-z_][A-Za-z0-9_]*)`), 1},
	{"variable", regexp.MustCompile(`^\s*(?:var|let|const)\s+([A-Za-z_][A-Za-z0-9_]*)`), 1},
	{"method", regexp.MustCompile(`^\s*(?:public|private|protected)\s+(?:static\s+)?[A-Za-z_][A-Za-z0-9_<>\[\]]*\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`), 1},
}

// scanParser is the built-in ParseQuerier.
type scanParser struct{}

// NewScanParser returns the declaration-pattern parser.
func NewScanParser() ParseQuerier { return scanParser{} }

func (scanParser) Symbols(ctx context.Context, uri, content string) ([]Symbol, error) {
	var symbols []Symbol
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return symbols, err
			}
		}
		for _, p := range declPatterns {
			m := p.re.FindStringSubmatchIndex(line)
			if m == nil {
				continue
			}
			start, end := m[2*p.group], m[2*p.group+1]
			symbols = append(symbols, Symbol{
				Name: line[start:end],
				Kind: p.kind,
				Range: types.Range{
					Start: types.Position{Line: i, Character: start},
					End:   types.Position{Line: i, Character: end},
				},
				Signature: strings.TrimSpace(line),
			})
			break
		}
	}
	return symbols, nil
}

// languageOf maps a URI to a coarse language tag used by suggestion text.
func languageOf(uri string) string {
	switch filepath.Ext(strings.TrimPrefix(uri, "file://")) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".jsx":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".java":
		return "java"
	case ".rs":
		return "rust"
	case ".rb":
		return "ruby"
	default:
		return "unknown"
	}
}
