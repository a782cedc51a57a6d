package analyzer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"codelens/internal/types"
)

// Fingerprint derives the cache and coalescing key for a request. Only the
// fields the operation actually consults are folded in, so equivalent
// requests that differ in irrelevant fields share a key.
func Fingerprint(req types.AnalysisRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s", req.Operation, req.URI)

	switch req.Operation {
	case types.OpFindDefinition:
		fmt.Fprintf(&b, "|%s|%d:%d", req.Identifier, req.Position.Line, req.Position.Character)
	case types.OpFindReferences:
		fmt.Fprintf(&b, "|%s|%d:%d|%t", req.Identifier, req.Position.Line, req.Position.Character, req.IncludeDeclaration)
	case types.OpRename:
		fmt.Fprintf(&b, "|%s|%d:%d|%s", req.Identifier, req.Position.Line, req.Position.Character, req.NewName)
	case types.OpSuggestRefactoring:
		// file-scoped; no position
	case types.OpCompletion:
		fmt.Fprintf(&b, "|%d:%d|%s", req.Position.Line, req.Position.Character, req.Prefix)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return "analysis:" + hex.EncodeToString(sum[:16])
}
