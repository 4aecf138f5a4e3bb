package queryopt

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"skic/internal/ast"
)

// QueryPlan is an optimised, possibly rewritten pattern with cost
// metadata, immutable after construction.
type QueryPlan struct {
	OriginalPattern  ast.Node
	OptimisedPattern ast.Node
	ContextIDs       []string
	VarsToBind       []*ast.Variable
	EstimatedCost    float64
	Hash             string
}

// PlanHash derives a stable hash from (pattern, context_ids, bind_vars).
func PlanHash(pattern ast.Node, contextIDs []string, bindVars []*ast.Variable) string {
	h := sha256.New()
	h.Write([]byte(pattern.String()))
	h.Write([]byte("|"))
	h.Write([]byte(strings.Join(contextIDs, ",")))
	h.Write([]byte("|"))
	for _, v := range bindVars {
		h.Write([]byte(v.String()))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// complexity is the static cost model: Variable=10, Constant=1,
// Application=complexity(op)+sum(args), Connective=sum(operands),
// default 5.
func complexity(n ast.Node) float64 {
	switch v := n.(type) {
	case *ast.Variable:
		return 10
	case *ast.Constant:
		return 1
	case *ast.Application:
		c := complexity(v.Operator)
		for _, a := range v.Args {
			c += complexity(a)
		}
		return c
	case *ast.Connective:
		var c float64
		for _, op := range v.Operands {
			c += complexity(op)
		}
		return c
	default:
		return 5
	}
}

// estimateCost uses the historical average query time for hash if known,
// else falls back to |context_ids| * complexity(pattern).
func estimateCost(stats *Statistics, hash string, contextIDs []string, pattern ast.Node) float64 {
	if avg, ok := stats.AverageQueryTime(hash); ok {
		return float64(avg) / float64(time.Microsecond)
	}
	return float64(len(contextIDs)) * complexity(pattern)
}
