package apperr

import (
	"encoding/json"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

var (
	lineExpr   = jp.MustParseString("$.loc.line")
	columnExpr = jp.MustParseString("$.loc.column")
)

// Locate builds a Location for path from a serialized AST fragment. Fragments
// without a usable "loc" object yield a path-only location.
func Locate(path string, ast json.RawMessage) Location {
	loc := Location{Path: path}
	if len(ast) == 0 {
		return loc
	}
	node, err := oj.Parse(ast)
	if err != nil {
		return loc
	}
	loc.Line = firstInt(lineExpr, node)
	loc.Column = firstInt(columnExpr, node)
	return loc
}

func firstInt(x jp.Expr, node any) int {
	switch v := x.First(node).(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
