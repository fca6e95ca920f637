package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// Node types that make a statement a write. The walk covers CTE bodies,
// so WITH x AS (DELETE ...) is caught even under a top-level SELECT.
var writeNodeTypes = map[string]bool{
	"InsertStmt":         true,
	"UpdateStmt":         true,
	"DeleteStmt":         true,
	"MergeStmt":          true,
	"TruncateStmt":       true,
	"DropStmt":           true,
	"CreateStmt":         true,
	"CreateTableAsStmt":  true,
	"CreateSchemaStmt":   true,
	"CreateFunctionStmt": true,
	"IndexStmt":          true,
	"AlterTableStmt":     true,
	"GrantStmt":          true,
	"GrantRoleStmt":      true,
	"CopyStmt":           true,
	"DoStmt":             true,
	"LockStmt":           true,
	"VariableSetStmt":    true,
	"TransactionStmt":    true,
	"RefreshMatViewStmt": true,
}

// Validate runs the three-check pipeline on a generated SQL string:
// syntax (Postgres parser), read-only (AST walk for write nodes), and
// table whitelist (referenced relations minus CTE names). Spatial cast
// advisories are returned as warnings and never fail validation.
func Validate(sql string) ValidationResult {
	return ValidateAgainst(sql, AllowedTables)
}

// ValidateAgainst is Validate with an explicit table whitelist.
func ValidateAgainst(sql string, allowed map[string]bool) ValidationResult {
	treeJSON, err := pg_query.ParseToJSON(sql)
	if err != nil {
		return ValidationResult{
			Valid:       false,
			Error:       fmt.Sprintf("SQL syntax error: %v", err),
			CheckFailed: "syntax",
		}
	}

	var root struct {
		Stmts []struct {
			Stmt map[string]any `json:"stmt"`
		} `json:"stmts"`
	}
	if err := json.Unmarshal([]byte(treeJSON), &root); err != nil {
		return ValidationResult{
			Valid:       false,
			Error:       fmt.Sprintf("SQL syntax error: %v", err),
			CheckFailed: "syntax",
		}
	}

	var statements []map[string]any
	for _, s := range root.Stmts {
		if len(s.Stmt) > 0 {
			statements = append(statements, s.Stmt)
		}
	}
	if len(statements) == 0 {
		return ValidationResult{
			Valid:       false,
			Error:       "Empty SQL: no statements parsed.",
			CheckFailed: "syntax",
		}
	}
	if len(statements) != 1 {
		return ValidationResult{
			Valid:       false,
			Error:       fmt.Sprintf("Only a single SELECT statement is allowed. Got %d statements.", len(statements)),
			CheckFailed: "syntax",
		}
	}

	stmt := statements[0]

	if res := checkReadonly(stmt); !res.Valid {
		return res
	}
	if res := checkWhitelist(stmt, allowed); !res.Valid {
		return res
	}

	return ValidationResult{Valid: true, Warnings: checkSpatialCasts(stmt)}
}

func checkReadonly(stmt map[string]any) ValidationResult {
	sel, ok := stmt["SelectStmt"]
	if !ok {
		return ValidationResult{
			Valid:       false,
			Error:       fmt.Sprintf("Only SELECT statements are allowed. Got: %s", nodeTypeName(stmt)),
			CheckFailed: "readonly",
		}
	}

	// SELECT ... INTO creates a table.
	if m, ok := sel.(map[string]any); ok {
		if _, has := m["intoClause"]; has {
			return ValidationResult{
				Valid:       false,
				Error:       "Write operation detected: SELECT INTO. Only SELECT is allowed.",
				CheckFailed: "readonly",
			}
		}
	}

	var offender string
	walkTree(stmt, func(nodeType string, _ map[string]any) {
		if offender == "" && writeNodeTypes[nodeType] {
			offender = nodeType
		}
	})
	if offender != "" {
		return ValidationResult{
			Valid:       false,
			Error:       fmt.Sprintf("Write operation detected: %s. Only SELECT is allowed.", offender),
			CheckFailed: "readonly",
		}
	}

	return ValidationResult{Valid: true}
}

func checkWhitelist(stmt map[string]any, allowed map[string]bool) ValidationResult {
	referenced := map[string]bool{}
	cteNames := map[string]bool{}

	walkTree(stmt, func(nodeType string, node map[string]any) {
		switch nodeType {
		case "RangeVar":
			if name, ok := node["relname"].(string); ok && name != "" {
				referenced[strings.ToLower(name)] = true
			}
		case "CommonTableExpr":
			if name, ok := node["ctename"].(string); ok && name != "" {
				cteNames[strings.ToLower(name)] = true
			}
		}
	})

	var disallowed []string
	for name := range referenced {
		if !cteNames[name] && !allowed[name] {
			disallowed = append(disallowed, name)
		}
	}
	if len(disallowed) > 0 {
		sort.Strings(disallowed)
		return ValidationResult{
			Valid:       false,
			Error:       fmt.Sprintf("Referenced tables not in whitelist: %s", strings.Join(disallowed, ", ")),
			CheckFailed: "whitelist",
		}
	}

	return ValidationResult{Valid: true}
}

// checkSpatialCasts flags ST_DWithin calls with no ::geography cast and
// ST_Contains/ST_Within calls with no ::geometry cast anywhere in their
// argument subtree. Advisory only.
func checkSpatialCasts(stmt map[string]any) []string {
	var warnings []string

	walkTree(stmt, func(nodeType string, node map[string]any) {
		if nodeType != "FuncCall" {
			return
		}
		name := funcCallName(node)
		switch name {
		case "st_dwithin":
			if !subtreeHasCast(node, "geography") {
				warnings = append(warnings,
					"ST_DWithin used without ::geography cast. For distance calculations, cast arguments to ::geography.")
			}
		case "st_contains", "st_within":
			if !subtreeHasCast(node, "geometry") {
				warnings = append(warnings,
					fmt.Sprintf("%s used without ::geometry cast. For containment checks, cast arguments to ::geometry.", strings.ToUpper(name)))
			}
		}
	})

	return warnings
}

// walkTree visits every {"NodeType": {...}} wrapper in a parse tree
// decoded from pg_query's JSON output.
func walkTree(v any, visit func(nodeType string, node map[string]any)) {
	switch t := v.(type) {
	case map[string]any:
		for key, val := range t {
			if child, ok := val.(map[string]any); ok && isNodeTypeName(key) {
				visit(key, child)
			}
			walkTree(val, visit)
		}
	case []any:
		for _, item := range t {
			walkTree(item, visit)
		}
	}
}

// isNodeTypeName reports whether a JSON key looks like a wrapped AST
// node type. pg_query emits node wrappers in UpperCamelCase and plain
// fields in lowerCamelCase.
func isNodeTypeName(key string) bool {
	return key != "" && key[0] >= 'A' && key[0] <= 'Z'
}

func nodeTypeName(stmt map[string]any) string {
	for key := range stmt {
		if isNodeTypeName(key) {
			return key
		}
	}
	return "unknown statement"
}

// funcCallName returns the lowercased unqualified function name of a
// FuncCall node.
func funcCallName(node map[string]any) string {
	names, ok := node["funcname"].([]any)
	if !ok || len(names) == 0 {
		return ""
	}
	last, ok := names[len(names)-1].(map[string]any)
	if !ok {
		return ""
	}
	str, ok := last["String"].(map[string]any)
	if !ok {
		return ""
	}
	sval, _ := str["sval"].(string)
	return strings.ToLower(sval)
}

// subtreeHasCast reports whether any TypeCast under v targets the given
// type name (geography or geometry).
func subtreeHasCast(v any, typeName string) bool {
	found := false
	walkTree(v, func(nodeType string, node map[string]any) {
		if found || nodeType != "TypeCast" {
			return
		}
		tn, ok := node["typeName"].(map[string]any)
		if !ok {
			return
		}
		names, ok := tn["names"].([]any)
		if !ok {
			return
		}
		for _, n := range names {
			m, ok := n.(map[string]any)
			if !ok {
				continue
			}
			str, ok := m["String"].(map[string]any)
			if !ok {
				continue
			}
			if sval, _ := str["sval"].(string); strings.EqualFold(sval, typeName) {
				found = true
				return
			}
		}
	})
	return found
}
