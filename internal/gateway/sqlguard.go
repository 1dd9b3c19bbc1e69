package gateway

import (
	"fmt"
	"strings"
)

// allowedTables is the hard allow-list for caller-supplied SQL. Anything
// else is rejected before the statement leaves the gateway.
var allowedTables = map[string]bool{
	"users":          true,
	"sessions":       true,
	"api_keys":       true,
	"signals":        true,
	"audit_log":      true,
	"routing_rules":  true,
	"webhooks":       true,
	"node_health":    true,
	"metrics_hourly": true,
}

// destructive verbs are blocked outright; DDL and destructive DML never
// cross the public API.
var blockedKeywords = []string{"DROP", "ALTER", "CREATE", "TRUNCATE"}

// CheckQuery validates caller-supplied SQL against the table allow-list and
// the destructive-keyword block list. It is a lexical guard, not a parser:
// anything ambiguous is rejected.
func CheckQuery(query string) error {
	q := strings.TrimSpace(query)
	if q == "" {
		return fmt.Errorf("empty query")
	}

	tokens := tokenize(q)
	upper := make([]string, len(tokens))
	for i, t := range tokens {
		upper[i] = strings.ToUpper(t)
	}

	for _, t := range upper {
		for _, kw := range blockedKeywords {
			if t == kw {
				return fmt.Errorf("keyword %s is not allowed", kw)
			}
		}
	}
	for i, t := range upper {
		if t == "INSERT" && i+1 < len(upper) && upper[i+1] == "INTO" {
			return fmt.Errorf("INSERT INTO is not allowed")
		}
		if t == "DELETE" && i+1 < len(upper) && upper[i+1] == "FROM" {
			return fmt.Errorf("DELETE FROM is not allowed")
		}
		if t == "UPDATE" {
			for _, rest := range upper[i+1:] {
				if rest == "SET" {
					return fmt.Errorf("UPDATE is not allowed")
				}
			}
		}
	}

	for i, t := range upper {
		if (t == "FROM" || t == "JOIN" || t == "INTO" || t == "UPDATE") && i+1 < len(tokens) {
			table := strings.ToLower(strings.Trim(tokens[i+1], "`\"'"))
			if table == "" || strings.HasPrefix(table, "(") {
				continue
			}
			if !allowedTables[table] {
				return fmt.Errorf("table %q is not in the allow-list", table)
			}
		}
	}

	return nil
}

func tokenize(q string) []string {
	return strings.FieldsFunc(q, func(r rune) bool {
		switch r {
		case ' ', '\t', '\n', '\r', ',', ';', '(', ')':
			return true
		}
		return false
	})
}
