// Package sqlguard validates plugin-submitted SQL before it is executed on the
// plugin's behalf. The contract is: SELECT-only, no statement separators or
// comment tokens, tables restricted to an allow-list, and a forced row limit.
// Every violation fails closed; the only rewrite the guard performs is
// appending a LIMIT clause when one is absent.
package sqlguard

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/tunelab/tunelab/internal/tlerr"
)

// DefaultMaxRows is the row cap applied when the policy does not set one.
const DefaultMaxRows = 500

// DefaultAllowedTables are the practice-catalog tables a plugin may read.
var DefaultAllowedTables = []string{"tune", "practice_record", "playlist", "playlist_tune"}

// forbidden substrings checked anywhere in the statement, including inside
// string literals. Fail-closed is the contract: a quoted "--" costs the plugin
// a rejection, never the host an injection.
var forbiddenTokens = []string{";", "--", "/*", "*/", "#"}

// keywords that may never appear in a gatekept statement.
var forbiddenKeywords = map[string]struct{}{
	"insert": {}, "update": {}, "delete": {}, "drop": {}, "alter": {},
	"create": {}, "attach": {}, "detach": {}, "pragma": {}, "vacuum": {},
	"replace": {}, "grant": {}, "revoke": {}, "truncate": {}, "into": {},
}

// keywords that terminate a FROM table list.
var fromListTerminators = map[string]struct{}{
	"where": {}, "group": {}, "order": {}, "limit": {}, "having": {},
	"union": {}, "intersect": {}, "except": {}, "on": {}, "using": {},
}

// Policy configures the guard.
type Policy struct {
	// AllowedTables lists the table names (lowercase) a query may reference.
	// Empty means DefaultAllowedTables.
	AllowedTables []string

	// MaxRows is the hard row cap. Zero means DefaultMaxRows.
	MaxRows int
}

// Guard validates plugin SQL against a Policy.
type Guard struct {
	allowed map[string]struct{}
	maxRows int
}

// New creates a Guard from the given policy, filling in defaults.
func New(policy Policy) *Guard {
	tables := policy.AllowedTables
	if len(tables) == 0 {
		tables = DefaultAllowedTables
	}
	allowed := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		allowed[strings.ToLower(t)] = struct{}{}
	}
	maxRows := policy.MaxRows
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &Guard{allowed: allowed, maxRows: maxRows}
}

// Default returns a Guard with the default policy.
func Default() *Guard {
	return New(Policy{})
}

// Validate checks a plugin-submitted SQL string and returns the statement that
// may actually be executed. The returned SQL equals the input except that a
// LIMIT clause is appended when absent.
func (g *Guard) Validate(query string) (string, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return "", tlerr.New(tlerr.ErrQueryRejected, "empty query")
	}

	for _, tok := range forbiddenTokens {
		if strings.Contains(trimmed, tok) {
			return "", tlerr.Newf(tlerr.ErrQueryRejected, "query contains forbidden token %q", tok).
				WithSQL(trimmed)
		}
	}

	tokens, err := scan(trimmed)
	if err != nil {
		return "", err
	}
	if len(tokens) == 0 || !tokens[0].isKeyword("select") {
		return "", tlerr.New(tlerr.ErrQueryRejected, "only SELECT statements are allowed").
			WithSQL(trimmed)
	}

	for _, t := range tokens {
		if t.kind == tokenIdent {
			if _, bad := forbiddenKeywords[strings.ToLower(t.text)]; bad {
				return "", tlerr.Newf(tlerr.ErrQueryRejected, "keyword %q is not allowed", strings.ToUpper(t.text)).
					WithSQL(trimmed)
			}
		}
	}

	if err := g.checkTables(tokens, trimmed); err != nil {
		return "", err
	}

	return g.clampLimit(tokens, trimmed)
}

// checkTables scans FROM/JOIN clauses and verifies every referenced table is
// in the allow-list. Subqueries need no special handling: their own FROM
// tokens appear in the same stream and are scanned identically.
func (g *Guard) checkTables(tokens []token, sql string) error {
	expectTable := false
	inFromList := false

	for _, t := range tokens {
		switch {
		case t.isKeyword("from"), t.isKeyword("join"):
			expectTable = true
			inFromList = t.isKeyword("from")
		case expectTable && t.kind == tokenIdent:
			name := normalizeTable(t.text)
			if _, ok := g.allowed[name]; !ok {
				return tlerr.Newf(tlerr.ErrQueryTable, "table %q is not in the allow-list", name).
					WithSQL(sql).
					WithHelp("allowed tables: " + g.allowedList())
			}
			expectTable = false
		case expectTable && t.kind == tokenPunct && t.text == "(":
			// Subquery: the nested FROM will be scanned in turn
			expectTable = false
		case inFromList && t.kind == tokenPunct && t.text == ",":
			expectTable = true
		case t.kind == tokenIdent:
			if _, terminates := fromListTerminators[strings.ToLower(t.text)]; terminates {
				inFromList = false
				expectTable = false
			}
		}
	}

	// SELECT without FROM (e.g. SELECT 1) reads no tables and is allowed
	return nil
}

// clampLimit enforces the row cap. Every LIMIT in the statement must use a
// literal count within the cap, and the comma form (LIMIT offset, count) is
// rejected outright. Only a top-level LIMIT bounds the result set, so one is
// appended unless the statement already has one outside all parentheses; a
// LIMIT inside a subquery does not count.
func (g *Guard) clampLimit(tokens []token, sql string) (string, error) {
	depth := 0
	topLevel := false

	for i, t := range tokens {
		if t.kind == tokenPunct {
			switch t.text {
			case "(":
				depth++
			case ")":
				depth--
			}
			continue
		}
		if !t.isKeyword("limit") {
			continue
		}
		if i+1 >= len(tokens) || tokens[i+1].kind != tokenNumber {
			return "", tlerr.New(tlerr.ErrQueryRejected, "LIMIT clause must use a literal row count").
				WithSQL(sql)
		}
		n, err := strconv.Atoi(tokens[i+1].text)
		if err != nil || n < 0 {
			return "", tlerr.New(tlerr.ErrQueryRejected, "LIMIT clause must use a literal row count").
				WithSQL(sql)
		}
		if n > g.maxRows {
			return "", tlerr.Newf(tlerr.ErrQueryLimit, "LIMIT %d exceeds the row cap of %d", n, g.maxRows).
				WithSQL(sql)
		}
		// The comma form means (offset, count): the first number is not the
		// row count at all, so it cannot be checked against the cap.
		if i+2 < len(tokens) && tokens[i+2].kind == tokenPunct && tokens[i+2].text == "," {
			return "", tlerr.New(tlerr.ErrQueryRejected, "LIMIT with a comma-separated offset is not allowed").
				WithSQL(sql).
				WithHelp("use LIMIT <count> OFFSET <offset> instead")
		}
		if depth == 0 {
			topLevel = true
		}
	}

	if topLevel {
		return sql, nil
	}
	return fmt.Sprintf("%s LIMIT %d", sql, g.maxRows), nil
}

func (g *Guard) allowedList() string {
	names := make([]string, 0, len(g.allowed))
	for n := range g.allowed {
		names = append(names, n)
	}
	// Sorted for deterministic error output
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// normalizeTable strips identifier quoting and lowercases the name.
// Schema-qualified names are kept whole so they fail the allow-list closed.
func normalizeTable(name string) string {
	name = strings.Trim(name, "\"`[]")
	return strings.ToLower(name)
}

type tokenKind int

const (
	tokenIdent tokenKind = iota
	tokenNumber
	tokenString
	tokenPunct
)

type token struct {
	kind tokenKind
	text string
}

func (t token) isKeyword(kw string) bool {
	return t.kind == tokenIdent && strings.EqualFold(t.text, kw)
}

// scan tokenizes a SQL string into identifiers, numbers, string literals, and
// punctuation. It is not a parser: it exists so table extraction and limit
// clamping never depend on regular expressions over raw SQL.
func scan(sql string) ([]token, error) {
	var tokens []token
	runes := []rune(sql)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '\'':
			// String literal with '' escaping
			j := i + 1
			for j < len(runes) {
				if runes[j] == '\'' {
					if j+1 < len(runes) && runes[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			if j >= len(runes) {
				return nil, tlerr.New(tlerr.ErrQueryRejected, "unterminated string literal").WithSQL(sql)
			}
			tokens = append(tokens, token{tokenString, string(runes[i : j+1])})
			i = j + 1
		case r == '"' || r == '`':
			// Quoted identifier
			quote := r
			j := i + 1
			for j < len(runes) && runes[j] != quote {
				j++
			}
			if j >= len(runes) {
				return nil, tlerr.New(tlerr.ErrQueryRejected, "unterminated quoted identifier").WithSQL(sql)
			}
			tokens = append(tokens, token{tokenIdent, string(runes[i : j+1])})
			i = j + 1
		case unicode.IsDigit(r):
			j := i
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tokenNumber, string(runes[i:j])})
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_' || runes[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tokenIdent, string(runes[i:j])})
			i = j
		default:
			tokens = append(tokens, token{tokenPunct, string(r)})
			i++
		}
	}
	return tokens, nil
}
