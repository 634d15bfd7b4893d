package repository

import "strings"

// QuoteIdent wraps an identifier in double quotes, doubling any embedded
// quote characters. Schema and table names are embedded into SQL text this
// way because no backend supports bind parameters for identifiers. The names
// come exclusively from the TOML config, never from runtime user input.
//
// Examples:
//   - "public" -> `"public"`
//   - `we"ird` -> `"we""ird"`
func QuoteIdent(ident string) string {
	var b strings.Builder
	b.Grow(len(ident) + 2)
	b.WriteByte('"')
	for _, ch := range ident {
		if ch == '"' {
			b.WriteRune('"')
		}
		b.WriteRune(ch)
	}
	b.WriteByte('"')
	return b.String()
}

// Relation formats a schema-qualified relation name with proper quoting.
// An empty schema yields just the quoted table (SQLite has no schemas).
//
// Examples:
//   - ("public", "__qop_migrations") -> `"public"."__qop_migrations"`
//   - ("", "__qop_log") -> `"__qop_log"`
func Relation(schema, table string) string {
	if schema == "" {
		return QuoteIdent(table)
	}
	return QuoteIdent(schema) + "." + QuoteIdent(table)
}
