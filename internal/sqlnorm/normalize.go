// Package sqlnorm rewrites engine-emitted SQL for adapters that can't
// address a fully-qualified database.schema.table reference.
package sqlnorm

import (
	"fmt"
	"regexp"
)

var (
	threePartQuotedRe   = regexp.MustCompile(`"[^"]+"\."([^"]+)"\."([^"]+)"`)
	threePartUnquotedRe = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)\b`)
)

// Normalize rewrites three-part identifiers (database.schema.table) down
// to two-part (schema.table) for adapterType "postgres"; every other
// adapter type is returned unchanged, since only Postgres rejects the
// fully-qualified form. A nil or empty sql is returned as-is.
//
// When databaseName is non-empty, that exact name is stripped as the
// leading segment in both quoted and unquoted forms — this avoids
// matching unrelated dotted identifiers inside string literals or
// comments that happen to look three-part. Only when that targeted pass
// makes no change does a generic three-part-anywhere rewrite apply as a
// fallback.
func Normalize(sql *string, adapterType, databaseName string) *string {
	if sql == nil || *sql == "" {
		return sql
	}
	if adapterType != "postgres" {
		return sql
	}

	original := *sql
	normalized := original

	if databaseName != "" {
		quotedPattern := regexp.MustCompile(`"` + regexp.QuoteMeta(databaseName) + `"\."([^"]+)"\."([^"]+)"`)
		normalized = quotedPattern.ReplaceAllString(normalized, `"$1"."$2"`)
		unquotedPattern := regexp.MustCompile(`\b` + regexp.QuoteMeta(databaseName) + `\.([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)\b`)
		normalized = unquotedPattern.ReplaceAllString(normalized, `$1.$2`)
	}

	if normalized == original {
		normalized = threePartQuotedRe.ReplaceAllString(normalized, `"$1"."$2"`)
		normalized = threePartUnquotedRe.ReplaceAllStringFunc(normalized, func(match string) string {
			groups := threePartUnquotedRe.FindStringSubmatch(match)
			return fmt.Sprintf("%s.%s", groups[2], groups[3])
		})
	}

	return &normalized
}
