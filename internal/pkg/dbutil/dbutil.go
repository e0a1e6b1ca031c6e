package dbutil

import (
	"errors"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var limitRegex = regexp.MustCompile(`(?i)LIMIT\s+\?\s*,\s*\?`)

// Finalize turns gendry output into a postgres query: "LIMIT ?, ?" becomes
// "LIMIT ? OFFSET ?" and placeholders are rebound to $n.
func Finalize(query string, args []interface{}) (string, []interface{}) {
	loc := limitRegex.FindStringIndex(query)
	if loc != nil {
		prefix := query[:loc[0]]
		qCount := strings.Count(prefix, "?")
		if qCount+1 < len(args) {
			args[qCount], args[qCount+1] = args[qCount+1], args[qCount]
			query = limitRegex.ReplaceAllString(query, "LIMIT ? OFFSET ?")
		}
	}
	return sqlx.Rebind(sqlx.DOLLAR, query), args
}

func sqlState(err error) string {
	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		return string(pgErr.Code)
	}
	return ""
}

func IsConflict(err error) bool {
	return sqlState(err) == "23505"
}

// IsTooManyConnections reports server side connection exhaustion
// (too_many_connections, cannot_connect_now).
func IsTooManyConnections(err error) bool {
	switch sqlState(err) {
	case "53300", "57P03":
		return true
	}
	return false
}

// IsRLSViolation reports an insert rejected by a row level security WITH CHECK.
func IsRLSViolation(err error) bool {
	return sqlState(err) == "42501"
}
