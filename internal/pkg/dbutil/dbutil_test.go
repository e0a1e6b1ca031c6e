package dbutil

import (
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func TestFinalizeRebindsAndSwapsLimit(t *testing.T) {
	query, args := Finalize("SELECT source FROM documents WHERE source=? LIMIT ?, ?", []interface{}{"a.txt", 20, 10})
	require.Equal(t, "SELECT source FROM documents WHERE source=$1 LIMIT $2 OFFSET $3", query)
	require.Equal(t, []interface{}{"a.txt", 10, 20}, args)
}

func TestFinalizeWithoutLimit(t *testing.T) {
	query, args := Finalize("DELETE FROM embedding_cache WHERE ctime<?", []interface{}{int64(5)})
	require.Equal(t, "DELETE FROM embedding_cache WHERE ctime<$1", query)
	require.Equal(t, []interface{}{int64(5)}, args)
}

func TestSQLStateClassification(t *testing.T) {
	tooMany := fmt.Errorf("connect: %w", &pq.Error{Code: "53300"})
	require.True(t, IsTooManyConnections(tooMany))
	require.False(t, IsConflict(tooMany))

	require.True(t, IsConflict(&pq.Error{Code: "23505"}))
	require.True(t, IsRLSViolation(&pq.Error{Code: "42501"}))
	require.False(t, IsTooManyConnections(fmt.Errorf("plain")))
}
