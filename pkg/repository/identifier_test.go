package repository_test

import (
	"testing"

	. "github.com/cchexcode/qop/pkg/repository"
	"github.com/stretchr/testify/require"
)

func TestQuoteIdent(t *testing.T) {
	require.Equal(t, `"public"`, QuoteIdent("public"))
	require.Equal(t, `"__qop_migrations"`, QuoteIdent("__qop_migrations"))
	require.Equal(t, `"we""ird"`, QuoteIdent(`we"ird`))
	require.Equal(t, `""""`, QuoteIdent(`"`))
	require.Equal(t, `""`, QuoteIdent(""))
}

func TestRelation(t *testing.T) {
	require.Equal(t, `"public"."__qop_migrations"`, Relation("public", "__qop_migrations"))
	require.Equal(t, `"__qop_log"`, Relation("", "__qop_log"))
	require.Equal(t, `"my ""schema"""."t"`, Relation(`my "schema"`, "t"))
}
