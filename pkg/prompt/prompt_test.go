package prompt_test

import (
	"bytes"
	"strings"
	"testing"

	. "github.com/cchexcode/qop/pkg/prompt"
	"github.com/stretchr/testify/require"
)

func TestConfirm(t *testing.T) {
	cases := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"Y\n", true},
		{"yes\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false}, // EOF declines
		{"whatever\n", false},
	}

	for _, tc := range cases {
		t.Run("input "+strings.TrimSpace(tc.input), func(t *testing.T) {
			var out bytes.Buffer
			p := New(strings.NewReader(tc.input), &out)

			ok, err := p.Confirm("Do you want to continue?")
			require.NoError(t, err)
			require.Equal(t, tc.want, ok)
			require.Contains(t, out.String(), "Do you want to continue? [y/N]: ")
		})
	}
}

func TestConfirmWithDiff(t *testing.T) {
	t.Run("auto-confirm consumes no input", func(t *testing.T) {
		var out bytes.Buffer
		p := New(strings.NewReader(""), &out)

		ok, err := p.ConfirmWithDiff("Apply?", true, func() error { return nil })
		require.NoError(t, err)
		require.True(t, ok)
		require.Empty(t, out.String())
	})

	t.Run("diff renders then re-asks", func(t *testing.T) {
		var out bytes.Buffer
		p := New(strings.NewReader("d\ny\n"), &out)

		rendered := 0
		ok, err := p.ConfirmWithDiff("Apply?", false, func() error {
			rendered++
			p.RenderSQL("1700000000001", DirectionUp, "CREATE TABLE t (id INT);")
			return nil
		})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 1, rendered)
		require.Contains(t, out.String(), "📋 Migration Details:")
		require.Contains(t, out.String(), "▶ Migration: 1700000000001 [UP]")
		require.Contains(t, out.String(), "CREATE TABLE t (id INT);")
	})

	t.Run("garbage re-asks with a hint", func(t *testing.T) {
		var out bytes.Buffer
		p := New(strings.NewReader("maybe\nn\n"), &out)

		ok, err := p.ConfirmWithDiff("Apply?", false, func() error { return nil })
		require.NoError(t, err)
		require.False(t, ok)
		require.Contains(t, out.String(), "Please enter 'y' (yes), 'n' (no), or 'd' (diff)")
		require.Equal(t, 2, strings.Count(out.String(), "Apply? [y/N/d]: "))
	})

	t.Run("empty answer declines", func(t *testing.T) {
		var out bytes.Buffer
		p := New(strings.NewReader("\n"), &out)

		ok, err := p.ConfirmWithDiff("Apply?", false, func() error { return nil })
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestRenderSQL(t *testing.T) {
	var out bytes.Buffer
	p := New(strings.NewReader(""), &out)

	p.RenderSQL("1700000000001", DirectionDown, "DROP TABLE t;")

	lines := strings.Split(out.String(), "\n")
	require.Equal(t, "▶ Migration: 1700000000001 [DOWN]", lines[1])
	require.Equal(t, strings.Repeat("─", 56), lines[2])
	require.Equal(t, "DROP TABLE t;", lines[3])
	require.Equal(t, strings.Repeat("─", 56), lines[4])
}
