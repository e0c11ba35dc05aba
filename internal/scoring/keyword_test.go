package scoring

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseKeywordLines(t *testing.T) {
	t.Parallel()

	input := `
# interests
AI
+nvidia
!rumor
/gpt-\d+/ => GPT
robot @2.5
`
	kws, err := ParseKeywordLines(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, kws, 5)

	require.Equal(t, "AI", kws[0].Pattern)
	require.Equal(t, ModeSubstring, kws[0].Mode)
	require.Nil(t, kws[0].Weight)
	require.Equal(t, 1.0, kws[0].EffectiveWeight())

	require.True(t, kws[1].Required)
	require.Equal(t, "nvidia", kws[1].Pattern)

	require.True(t, kws[2].Exclude)

	require.Equal(t, ModeRegex, kws[3].Mode)
	require.Equal(t, `gpt-\d+`, kws[3].Pattern)
	require.Equal(t, "GPT", kws[3].Label())

	require.Equal(t, "robot", kws[4].Pattern)
	require.Equal(t, 2.5, kws[4].EffectiveWeight())
}

func TestParseKeywordLinesKeepsZeroWeight(t *testing.T) {
	t.Parallel()
	kws, err := ParseKeywordLines(strings.NewReader("muted @0\n"))
	require.NoError(t, err)
	require.Len(t, kws, 1)
	require.NotNil(t, kws[0].Weight)
	require.Zero(t, kws[0].EffectiveWeight())
}

func TestParseKeywordLinesErrors(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"bad weight": "robot @x",
		"bad regex":  "/(/",
		"empty":      "+",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseKeywordLines(strings.NewReader(input))
			require.Error(t, err)
		})
	}
}

func TestLoadKeywordFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	txt := filepath.Join(dir, "keywords.txt")
	require.NoError(t, os.WriteFile(txt, []byte("AI\n!sports\n"), 0o600))
	kws, err := LoadKeywordFile(txt)
	require.NoError(t, err)
	require.Len(t, kws, 2)
	require.True(t, kws[1].Exclude)

	yml := filepath.Join(dir, "keywords.yaml")
	body := `
- pattern: AI
  weight: 2
- pattern: "gpt-\\d+"
  mode: regex
  display: GPT
`
	require.NoError(t, os.WriteFile(yml, []byte(body), 0o600))
	kws, err = LoadKeywordFile(yml)
	require.NoError(t, err)
	require.Len(t, kws, 2)
	require.Equal(t, 2.0, kws[0].EffectiveWeight())
	require.Nil(t, kws[1].Weight)
	require.Equal(t, ModeRegex, kws[1].Mode)
	require.Equal(t, "GPT", kws[1].Label())

	_, err = LoadKeywordFile(filepath.Join(dir, "missing.txt"))
	require.Error(t, err)
}

func TestMatcherNil(t *testing.T) {
	t.Parallel()
	var m *Matcher
	matches, ok := m.Match("anything")
	require.True(t, ok)
	require.Empty(t, matches)
	require.False(t, m.HasPositive())
}
