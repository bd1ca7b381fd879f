package capture

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/dap-orchestrator/pkg/types"
)

func TestRing_DropsOldest(t *testing.T) {
	r := NewRing(3, 0)
	for i := 1; i <= 5; i++ {
		r.Append(lineOf(fmt.Sprintf("line %d", i)))
	}

	lines := r.Lines()
	require.Len(t, lines, 3)
	assert.Equal(t, "line 3", lines[0].Text)
	assert.Equal(t, "line 5", lines[2].Text)
}

func TestRing_TruncatesLongLines(t *testing.T) {
	r := NewRing(2, 4)
	r.Append(lineOf("abcdefgh"))
	assert.Equal(t, "abcd…", r.Lines()[0].Text)
}

func TestStore_OutputAndExitCode(t *testing.T) {
	s := NewStore(50, 100)

	s.AppendOutput("s1", "stdout", "hello\n")
	s.AppendOutput("s1", "", "plain")
	s.AppendOutput("s2", "stderr", "other")

	out := s.Output("s1")
	require.Len(t, out, 2)
	assert.Equal(t, "stdout", out[0].Category)
	assert.Equal(t, "console", out[1].Category)
	assert.False(t, out[0].Timestamp.IsZero())

	_, ok := s.ExitCode("s1")
	assert.False(t, ok)
	assert.Nil(t, s.ExitCodePtr("s1"))

	s.SetExitCode("s1", 3)
	code, ok := s.ExitCode("s1")
	require.True(t, ok)
	assert.Equal(t, 3, code)

	s.Evict("s1")
	assert.Nil(t, s.Output("s1"))
	assert.Len(t, s.Output("s2"), 1)
}

func TestStore_RetainsRecentTerminated(t *testing.T) {
	s := NewStore(5, 100)
	for i := 0; i < retainedTerminated+2; i++ {
		id := fmt.Sprintf("s%d", i)
		s.AppendOutput(id, "stdout", id)
		s.MarkTerminated(id)
	}

	assert.Nil(t, s.Output("s0"))
	assert.Nil(t, s.Output("s1"))
	assert.Len(t, s.Output("s2"), 1)
	assert.Len(t, s.Output(fmt.Sprintf("s%d", retainedTerminated+1)), 1)
}

func lineOf(text string) types.OutputLine {
	return types.OutputLine{Category: "stdout", Text: text}
}
