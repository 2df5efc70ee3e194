package diag

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/emicklei/dot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pair struct{}

func (pair) Describe(graph *dot.Graph) dot.Node {
	source := graph.Node("source").Label("camera")
	sink := graph.Node("sink").Label("renderer")
	graph.Edge(source, sink)
	return source
}

func TestDumpDotFile(t *testing.T) {
	dir := t.TempDir()
	dumper := NewDumper(DumperConfig{Dir: dir})
	dumper.now = func() time.Time { return dumper.start.Add(time.Hour + 2*time.Minute + 3*time.Second + 4) }

	dump, err := dumper.DumpDotFile(pair{}, "test_send-got_source-video-source", true)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "1.02.03.000000004-test_send-got_source-video-source.dot"), dump.File)
	content, err := os.ReadFile(dump.File)
	require.NoError(t, err)
	assert.Contains(t, string(content), "digraph")
	assert.Contains(t, string(content), "camera")

	cached, ok := dumper.Get("test_send-got_source-video-source")
	require.True(t, ok)
	assert.Equal(t, content, cached)
	assert.Equal(t, len(content), dump.Size)
}

func TestDumpWithoutTimestamp(t *testing.T) {
	dir := t.TempDir()
	dumper := NewDumper(DumperConfig{Dir: dir})

	dump, err := dumper.DumpDotFile(pair{}, "agent", false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "agent.dot"), dump.File)
}

func TestDumpInMemoryOnly(t *testing.T) {
	dumper := NewDumper(DumperConfig{})

	_, err := dumper.DumpDotFile(pair{}, "b", true)
	require.NoError(t, err)
	dump, err := dumper.DumpDotFile(pair{}, "a", true)
	require.NoError(t, err)
	assert.Empty(t, dump.File)

	dumps := dumper.Dumps()
	require.Len(t, dumps, 2)
	assert.Equal(t, "a", dumps[0].Name)
	assert.Equal(t, "b", dumps[1].Name)

	_, ok := dumper.Get("missing")
	assert.False(t, ok)
}

func TestDumpRejectsPaths(t *testing.T) {
	dumper := NewDumper(DumperConfig{})

	_, err := dumper.DumpDotFile(pair{}, "../escape", false)
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = dumper.DumpDotFile(pair{}, "", false)
	assert.ErrorIs(t, err, ErrInvalidName)
}
