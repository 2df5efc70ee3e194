// Package diag writes Graphviz snapshots of the media graph, the way
// GStreamer pipelines are dumped with GST_DEBUG_DUMP_DOT_DIR.
package diag

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emicklei/dot"
	"github.com/pion/logging"
)

var ErrInvalidName = errors.New("diag: invalid dump name")

// Describer adds itself, and whatever it is connected to, to a graph.
type Describer interface {
	Describe(graph *dot.Graph) dot.Node
}

type Dump struct {
	Name      string    `json:"name"`
	File      string    `json:"file,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Size      int       `json:"size"`
}

type DumperConfig struct {
	// Dir is where .dot files go. Without it dumps only live in memory.
	Dir           string
	LoggerFactory logging.LoggerFactory
}

// Dumper renders Describers to DOT, writes them to Dir and keeps the
// latest rendering of every name for the debug API.
type Dumper struct {
	dir   string
	start time.Time
	now   func() time.Time
	log   logging.LeveledLogger

	mu     sync.RWMutex
	latest map[string]dumped
}

type dumped struct {
	Dump
	content []byte
}

func NewDumper(config DumperConfig) *Dumper {
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Dumper{
		dir:    config.Dir,
		start:  time.Now(),
		now:    time.Now,
		log:    loggerFactory.NewLogger("diag"),
		latest: make(map[string]dumped),
	}
}

// DumpDotFile renders describer under name. With timestamp set, the file name
// is prefixed with the time elapsed since the dumper was created.
func (dumper *Dumper) DumpDotFile(describer Describer, name string, timestamp bool) (Dump, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return Dump{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	graph := dot.NewGraph(dot.Directed)
	graph.Attr("rankdir", "LR")
	graph.Attr("label", name)
	describer.Describe(graph)
	content := []byte(graph.String())

	now := dumper.now()
	dump := Dump{Name: name, CreatedAt: now, Size: len(content)}

	if dumper.dir != "" {
		fileName := name + ".dot"
		if timestamp {
			fileName = elapsedPrefix(now.Sub(dumper.start)) + "-" + fileName
		}
		if err := os.MkdirAll(dumper.dir, 0o755); err != nil {
			return Dump{}, err
		}
		path := filepath.Join(dumper.dir, fileName)
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return Dump{}, err
		}
		dump.File = path
		dumper.log.Infof("dumped %s", path)
	}

	dumper.mu.Lock()
	dumper.latest[name] = dumped{Dump: dump, content: content}
	dumper.mu.Unlock()

	return dump, nil
}

func (dumper *Dumper) Dumps() []Dump {
	dumper.mu.RLock()
	defer dumper.mu.RUnlock()

	dumps := make([]Dump, 0, len(dumper.latest))
	for _, entry := range dumper.latest {
		dumps = append(dumps, entry.Dump)
	}
	sort.Slice(dumps, func(i, j int) bool {
		return dumps[i].Name < dumps[j].Name
	})
	return dumps
}

func (dumper *Dumper) Get(name string) ([]byte, bool) {
	dumper.mu.RLock()
	defer dumper.mu.RUnlock()

	entry, ok := dumper.latest[name]
	return entry.content, ok
}

// elapsedPrefix formats d as H.MM.SS.NNNNNNNNN.
func elapsedPrefix(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := d / time.Hour
	minutes := (d % time.Hour) / time.Minute
	seconds := (d % time.Minute) / time.Second
	nanos := d % time.Second
	return fmt.Sprintf("%d.%02d.%02d.%09d", hours, minutes, seconds, nanos)
}
