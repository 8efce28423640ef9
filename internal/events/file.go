package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileSink writes each event as a JSON file into {dir}/events/, for
// cross-process consumers that tail the directory instead of holding an
// HTTP or websocket connection open.
type FileSink struct {
	dir string
	log zerolog.Logger
}

// NewFileSink creates a sink emitting into {dataPath}/events/.
func NewFileSink(dataPath string, log zerolog.Logger) *FileSink {
	return &FileSink{dir: filepath.Join(dataPath, "events"), log: log}
}

// Emit writes one event file. Failures are logged and swallowed.
func (s *FileSink) Emit(e Event) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		s.log.Warn().Err(err).Msg("events: mkdir failed")
		return
	}
	data, _ := json.Marshal(e)
	// Nanosecond prefix keeps filenames unique and sortable by emission order.
	filename := fmt.Sprintf("%d-%s.event", time.Now().UnixNano(), sanitizeName(e.Name))
	if err := os.WriteFile(filepath.Join(s.dir, filename), data, 0o600); err != nil {
		s.log.Warn().Err(err).Msg("events: write failed")
	}
}

func (s *FileSink) Close() error { return nil }

// sanitizeName replaces characters unsafe for filenames.
func sanitizeName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		if name[i] == '/' || name[i] == ':' {
			out[i] = '_'
		} else {
			out[i] = name[i]
		}
	}
	return string(out)
}

// Watcher consumes event files from a FileSink directory and dispatches
// them to a callback, deleting each file after processing.
type Watcher struct {
	dir      string
	callback func(Event)
	watcher  *fsnotify.Watcher
	log      zerolog.Logger
	done     chan struct{}
}

// NewWatcher creates a watcher over {dataPath}/events/.
func NewWatcher(dataPath string, callback func(Event), log zerolog.Logger) *Watcher {
	return &Watcher{
		dir:      filepath.Join(dataPath, "events"),
		callback: callback,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Start drains any existing event files, then watches for new ones.
// Call Stop to clean up.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return err
	}

	w.drainExisting()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		return err
	}
	w.watcher = fw

	go w.loop()
	w.log.Info().Str("dir", w.dir).Msg("events: watching")
	return nil
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() {
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&fsnotify.Create != 0 && strings.HasSuffix(evt.Name, ".event") {
				w.processFile(evt.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("events: watcher error")
		}
	}
}

func (w *Watcher) drainExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".event") {
			w.processFile(filepath.Join(w.dir, entry.Name()))
		}
	}
}

func (w *Watcher) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // already consumed by another process
	}
	_ = os.Remove(path)

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		w.log.Warn().Str("file", filepath.Base(path)).Err(err).Msg("events: invalid event file")
		return
	}
	if w.callback != nil {
		w.callback(event)
	}
}
