package assets

import (
	"errors"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/spaghettifunk/framegraph/engine/core"
)

/**
 * @brief Reports changes to a scene manifest so the engine can reload it.
 */
type SceneWatcher struct {
	path     string
	fsnotify *fsnotify.Watcher
	logger   *log.Logger

	// buffered by one: changes the engine has not seen yet collapse into one
	changes chan string
	done    chan struct{}
	stopped chan struct{}

	mutex    sync.Mutex
	isClosed bool
}

func NewSceneWatcher(path string) (*SceneWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Editors replace files on save; watching the directory survives that.
	if err := fsWatch.Add(filepath.Dir(abs)); err != nil {
		fsWatch.Close()
		return nil, err
	}

	sw := &SceneWatcher{
		path:     abs,
		fsnotify: fsWatch,
		logger:   core.Logger("assets"),
		changes:  make(chan string, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go sw.start()
	return sw, nil
}

// Path is the absolute path of the watched manifest.
func (sw *SceneWatcher) Path() string {
	return sw.path
}

// Changes delivers the manifest path after it was written or recreated.
func (sw *SceneWatcher) Changes() <-chan string {
	return sw.changes
}

func (sw *SceneWatcher) start() {
	defer close(sw.stopped)
	for {
		select {
		case e, ok := <-sw.fsnotify.Events:
			if !ok {
				return
			}
			if filepath.Clean(e.Name) != sw.path {
				continue
			}
			// Handle create or modify events
			if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				sw.notify()
			}

		case err, ok := <-sw.fsnotify.Errors:
			if !ok {
				return
			}
			sw.logger.Error("watching scene manifest", "path", sw.path, "err", err)

		case <-sw.done:
			return
		}
	}
}

func (sw *SceneWatcher) notify() {
	select {
	case sw.changes <- sw.path:
	default:
	}
}

func (sw *SceneWatcher) Close() error {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	if sw.isClosed {
		return errors.New("scene watcher already closed")
	}
	sw.isClosed = true
	close(sw.done)
	<-sw.stopped
	return sw.fsnotify.Close()
}
