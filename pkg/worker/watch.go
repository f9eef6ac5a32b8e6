package worker

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/omnipkg/omnipkgd/pkg/obslog"
	"github.com/omnipkg/omnipkgd/pkg/types"
)

// bubbleWatcher watches the Bubble Store's base directory and reports
// externally deleted bubbles (an operator "rm -rf" or a delete(spec)
// call from another process) so the Supervisor can evict the
// corresponding worker instead of waiting for its next dispatch to
// fail against a missing bubble tree.
type bubbleWatcher struct {
	w    *fsnotify.Watcher
	done chan struct{}
}

func newBubbleWatcher(baseDir string, onRemove func(types.Spec)) (*bubbleWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(baseDir); err != nil {
		w.Close()
		return nil, err
	}

	bw := &bubbleWatcher{w: w, done: make(chan struct{})}
	go bw.loop(onRemove)
	return bw, nil
}

func (bw *bubbleWatcher) loop(onRemove func(types.Spec)) {
	log := obslog.WithComponent("bubble-watch")
	for {
		select {
		case event, ok := <-bw.w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			spec, ok := specFromBubbleDir(filepath.Base(event.Name))
			if !ok {
				continue
			}
			onRemove(spec)
		case err, ok := <-bw.w.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("bubble watch error")
		case <-bw.done:
			return
		}
	}
}

func (bw *bubbleWatcher) close() {
	close(bw.done)
	bw.w.Close()
}

// specFromBubbleDir parses a Bubble Store entry name, "<name>-<version>",
// back into a Spec. Entries ending in ".tmp" or starting with "." (the
// lock file) are not bubbles and are rejected.
func specFromBubbleDir(name string) (types.Spec, bool) {
	const tmpSuffix = ".tmp"
	if len(name) == 0 || name[0] == '.' {
		return types.Spec{}, false
	}
	if len(name) > len(tmpSuffix) && name[len(name)-len(tmpSuffix):] == tmpSuffix {
		return types.Spec{}, false
	}
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '-' {
			return types.Spec{Name: name[:i], Version: name[i+1:]}, true
		}
	}
	return types.Spec{}, false
}

func (sup *Supervisor) onBubbleRemoved(spec types.Spec) {
	sup.evict(spec, "bubble_deleted")
}
