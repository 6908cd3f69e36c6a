package manifest

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher 监听清单文件所在目录，文件被重建（写入/rename 覆盖）后经去抖回调 onChange。
// 监听目录而非文件本身，以覆盖构建工具“写临时文件再 rename”的发布方式。
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(ctx context.Context)
	onError  func(error)
}

// NewWatcher 构造 Watcher；debounce <= 0 时使用 500ms。
func NewWatcher(path string, debounce time.Duration, onChange func(ctx context.Context), onError func(error)) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Watcher{path: path, debounce: debounce, onChange: onChange, onError: onError}
}

// Run 阻塞直到 ctx 取消；监听器创建失败时直接返回错误。
func (w *Watcher) Run(ctx context.Context) error {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("resolve manifest path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create manifest watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch manifest dir: %w", err)
	}

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerCh = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.onError(err)
		case <-timerCh:
			timerCh = nil
			w.onChange(ctx)
		}
	}
}
