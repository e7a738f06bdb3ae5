package skills

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/segmentio/ksuid"

	"github.com/neboloop/conductor/internal/logging"
)

// SkillFileName is the expected filename for skill definitions.
const SkillFileName = "SKILL.md"

// Library manages the on-disk skill directory with hot reload. Layout is
// one subdirectory per skill holding a SKILL.md file.
type Library struct {
	mu       sync.RWMutex
	dir      string
	skills   map[string]*Skill
	watcher  *fsnotify.Watcher
	onChange func([]*Skill)
	cancel   context.CancelFunc
}

func NewLibrary(dir string) *Library {
	return &Library{
		dir:    dir,
		skills: make(map[string]*Skill),
	}
}

// LoadAll scans the library directory for SKILL.md files. A missing
// directory loads zero skills without error.
func (l *Library) LoadAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.skills = make(map[string]*Skill)
	if _, err := os.Stat(l.dir); os.IsNotExist(err) {
		return nil
	}

	err := filepath.Walk(l.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.EqualFold(filepath.Base(path), SkillFileName) {
			return nil
		}
		if err := l.loadFile(path); err != nil {
			logging.Warnf("[skills] skipping %s: %v", path, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load skill library: %w", err)
	}

	logging.Infof("[skills] Loaded %d skills from %s", len(l.skills), l.dir)
	return nil
}

// loadFile parses and registers one skill file. Caller holds the lock.
func (l *Library) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	skill, err := ParseSkillMD(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if err := skill.Validate(); err != nil {
		return err
	}
	skill.FilePath = path
	l.skills[skill.Name] = skill
	logging.Debugf("[skills] Loaded skill: %s", skill.Name)
	return nil
}

// Save writes a skill under skills/<slug>/SKILL.md, assigning an id on
// first save, and registers it immediately so readers never wait for the
// watcher to catch up.
func (l *Library) Save(skill *Skill) error {
	if err := skill.Validate(); err != nil {
		return err
	}
	if skill.ID == "" {
		skill.ID = ksuid.New().String()
	}

	slug := Slugify(skill.Name)
	if slug == "" {
		return fmt.Errorf("skill name %q produces an empty slug", skill.Name)
	}
	dir := filepath.Join(l.dir, slug)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create skill dir: %w", err)
	}

	data, err := skill.Render()
	if err != nil {
		return err
	}
	path := filepath.Join(dir, SkillFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write skill: %w", err)
	}

	l.mu.Lock()
	skill.FilePath = path
	l.skills[skill.Name] = skill
	watcher := l.watcher
	l.mu.Unlock()

	if watcher != nil {
		if err := watcher.Add(dir); err != nil {
			logging.Debugf("[skills] could not watch %s: %v", dir, err)
		}
	}
	l.notify()
	return nil
}

// Watch hot-reloads the library on filesystem changes until ctx ends or
// Close is called.
func (l *Library) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	l.mu.Lock()
	l.watcher = watcher
	l.cancel = cancel
	l.mu.Unlock()

	go l.watchLoop(ctx, watcher)

	if err := l.watchRecursive(watcher, l.dir); err != nil {
		logging.Warnf("[skills] could not watch %s: %v", l.dir, err)
	}
	return nil
}

func (l *Library) watchRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if err := watcher.Add(path); err != nil {
				logging.Debugf("[skills] could not watch %s: %v", path, err)
			}
		}
		return nil
	})
}

func (l *Library) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			l.handleEvent(watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Errorf("[skills] watch error: %v", err)
		}
	}
}

func (l *Library) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	// New skill directories need their own watch before the SKILL.md
	// inside them produces events.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := watcher.Add(event.Name); err != nil {
				logging.Debugf("[skills] could not watch %s: %v", event.Name, err)
			}
			return
		}
	}
	if !strings.EqualFold(filepath.Base(event.Name), SkillFileName) {
		return
	}

	switch {
	case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
		l.mu.Lock()
		if err := l.loadFile(event.Name); err != nil {
			logging.Warnf("[skills] reload %s: %v", event.Name, err)
		}
		l.mu.Unlock()
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		l.mu.Lock()
		for name, skill := range l.skills {
			if skill.FilePath == event.Name {
				delete(l.skills, name)
				logging.Infof("[skills] Unloaded skill: %s", name)
				break
			}
		}
		l.mu.Unlock()
	default:
		return
	}
	l.notify()
}

// OnChange registers a callback fired after any load, save, or unload.
func (l *Library) OnChange(fn func([]*Skill)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = fn
}

func (l *Library) notify() {
	l.mu.RLock()
	fn := l.onChange
	l.mu.RUnlock()
	if fn != nil {
		fn(l.List())
	}
}

// Close stops watching.
func (l *Library) Close() {
	l.mu.Lock()
	cancel, watcher := l.cancel, l.watcher
	l.cancel, l.watcher = nil, nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if watcher != nil {
		watcher.Close()
	}
}

// Get returns a skill by name.
func (l *Library) Get(name string) (*Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	skill, ok := l.skills[name]
	return skill, ok
}

// List returns all skills sorted by name.
func (l *Library) List() []*Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Skill, 0, len(l.skills))
	for _, skill := range l.skills {
		out = append(out, skill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of loaded skills.
func (l *Library) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.skills)
}

// Slugify lowers a skill name into a directory-safe slug.
func Slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
