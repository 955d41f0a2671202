package command

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Category is one slice of the categorized registry view, used by menus.
type Category struct {
	Name     string
	Commands []*Command
}

// snapshot is one immutable build of the indexes. Lookups always go through
// a whole snapshot, never a half-built one.
type snapshot struct {
	byName     map[string]*Command // canonical names and aliases, lowercased
	names      []string            // canonical names only
	categories []Category
}

// Registry indexes commands from registered sources and supports replacing
// the whole set at runtime without restarting the process.
type Registry struct {
	log zerolog.Logger

	mu      sync.Mutex // guards sources and Load itself
	sources map[string]Source
	order   []string // source registration order, for stable rebuilds

	snap atomic.Pointer[snapshot]
}

func NewRegistry(log zerolog.Logger) *Registry {
	r := &Registry{
		log:     log.With().Str("component", "registry").Logger(),
		sources: make(map[string]Source),
	}
	r.snap.Store(&snapshot{byName: map[string]*Command{}})
	return r
}

// AddSource registers a command source. Call Load to make it visible.
func (r *Registry) AddSource(src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[src.Ref()]; !ok {
		r.order = append(r.order, src.Ref())
	}
	r.sources[src.Ref()] = src
}

// RemoveSource withdraws a source. Call Load to drop its commands.
func (r *Registry) RemoveSource(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, ref)
	for i, o := range r.order {
		if o == ref {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Load rebuilds the indexes from every source and swaps the snapshot in
// atomically. A source that fails to enumerate is skipped with a log line; a
// command without a name or handler is skipped likewise. If every source
// fails the prior snapshot is kept and an error is returned.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byName := make(map[string]*Command)
	byCategory := make(map[string][]*Command)
	canonical := make(map[string]struct{})
	var names []string
	var catOrder []string

	sourcesTried := 0
	sourcesFailed := 0

	for _, ref := range r.order {
		src, ok := r.sources[ref]
		if !ok {
			continue
		}
		sourcesTried++
		cmds, err := src.Commands()
		if err != nil {
			sourcesFailed++
			r.log.Error().Err(err).Str("source", ref).Msg("command source failed, skipped")
			continue
		}
		for _, cmd := range cmds {
			if cmd == nil || cmd.Name == "" || cmd.Run == nil {
				r.log.Warn().Str("source", ref).Msg("malformed command skipped")
				continue
			}
			name := strings.ToLower(cmd.Name)
			if prev, clash := byName[name]; clash {
				r.log.Warn().Str("command", name).Str("replaces", prev.Name).
					Msg("duplicate command name, last registration wins")
			}
			if _, seen := canonical[name]; !seen {
				canonical[name] = struct{}{}
				names = append(names, name)
			}
			byName[name] = cmd
			cat := cmd.Category
			if cat == "" {
				cat = "misc"
			}
			if _, seen := byCategory[cat]; !seen {
				catOrder = append(catOrder, cat)
			}
			byCategory[cat] = append(byCategory[cat], cmd)
			for _, alias := range cmd.Aliases {
				a := strings.ToLower(alias)
				if prev, clash := byName[a]; clash {
					r.log.Warn().Str("alias", a).Str("replaces", prev.Name).Str("command", name).
						Msg("alias collision, last registration wins")
				}
				byName[a] = cmd
			}
		}
	}

	if sourcesTried > 0 && sourcesFailed == sourcesTried {
		return errors.New("all command sources failed, keeping previous registry")
	}

	sort.Strings(names)
	categories := make([]Category, 0, len(catOrder))
	for _, cat := range catOrder {
		categories = append(categories, Category{Name: cat, Commands: byCategory[cat]})
	}

	r.snap.Store(&snapshot{byName: byName, names: names, categories: categories})
	r.log.Info().Int("commands", len(names)).Int("sources", sourcesTried-sourcesFailed).
		Msg("command registry loaded")
	return nil
}

// Reload re-runs the full load. Aliases and names live in one index, so a
// targeted patch buys nothing at tens of commands.
func (r *Registry) Reload(ref string) error { return r.Load() }

// Unload withdraws a source and rebuilds.
func (r *Registry) Unload(ref string) error {
	r.RemoveSource(ref)
	return r.Load()
}

// Get looks a command up by canonical name or alias, case-insensitively.
func (r *Registry) Get(name string) (*Command, bool) {
	cmd, ok := r.snap.Load().byName[strings.ToLower(name)]
	return cmd, ok
}

// Names returns the canonical command names, aliases excluded.
func (r *Registry) Names() []string {
	names := r.snap.Load().names
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// Categorized returns the menu view of the current snapshot.
func (r *Registry) Categorized() []Category {
	return r.snap.Load().categories
}
