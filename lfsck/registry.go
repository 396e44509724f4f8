package lfsck

import (
	"sort"
	"sync"

	"github.com/NVIDIA/lfsck/nsstate"
)

// Registry tracks which engines are idle, scanning, or double scanning.
// Engines in the scan category also take part in directory traversal.
type Registry struct {
	sync.Mutex
	category map[*Engine]nsstate.Category
}

func NewRegistry() *Registry {
	return &Registry{category: make(map[*Engine]nsstate.Category)}
}

func (r *Registry) move(e *Engine, c nsstate.Category) {
	r.Lock()
	r.category[e] = c
	r.Unlock()
}

func (r *Registry) remove(e *Engine) {
	r.Lock()
	delete(r.category, e)
	r.Unlock()
}

// Category returns the category e is registered in.
func (r *Registry) Category(e *Engine) (c nsstate.Category, ok bool) {
	r.Lock()
	c, ok = r.category[e]
	r.Unlock()
	return
}

// Members returns the engines registered in c, ordered by name.
func (r *Registry) Members(c nsstate.Category) (engines []*Engine) {
	r.Lock()
	for e, ec := range r.category {
		if ec == c {
			engines = append(engines, e)
		}
	}
	r.Unlock()

	sortEngines(engines)
	return
}

// All returns every registered engine, ordered by name.
func (r *Registry) All() (engines []*Engine) {
	r.Lock()
	for e := range r.category {
		engines = append(engines, e)
	}
	r.Unlock()

	sortEngines(engines)
	return
}

func sortEngines(engines []*Engine) {
	sort.Slice(engines, func(i, j int) bool { return engines[i].name < engines[j].name })
}
