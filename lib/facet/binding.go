package facet

import (
	"fmt"

	"github.com/ValentinKolb/dIdx/lib/actor"
	"github.com/ValentinKolb/dIdx/lib/codec"
	"github.com/ValentinKolb/dIdx/lib/index"
)

// PropertyBinding ties one property of the actor state S to the index over it.
// Bindings are created with Property.
type PropertyBinding[S any] interface {
	// Name is the name of the index, which doubles as the property name.
	Name() string
	Target() index.Target

	image(s *S) any
	null() any
	// job returns the job moving ref from before to after, nil if nothing changes.
	job(ref actor.Ref, before, after any) (index.Job, index.OpType)
	encode(c codec.IStateCodec, v any) ([]byte, error)
	decode(c codec.IStateCodec, data []byte) (any, error)
	check() error
}

type property[S any, K comparable] struct {
	idx    index.Index[K]
	get    func(S) K
	nullV  K
	badNil bool
}

// Property binds the value get returns to idx. A property equal to the index's
// NullValue is not indexed.
func Property[S any, K comparable](idx index.Index[K], get func(S) K) PropertyBinding[S] {
	p := &property[S, K]{idx: idx, get: get}
	if nv := idx.Options().NullValue; nv != nil {
		k, ok := nv.(K)
		p.nullV, p.badNil = k, !ok
	}
	return p
}

func (p *property[S, K]) Name() string         { return p.idx.Name() }
func (p *property[S, K]) Target() index.Target { return p.idx }
func (p *property[S, K]) image(s *S) any       { return p.get(*s) }
func (p *property[S, K]) null() any            { return p.nullV }

func (p *property[S, K]) job(ref actor.Ref, before, after any) (index.Job, index.OpType) {
	b, a := before.(K), after.(K)
	var u index.PropertyUpdate[K]
	switch {
	case b == a:
		return nil, index.OpNone
	case b == p.nullV:
		u = index.Insert(a)
	case a == p.nullV:
		u = index.Delete(b)
	default:
		u = index.Update(b, a)
	}
	return index.Change[K]{Index: p.idx, Ref: ref, Update: u}, u.Op
}

func (p *property[S, K]) encode(c codec.IStateCodec, v any) ([]byte, error) {
	return c.Marshal(v.(K))
}

func (p *property[S, K]) decode(c codec.IStateCodec, data []byte) (any, error) {
	var k K
	if err := c.Unmarshal(data, &k); err != nil {
		return nil, err
	}
	return k, nil
}

func (p *property[S, K]) check() error {
	if p.badNil {
		return index.Errorf(index.RetCConfiguration, "index %s: NullValue %v (%T) does not match the key type %T",
			p.Name(), p.idx.Options().NullValue, p.idx.Options().NullValue, p.nullV)
	}
	if p.get == nil {
		return index.Errorf(index.RetCConfiguration, "index %s: no getter", p.Name())
	}
	return nil
}

// --------------------------------------------------------------------------
// Indexed types
// --------------------------------------------------------------------------

// IndexedType is a named group of indexed properties of S. All indexes of a type
// are either eager or lazy.
type IndexedType[S any] struct {
	name  string
	props []PropertyBinding[S]
	eager bool
}

// NewIndexedType groups props under name.
func NewIndexedType[S any](name string, props ...PropertyBinding[S]) (*IndexedType[S], error) {
	if name == "" {
		return nil, index.Errorf(index.RetCConfiguration, "indexed type needs a name")
	}
	if len(props) == 0 {
		return nil, index.Errorf(index.RetCConfiguration, "indexed type %s has no properties", name)
	}
	seen := make(map[string]bool, len(props))
	for i, p := range props {
		if err := p.check(); err != nil {
			return nil, err
		}
		if seen[p.Name()] {
			return nil, index.Errorf(index.RetCConfiguration, "indexed type %s: index %s bound twice", name, p.Name())
		}
		seen[p.Name()] = true
		if eager := p.Target().Options().Eager; i > 0 && eager != props[0].Target().Options().Eager {
			return nil, index.Errorf(index.RetCConfiguration,
				"indexed type %s mixes eager and lazy indexes (%s is eager=%t)", name, p.Name(), eager)
		}
	}
	return &IndexedType[S]{name: name, props: props, eager: props[0].Target().Options().Eager}, nil
}

func (t *IndexedType[S]) Name() string {
	return t.name
}

func (t *IndexedType[S]) Eager() bool {
	return t.eager
}

func (t *IndexedType[S]) Properties() []PropertyBinding[S] {
	return t.props
}

// Registry lists the indexed types of an actor type.
type Registry[S any] struct {
	types  []*IndexedType[S]
	byName map[string]*IndexedType[S]
}

// NewRegistry creates a registry of types. Type names must be distinct and an
// index may only be bound once.
func NewRegistry[S any](types ...*IndexedType[S]) (*Registry[S], error) {
	r := &Registry[S]{byName: make(map[string]*IndexedType[S], len(types))}
	indexes := make(map[string]string)
	for _, t := range types {
		if _, ok := r.byName[t.name]; ok {
			return nil, index.Errorf(index.RetCConfiguration, "indexed type %s registered twice", t.name)
		}
		for _, p := range t.props {
			if other, ok := indexes[p.Name()]; ok {
				return nil, index.Errorf(index.RetCConfiguration, "index %s bound by %s and %s", p.Name(), other, t.name)
			}
			indexes[p.Name()] = t.name
		}
		r.byName[t.name] = t
		r.types = append(r.types, t)
	}
	return r, nil
}

func (r *Registry[S]) Types() []*IndexedType[S] {
	return r.types
}

// Get returns the type called name.
func (r *Registry[S]) Get(name string) (*IndexedType[S], bool) {
	t, ok := r.byName[name]
	return t, ok
}

// binding returns the property of type typ bound to the index called prop.
func (r *Registry[S]) binding(typ, prop string) (PropertyBinding[S], error) {
	t, ok := r.byName[typ]
	if !ok {
		return nil, fmt.Errorf("unknown indexed type %q", typ)
	}
	for _, p := range t.props {
		if p.Name() == prop {
			return p, nil
		}
	}
	return nil, fmt.Errorf("indexed type %s has no property %q", typ, prop)
}

// each calls fn for every binding, in registration order.
func (r *Registry[S]) each(fn func(t *IndexedType[S], i int, p PropertyBinding[S]) error) error {
	for _, t := range r.types {
		for i, p := range t.props {
			if err := fn(t, i, p); err != nil {
				return err
			}
		}
	}
	return nil
}
