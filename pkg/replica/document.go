// Package replica implements the convergent replicated document every
// provider reads and writes.
//
// The content is a replicated growable array (RGA) of typed nodes. Each
// insert names the element it follows; siblings that follow the same element
// are ordered by descending (Clock, Client), so the most recent insert at a
// position sits closest to it. Deletes leave tombstones and every attribute
// key is a last-writer-wins register keyed by (Clock, Client). Operations are
// deduplicated by ID and buffered until the element they depend on arrives, so
// any delivery order and any number of duplicates yield the same content.
package replica

import (
	"strings"
	"sync"
)

// OriginLocal tags operations produced by ApplyLocalEdit.
const OriginLocal = "local"

// Observer is told about every accepted operation, once, in acceptance order.
// It runs with the document lock held and must not call back into the
// document.
type Observer func(op Op, origin string)

type register struct {
	value  string
	clock  uint64
	client string
}

func (r register) less(clock uint64, client string) bool {
	if r.clock != clock {
		return r.clock < clock
	}
	return r.client < client
}

type element struct {
	id       ID
	clock    uint64
	kind     string
	value    string
	attrs    map[string]register
	deleted  bool
	children []*element
}

// precedes reports whether e sorts before o among siblings.
func (e *element) precedes(o *element) bool {
	if e.clock != o.clock {
		return e.clock > o.clock
	}
	if e.id.Client != o.id.Client {
		return e.id.Client > o.id.Client
	}
	return e.id.Seq > o.id.Seq
}

func (e *element) node() Node {
	n := Node{Kind: e.kind, Value: e.value}
	if len(e.attrs) > 0 {
		n.Attrs = make(map[string]string, len(e.attrs))
		for k, r := range e.attrs {
			n.Attrs[k] = r.value
		}
	}
	return n
}

type subscription struct {
	id int
	fn Observer
}

type Document struct {
	mu sync.Mutex

	name   string
	client string
	seq    uint64
	clock  uint64

	head    *element
	elems   map[ID]*element
	seen    map[ID]struct{}
	waiting map[ID][]Op
	history []Op

	contiguous StateVector
	ahead      map[string]map[uint64]struct{}

	observers []subscription
	nextObs   int

	order []*element
	dirty bool

	sealed   bool
	released bool
}

// New returns an empty replica of the named document for the given client.
func New(name, client string) *Document {
	head := &element{}
	return &Document{
		name:       name,
		client:     client,
		head:       head,
		elems:      map[ID]*element{{}: head},
		seen:       make(map[ID]struct{}),
		waiting:    make(map[ID][]Op),
		contiguous: make(StateVector),
		ahead:      make(map[string]map[uint64]struct{}),
	}
}

func (d *Document) Name() string   { return d.name }
func (d *Document) Client() string { return d.client }

// Subscribe registers an observer and returns a function removing it.
func (d *Document) Subscribe(fn Observer) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return func() {}
	}
	d.nextObs++
	id := d.nextObs
	d.observers = append(d.observers, subscription{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, s := range d.observers {
			if s.id == id {
				d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
				return
			}
		}
	}
}

// ApplyLocalEdit turns an index based edit into operations issued by this
// replica's client, applies them and emits them to observers.
func (d *Document) ApplyLocalEdit(e Edit) ([]Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, ErrReleased
	}
	if d.sealed {
		return nil, ErrSealed
	}
	if err := e.validate(d.visibleLen()); err != nil {
		return nil, err
	}

	var ops []Op
	switch e.Kind {
	case EditInsert:
		parent := d.predecessor(e.Index)
		for _, n := range e.Nodes {
			op := d.mint(OpInsert)
			op.Parent = parent
			node := n.clone()
			op.Node = &node
			d.accept(op, OriginLocal)
			ops = append(ops, op)
			parent = op.ID
		}
	case EditDelete:
		order := d.visible()
		targets := make([]ID, 0, e.Length)
		for i := e.Index; i < e.Index+e.Length; i++ {
			targets = append(targets, order[i].id)
		}
		for _, target := range targets {
			op := d.mint(OpDelete)
			op.Target = target
			d.accept(op, OriginLocal)
			ops = append(ops, op)
		}
	case EditSetAttr:
		op := d.mint(OpSetAttr)
		op.Target = d.visible()[e.Index].id
		op.Key = e.Key
		op.Value = e.Value
		d.accept(op, OriginLocal)
		ops = append(ops, op)
	}
	return ops, nil
}

// ApplyRemoteOp merges an operation received from a provider. It returns
// false without side effects when the operation was already accepted.
func (d *Document) ApplyRemoteOp(op Op, origin string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return false, ErrReleased
	}
	if err := op.validate(); err != nil {
		return false, err
	}
	if _, ok := d.seen[op.ID]; ok {
		return false, nil
	}
	if op.Node != nil {
		n := op.Node.clone()
		op.Node = &n
	}
	d.accept(op, origin)
	return true, nil
}

// Merge applies every operation of a snapshot's history and returns how many
// were new.
func (d *Document) Merge(s Snapshot, origin string) (int, error) {
	applied := 0
	for _, op := range s.History {
		ok, err := d.ApplyRemoteOp(op, origin)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

func (d *Document) mint(t OpType) Op {
	d.seq++
	d.clock++
	return Op{ID: ID{Client: d.client, Seq: d.seq}, Clock: d.clock, Type: t}
}

func (d *Document) accept(op Op, origin string) {
	d.seen[op.ID] = struct{}{}
	d.history = append(d.history, op)
	if op.Clock > d.clock {
		d.clock = op.Clock
	}
	if op.ID.Client == d.client && op.ID.Seq > d.seq {
		d.seq = op.ID.Seq
	}
	d.advance(op.ID)
	d.integrate(op)
	for _, s := range d.observers {
		s.fn(op, origin)
	}
}

func (d *Document) advance(id ID) {
	next := d.contiguous[id.Client] + 1
	if id.Seq != next {
		if id.Seq > next {
			if d.ahead[id.Client] == nil {
				d.ahead[id.Client] = make(map[uint64]struct{})
			}
			d.ahead[id.Client][id.Seq] = struct{}{}
		}
		return
	}
	pending := d.ahead[id.Client]
	for {
		d.contiguous[id.Client] = next
		next++
		if _, ok := pending[next]; !ok {
			break
		}
		delete(pending, next)
	}
	if len(pending) == 0 {
		delete(d.ahead, id.Client)
	}
}

func (d *Document) integrate(op Op) {
	dep, ok := d.elems[op.Dependency()]
	if !ok {
		d.waiting[op.Dependency()] = append(d.waiting[op.Dependency()], op)
		return
	}
	switch op.Type {
	case OpInsert:
		if _, exists := d.elems[op.ID]; exists {
			return
		}
		el := &element{id: op.ID, clock: op.Clock, kind: op.Node.Kind, value: op.Node.Value}
		if len(op.Node.Attrs) > 0 {
			el.attrs = make(map[string]register, len(op.Node.Attrs))
			for k, v := range op.Node.Attrs {
				el.attrs[k] = register{value: v, clock: op.Clock, client: op.ID.Client}
			}
		}
		pos := len(dep.children)
		for i, sib := range dep.children {
			if el.precedes(sib) {
				pos = i
				break
			}
		}
		dep.children = append(dep.children, nil)
		copy(dep.children[pos+1:], dep.children[pos:])
		dep.children[pos] = el
		d.elems[op.ID] = el
		d.dirty = true
		d.release(op.ID)
	case OpDelete:
		if !dep.deleted && dep != d.head {
			dep.deleted = true
			d.dirty = true
		}
	case OpSetAttr:
		cur, ok := dep.attrs[op.Key]
		if ok && !cur.less(op.Clock, op.ID.Client) {
			return
		}
		if dep.attrs == nil {
			dep.attrs = make(map[string]register)
		}
		dep.attrs[op.Key] = register{value: op.Value, clock: op.Clock, client: op.ID.Client}
	}
}

// release integrates operations that were waiting for id.
func (d *Document) release(id ID) {
	queue := d.waiting[id]
	if len(queue) == 0 {
		return
	}
	delete(d.waiting, id)
	for _, op := range queue {
		d.integrate(op)
	}
}

func (d *Document) visible() []*element {
	if !d.dirty && d.order != nil {
		return d.order
	}
	order := make([]*element, 0, len(d.elems))
	stack := make([]*element, 0, 64)
	for i := len(d.head.children) - 1; i >= 0; i-- {
		stack = append(stack, d.head.children[i])
	}
	for len(stack) > 0 {
		el := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !el.deleted {
			order = append(order, el)
		}
		for i := len(el.children) - 1; i >= 0; i-- {
			stack = append(stack, el.children[i])
		}
	}
	d.order = order
	d.dirty = false
	return order
}

func (d *Document) visibleLen() int {
	return len(d.visible())
}

func (d *Document) predecessor(index int) ID {
	if index <= 0 {
		return ID{}
	}
	return d.visible()[index-1].id
}

// Len is the number of visible nodes.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visibleLen()
}

// Nodes returns a copy of the visible content in document order.
func (d *Document) Nodes() []Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nodes()
}

func (d *Document) nodes() []Node {
	order := d.visible()
	out := make([]Node, len(order))
	for i, el := range order {
		out[i] = el.node()
	}
	return out
}

// Text concatenates the values of the visible text nodes.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b strings.Builder
	for _, el := range d.visible() {
		if el.kind == KindText {
			b.WriteString(el.value)
		}
	}
	return b.String()
}

// History returns every accepted operation in acceptance order.
func (d *Document) History() []Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Op(nil), d.history...)
}

func (d *Document) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.contiguous.Clone()
}

// OpsSince returns the accepted operations sv does not cover, in acceptance
// order.
func (d *Document) OpsSince(sv StateVector) []Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Op
	for _, op := range d.history {
		if !sv.Covers(op.ID) {
			out = append(out, op)
		}
	}
	return out
}

// Pending is the number of operations buffered for a missing dependency.
func (d *Document) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, ops := range d.waiting {
		n += len(ops)
	}
	return n
}

// Seal stops local edits. Remote operations are still merged so providers can
// drain while the document is torn down.
func (d *Document) Seal() {
	d.mu.Lock()
	d.sealed = true
	d.mu.Unlock()
}

// Release drops all observers and content. The document rejects every
// further mutation.
func (d *Document) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = true
	d.sealed = true
	d.observers = nil
	d.head = &element{}
	d.elems = map[ID]*element{{}: d.head}
	d.waiting = nil
	d.history = nil
	d.order = nil
}
