package fsm

import (
	"errors"
	"fmt"
	"sort"
)

// Wildcard as a transition source matches every state.
const Wildcard = "*"

var (
	// ErrInvalidTransition indicates no transition is defined for an event in the current state.
	ErrInvalidTransition = errors.New("invalid transition for state")
	// ErrInTransition indicates an asynchronous transition is still pending.
	ErrInTransition = errors.New("transition in progress")
	// ErrCanceled indicates a hook or the owner canceled the transition.
	ErrCanceled = errors.New("transition canceled")
	// ErrNotInTransition indicates Transition or Cancel was called with nothing pending.
	ErrNotInTransition = errors.New("no transition in progress")
)

// InvalidTransitionError reports the event and the state it was fired in.
type InvalidTransitionError struct {
	Event string
	State string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("fsm: event %s inappropriate in state %s", e.Event, e.State)
}

// Is matches ErrInvalidTransition.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Transition declares that Event moves the machine from any of Src to Dst.
type Transition struct {
	Event string
	Src   []string
	Dst   string
}

// Callback is a hook invoked during a transition.
type Callback func(e *Event)

// Hooks maps event and state names to callbacks. Before and After are keyed
// by event name; Leave and Enter by state name.
type Hooks struct {
	Before map[string]Callback
	Leave  map[string]Callback
	Enter  map[string]Callback
	After  map[string]Callback
}

// Config describes a machine. Async lists the events whose leave hook
// defers the state change until Transition or Cancel is called.
type Config struct {
	Initial     string
	Transitions []Transition
	Hooks       Hooks
	Async       []string
}

// Event carries one firing through the hooks.
type Event struct {
	Name string
	Src  string
	Dst  string
	Args []any

	err      error
	canceled bool
	async    bool
}

// Cancel vetoes the transition. It only has an effect in before and leave
// hooks; err is reported to the caller wrapped in ErrCanceled.
func (e *Event) Cancel(err error) {
	e.canceled = true
	e.err = err
}

// Async reports whether the event commits asynchronously.
func (e *Event) Async() bool {
	return e.async
}

// Arg returns the i-th argument or nil.
func (e *Event) Arg(i int) any {
	if i < 0 || i >= len(e.Args) {
		return nil
	}
	return e.Args[i]
}

type eventKey struct {
	event string
	src   string
}

type pendingTransition struct {
	event *Event
	done  func(error)
}

// FSM is a named-state, named-event machine. It is not safe for concurrent
// use; callers serialize access, normally by driving it from one goroutine.
type FSM struct {
	current     string
	transitions map[eventKey]string
	hooks       Hooks
	async       map[string]bool
	pending     *pendingTransition
}

// New validates cfg and returns a machine in cfg.Initial.
func New(cfg Config) (*FSM, error) {
	if cfg.Initial == "" {
		return nil, errors.New("fsm: initial state is required")
	}

	f := &FSM{
		current:     cfg.Initial,
		transitions: make(map[eventKey]string),
		hooks:       cfg.Hooks,
		async:       make(map[string]bool),
	}

	events := make(map[string]bool)
	states := map[string]bool{cfg.Initial: true}
	for _, t := range cfg.Transitions {
		if t.Event == "" || t.Dst == "" || len(t.Src) == 0 {
			return nil, fmt.Errorf("fsm: incomplete transition %+v", t)
		}
		for _, src := range t.Src {
			key := eventKey{t.Event, src}
			if _, dup := f.transitions[key]; dup {
				return nil, fmt.Errorf("fsm: duplicate transition for event %s from %s", t.Event, src)
			}
			f.transitions[key] = t.Dst
			if src != Wildcard {
				states[src] = true
			}
		}
		events[t.Event] = true
		states[t.Dst] = true
	}

	for _, name := range cfg.Async {
		if !events[name] {
			return nil, fmt.Errorf("fsm: async event %s has no transition", name)
		}
		f.async[name] = true
	}

	if err := checkHookNames("before", cfg.Hooks.Before, events); err != nil {
		return nil, err
	}
	if err := checkHookNames("after", cfg.Hooks.After, events); err != nil {
		return nil, err
	}
	if err := checkHookNames("leave", cfg.Hooks.Leave, states); err != nil {
		return nil, err
	}
	if err := checkHookNames("enter", cfg.Hooks.Enter, states); err != nil {
		return nil, err
	}
	return f, nil
}

func checkHookNames(kind string, hooks map[string]Callback, known map[string]bool) error {
	for name := range hooks {
		if !known[name] {
			return fmt.Errorf("fsm: %s hook for unknown name %s", kind, name)
		}
	}
	return nil
}

// Current returns the current state.
func (f *FSM) Current() string {
	return f.current
}

// Is reports whether the machine is in state.
func (f *FSM) Is(state string) bool {
	return f.current == state
}

// Pending reports whether an asynchronous transition awaits Transition or Cancel.
func (f *FSM) Pending() bool {
	return f.pending != nil
}

// Can reports whether event may fire now.
func (f *FSM) Can(event string) bool {
	if f.pending != nil {
		return false
	}
	_, ok := f.destination(event)
	return ok
}

// AvailableEvents lists the events that may fire from the current state.
func (f *FSM) AvailableEvents() []string {
	seen := make(map[string]bool)
	for key := range f.transitions {
		if key.src == f.current || key.src == Wildcard {
			seen[key.event] = true
		}
	}
	events := make([]string, 0, len(seen))
	for e := range seen {
		events = append(events, e)
	}
	sort.Strings(events)
	return events
}

func (f *FSM) destination(event string) (string, bool) {
	if dst, ok := f.transitions[eventKey{event, f.current}]; ok {
		return dst, true
	}
	dst, ok := f.transitions[eventKey{event, Wildcard}]
	return dst, ok
}

// Fire runs event synchronously. For an async event it returns once the
// leave hook has run; the outcome is then only observable through state.
func (f *FSM) Fire(event string, args ...any) error {
	return f.fire(event, nil, args)
}

// FireAsync runs event and calls done with the outcome of the commit. If
// FireAsync returns an error, done is never called; otherwise done is called
// exactly once, possibly before FireAsync returns.
func (f *FSM) FireAsync(event string, done func(error), args ...any) error {
	return f.fire(event, done, args)
}

func (f *FSM) fire(name string, done func(error), args []any) error {
	if f.pending != nil {
		return fmt.Errorf("%w: event %s while %s is pending", ErrInTransition, name, f.pending.event.Name)
	}

	dst, ok := f.destination(name)
	if !ok {
		return &InvalidTransitionError{Event: name, State: f.current}
	}

	e := &Event{Name: name, Src: f.current, Dst: dst, Args: args}

	if hook := f.hooks.Before[name]; hook != nil {
		hook(e)
		if e.canceled {
			return canceled(e)
		}
	}

	if f.current == dst {
		f.runAfter(e)
		notify(done, nil)
		return nil
	}

	e.async = f.async[name]
	if e.async {
		f.pending = &pendingTransition{event: e, done: done}
	}

	if hook := f.hooks.Leave[f.current]; hook != nil {
		hook(e)
		if e.canceled {
			if !e.async {
				return canceled(e)
			}
			if f.pending != nil && f.pending.event == e {
				f.pending = nil
				return canceled(e)
			}
			// Resolved by Cancel from inside the hook; done has been notified.
			return nil
		}
	}

	if e.async {
		return nil
	}
	f.commit(e)
	notify(done, nil)
	return nil
}

// Transition commits the pending asynchronous transition.
func (f *FSM) Transition() error {
	p := f.pending
	if p == nil {
		return ErrNotInTransition
	}
	f.pending = nil
	f.commit(p.event)
	notify(p.done, nil)
	return nil
}

// Cancel aborts the pending asynchronous transition. The state stays where
// it was and the caller's done receives err wrapped in ErrCanceled.
func (f *FSM) Cancel(err error) error {
	p := f.pending
	if p == nil {
		return ErrNotInTransition
	}
	f.pending = nil
	p.event.Cancel(err)
	notify(p.done, canceled(p.event))
	return nil
}

func (f *FSM) commit(e *Event) {
	f.current = e.Dst
	if hook := f.hooks.Enter[e.Dst]; hook != nil {
		hook(e)
	}
	f.runAfter(e)
}

func (f *FSM) runAfter(e *Event) {
	if hook := f.hooks.After[e.Name]; hook != nil {
		hook(e)
	}
}

func canceled(e *Event) error {
	if e.err == nil {
		return fmt.Errorf("%w: %s", ErrCanceled, e.Name)
	}
	return fmt.Errorf("%w: %s: %w", ErrCanceled, e.Name, e.err)
}

func notify(done func(error), err error) {
	if done != nil {
		done(err)
	}
}
