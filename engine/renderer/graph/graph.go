// Package graph schedules the passes of one frame. Passes declare the
// resources they read and write, edges connect them, and Execute orders the
// passes, binds inputs to upstream outputs, emits state transitions and
// records each pass.
package graph

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spaghettifunk/framegraph/engine/core"
	"github.com/spaghettifunk/framegraph/engine/renderer/metadata"
)

var (
	ErrMissingCallback   = errors.New("pass is missing a setup or execute callback")
	ErrDuplicatePass     = errors.New("pass name already in use")
	ErrDuplicateResource = errors.New("resource name declared twice")
	ErrUnknownPass       = errors.New("unknown pass")
	ErrUnknownResource   = errors.New("unknown resource")
	ErrEdgeMismatch      = errors.New("edge must name both resource ends or neither")
	ErrKindMismatch      = errors.New("edge connects a buffer to an image")
	ErrInputAlreadyBound = errors.New("input is already connected")
	ErrCycle             = errors.New("graph contains a cycle")
	ErrUnboundInput      = errors.New("input is not connected")
)

/**
 * @brief Everything a graph needs from the device layer.
 */
type Desc struct {
	/** @brief Creates output resources when passes are added. */
	Allocator metadata.Allocator
	/** @brief Receives barriers and every pass's commands. */
	Recorder metadata.CommandRecorder
	/** @brief Optional. Defaults to the "graph" logger. */
	Logger *log.Logger
}

type Graph struct {
	id       uuid.UUID
	alloc    metadata.Allocator
	recorder metadata.CommandRecorder
	logger   *log.Logger

	passes map[string]*Pass
	// pass names in insertion order
	names []string
	// keyed by consumer
	incoming map[string][]Edge
	// keyed by producer
	outgoing map[string][]Edge
	edges    int
}

func New(desc Desc) *Graph {
	logger := desc.Logger
	if logger == nil {
		logger = core.Logger("graph")
	}
	return &Graph{
		id:       uuid.New(),
		alloc:    desc.Allocator,
		recorder: desc.Recorder,
		logger:   logger,
		passes:   make(map[string]*Pass),
		incoming: make(map[string][]Edge),
		outgoing: make(map[string][]Edge),
	}
}

func (g *Graph) ID() uuid.UUID {
	return g.id
}

/**
 * @brief Adds a pass. Setup runs immediately and every declared output is allocated.
 * @param desc The pass name and callbacks. Both callbacks are required.
 * @return An error if the description is incomplete, the name is taken, setup
 * declared a resource twice or an output could not be allocated.
 */
func (g *Graph) AddNode(desc PassDesc) error {
	if desc.Setup == nil || desc.Execute == nil {
		return fmt.Errorf("%w: %q", ErrMissingCallback, desc.Name)
	}
	if _, ok := g.passes[desc.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicatePass, desc.Name)
	}

	p := newPass(desc.Name, desc.Execute)
	desc.Setup(p)
	if p.err != nil {
		return p.err
	}
	if err := p.allocate(g.alloc); err != nil {
		return err
	}

	g.passes[p.name] = p
	g.names = append(g.names, p.name)
	return nil
}

// AddPass adds a pass implemented by n.
func (g *Graph) AddPass(n Node) error {
	if n == nil {
		return fmt.Errorf("%w: nil node", ErrMissingCallback)
	}
	return g.AddNode(PassDesc{Name: n.Name(), Setup: n.Setup, Execute: n.Execute})
}

/**
 * @brief Connects two passes.
 * @param e The edge. Named resource ends must have been declared by the passes.
 * @return An error if a pass or resource is unknown, only one resource end is
 * named, the resource kinds differ, the input is already connected or the
 * edge loops on one pass.
 */
func (g *Graph) AddEdge(e Edge) error {
	producer, ok := g.passes[e.Producer]
	if !ok {
		return fmt.Errorf("%w: producer %q of edge %s", ErrUnknownPass, e.Producer, e)
	}
	consumer, ok := g.passes[e.Consumer]
	if !ok {
		return fmt.Errorf("%w: consumer %q of edge %s", ErrUnknownPass, e.Consumer, e)
	}
	if producer == consumer {
		return fmt.Errorf("%w: edge %s loops on one pass", ErrCycle, e)
	}
	if (e.ProducerOutput == "") != (e.ConsumerInput == "") {
		return fmt.Errorf("%w: %s", ErrEdgeMismatch, e)
	}

	if !e.OrderingOnly() {
		out := producer.Output(e.ProducerOutput)
		if out == nil {
			return fmt.Errorf("%w: pass %q has no output %q", ErrUnknownResource, e.Producer, e.ProducerOutput)
		}
		in := consumer.Input(e.ConsumerInput)
		if in == nil {
			return fmt.Errorf("%w: pass %q has no input %q", ErrUnknownResource, e.Consumer, e.ConsumerInput)
		}
		if out.Desc.Kind != in.Desc.Kind {
			return fmt.Errorf("%w: %s is a %s, %s is a %s", ErrKindMismatch, e.ProducerOutput, out.Desc.Kind, e.ConsumerInput, in.Desc.Kind)
		}
		if in.connected {
			return fmt.Errorf("%w: %s.%s", ErrInputAlreadyBound, e.Consumer, e.ConsumerInput)
		}
		in.connected = true
	}

	g.incoming[e.Consumer] = append(g.incoming[e.Consumer], e)
	g.outgoing[e.Producer] = append(g.outgoing[e.Producer], e)
	g.edges++
	return nil
}

// Pass returns the named pass, or nil.
func (g *Graph) Pass(name string) *Pass {
	return g.passes[name]
}

// Passes returns the pass names in insertion order.
func (g *Graph) Passes() []string {
	return append([]string(nil), g.names...)
}

// Incoming returns the edges consumed by the named pass, in insertion order.
func (g *Graph) Incoming(name string) []Edge {
	return append([]Edge(nil), g.incoming[name]...)
}

// Outgoing returns the edges produced by the named pass, in insertion order.
func (g *Graph) Outgoing(name string) []Edge {
	return append([]Edge(nil), g.outgoing[name]...)
}

// Resources returns every output resource, by pass in insertion order.
func (g *Graph) Resources() []*metadata.Resource {
	var out []*metadata.Resource
	for _, name := range g.names {
		p := g.passes[name]
		for _, o := range p.Outputs() {
			if res := p.outputs[o].resource; res != nil {
				out = append(out, res)
			}
		}
	}
	return out
}

/**
 * @brief Orders the passes, then records them into the graph's recorder.
 * Nothing is recorded if the graph has a cycle or an unconnected input.
 */
func (g *Graph) Execute() error {
	order, err := g.Order()
	if err != nil {
		return err
	}
	if err := g.validateInputs(); err != nil {
		return err
	}

	barriers := 0
	for _, name := range order {
		p := g.passes[name]
		barriers += g.bindInputs(p)
		p.execute(p, g.recorder)
	}

	g.logger.Debug("executed graph", "id", g.id, "passes", len(order), "edges", g.edges, "barriers", barriers)
	return nil
}

func (g *Graph) validateInputs() error {
	for _, name := range g.names {
		p := g.passes[name]
		for _, in := range p.Inputs() {
			if !p.inputs[in].connected {
				return fmt.Errorf("%w: %s.%s", ErrUnboundInput, name, in)
			}
		}
	}
	return nil
}

// bindInputs points every input of p at its upstream output and transitions
// the resource when it is not in the state the input asks for.
func (g *Graph) bindInputs(p *Pass) int {
	barriers := 0
	for _, e := range g.incoming[p.name] {
		if e.OrderingOnly() {
			continue
		}
		in := p.inputs[e.ConsumerInput]
		out := g.passes[e.Producer].outputs[e.ProducerOutput]
		in.source = out

		res := out.resource
		before, after := res.State(), in.DesiredState()
		if before != after {
			g.recorder.Barrier(res, before, after)
			res.SetState(after)
			barriers++
		}
	}
	return barriers
}

// Release destroys the output resources that are not held by a bindless
// registry. Registered outputs are released by their registry.
func (g *Graph) Release() {
	for _, res := range g.Resources() {
		if res.Binding() == nil {
			res.Release()
		}
	}
}
