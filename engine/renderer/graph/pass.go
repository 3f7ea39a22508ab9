package graph

import (
	"fmt"

	"github.com/spaghettifunk/framegraph/engine/renderer/metadata"
	"golang.org/x/exp/slices"
)

/** @brief Declares the inputs and outputs of a pass. Runs once, when the pass is added. */
type SetupFunc func(p *Pass)

/** @brief Records the GPU work of a pass. Inputs are bound when it runs. */
type ExecuteFunc func(p *Pass, rec metadata.CommandRecorder)

/**
 * @brief Describes a pass built from two callbacks.
 */
type PassDesc struct {
	/** @brief Unique within a graph. */
	Name    string
	Setup   SetupFunc
	Execute ExecuteFunc
}

/**
 * @brief A pass implemented as a type rather than a pair of closures.
 */
type Node interface {
	Name() string
	Setup(p *Pass)
	Execute(p *Pass, rec metadata.CommandRecorder)
}

/**
 * @brief A resource a pass reads. It points at an upstream output once the graph executes.
 */
type Input struct {
	Name string
	Desc metadata.ResourceDesc

	source    *Output
	connected bool
}

// Resource is the upstream resource bound to the input, or nil before binding.
func (in *Input) Resource() *metadata.Resource {
	if in.source == nil {
		return nil
	}
	return in.source.resource
}

// Source is the upstream output bound to the input, or nil before binding.
func (in *Input) Source() *Output {
	return in.source
}

// DesiredState is the state the pass needs the resource in.
func (in *Input) DesiredState() metadata.ResourceState {
	return in.Desc.State()
}

/**
 * @brief A resource a pass writes. The resource is allocated when the pass is added.
 */
type Output struct {
	Name string
	Desc metadata.ResourceDesc

	pass     string
	resource *metadata.Resource
}

func (o *Output) Resource() *metadata.Resource {
	return o.resource
}

// Pass is the pass that declared the output.
func (o *Output) Pass() string {
	return o.pass
}

/**
 * @brief A named unit of work in a graph.
 */
type Pass struct {
	name    string
	inputs  map[string]*Input
	outputs map[string]*Output
	execute ExecuteFunc

	// first contract violation seen during setup
	err error
}

func newPass(name string, execute ExecuteFunc) *Pass {
	return &Pass{
		name:    name,
		inputs:  make(map[string]*Input),
		outputs: make(map[string]*Output),
		execute: execute,
	}
}

func (p *Pass) Name() string {
	return p.name
}

func (p *Pass) AddBufferInput(name string, desc metadata.BufferDesc) {
	p.addInput(name, metadata.BufferResourceDesc(desc))
}

func (p *Pass) AddImageInput(name string, desc metadata.ImageDesc) {
	p.addInput(name, metadata.ImageResourceDesc(desc))
}

func (p *Pass) AddBufferOutput(name string, desc metadata.BufferDesc) {
	p.addOutput(name, metadata.BufferResourceDesc(desc))
}

func (p *Pass) AddImageOutput(name string, desc metadata.ImageDesc) {
	p.addOutput(name, metadata.ImageResourceDesc(desc))
}

func (p *Pass) addInput(name string, desc metadata.ResourceDesc) {
	if _, ok := p.inputs[name]; ok {
		p.fail(fmt.Errorf("%w: pass %q declares input %q twice", ErrDuplicateResource, p.name, name))
		return
	}
	p.inputs[name] = &Input{Name: name, Desc: desc}
}

func (p *Pass) addOutput(name string, desc metadata.ResourceDesc) {
	if _, ok := p.outputs[name]; ok {
		p.fail(fmt.Errorf("%w: pass %q declares output %q twice", ErrDuplicateResource, p.name, name))
		return
	}
	p.outputs[name] = &Output{Name: name, Desc: desc, pass: p.name}
}

func (p *Pass) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

// Input returns the declared input, or nil.
func (p *Pass) Input(name string) *Input {
	return p.inputs[name]
}

// Output returns the declared output, or nil.
func (p *Pass) Output(name string) *Output {
	return p.outputs[name]
}

// Inputs returns the declared input names, sorted.
func (p *Pass) Inputs() []string {
	return sortedKeys(p.inputs)
}

// Outputs returns the declared output names, sorted.
func (p *Pass) Outputs() []string {
	return sortedKeys(p.outputs)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// allocate creates every output resource. On failure nothing stays allocated.
func (p *Pass) allocate(a metadata.Allocator) error {
	names := p.Outputs()
	for i, name := range names {
		out := p.outputs[name]
		res, err := out.Desc.Allocate(a, p.name+"."+name)
		if err != nil {
			for _, done := range names[:i] {
				p.outputs[done].resource.Release()
				p.outputs[done].resource = nil
			}
			return fmt.Errorf("allocating output %q of pass %q: %w", name, p.name, err)
		}
		out.resource = res
	}
	return nil
}
