package headless

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/framegraph/engine/renderer/metadata"
)

var ErrListClosed = errors.New("command list is closed")

type CommandKind uint8

const (
	CmdBarrier CommandKind = iota
	CmdBindHeap
	CmdDispatch
	CmdDrawIndirect
	CmdCopy
	CmdMarker
)

func (k CommandKind) String() string {
	switch k {
	case CmdBarrier:
		return "barrier"
	case CmdBindHeap:
		return "bind_heap"
	case CmdDispatch:
		return "dispatch"
	case CmdDrawIndirect:
		return "draw_indirect"
	case CmdCopy:
		return "copy"
	case CmdMarker:
		return "marker"
	default:
		return "unknown"
	}
}

type Command struct {
	Kind     CommandKind
	Resource *metadata.Resource
	Source   *metadata.Resource
	Before   metadata.ResourceState
	After    metadata.ResourceState
	Heap     metadata.DescriptorHeap
	Groups   [3]uint32
	Count    uint32
	Label    string
}

func (c Command) String() string {
	switch c.Kind {
	case CmdBarrier:
		return fmt.Sprintf("barrier %s %s->%s", c.Resource.Name, c.Before, c.After)
	case CmdMarker:
		return "marker " + c.Label
	case CmdCopy:
		return fmt.Sprintf("copy %s<-%s", c.Resource.Name, c.Source.Name)
	case CmdDrawIndirect:
		return fmt.Sprintf("draw_indirect %s x%d", c.Resource.Name, c.Count)
	default:
		return c.Kind.String()
	}
}

// CommandList records commands in memory. Recording into a closed list is a
// usage error and is reported by Close or Err.
type CommandList struct {
	commands []Command
	closed   bool
	err      error
}

func NewCommandList() *CommandList {
	return &CommandList{}
}

func (cl *CommandList) record(c Command) {
	if cl.closed {
		if cl.err == nil {
			cl.err = fmt.Errorf("%w: recording %s", ErrListClosed, c.Kind)
		}
		return
	}
	cl.commands = append(cl.commands, c)
}

func (cl *CommandList) Barrier(res *metadata.Resource, before, after metadata.ResourceState) {
	cl.record(Command{Kind: CmdBarrier, Resource: res, Before: before, After: after})
}

func (cl *CommandList) BindDescriptorHeap(heap metadata.DescriptorHeap) {
	cl.record(Command{Kind: CmdBindHeap, Heap: heap})
}

func (cl *CommandList) Dispatch(x, y, z uint32) {
	cl.record(Command{Kind: CmdDispatch, Groups: [3]uint32{x, y, z}})
}

func (cl *CommandList) DrawIndirect(args *metadata.Resource, count uint32) {
	cl.record(Command{Kind: CmdDrawIndirect, Resource: args, Count: count})
}

func (cl *CommandList) CopyResource(dst, src *metadata.Resource) {
	cl.record(Command{Kind: CmdCopy, Resource: dst, Source: src})
}

// Marker records a label. Useful to see where one pass ends and the next begins.
func (cl *CommandList) Marker(label string) {
	cl.record(Command{Kind: CmdMarker, Label: label})
}

func (cl *CommandList) Reset() error {
	cl.commands = cl.commands[:0]
	cl.closed = false
	cl.err = nil
	return nil
}

func (cl *CommandList) Close() error {
	if cl.closed {
		return ErrListClosed
	}
	cl.closed = true
	return cl.err
}

func (cl *CommandList) Closed() bool {
	return cl.closed
}

func (cl *CommandList) Err() error {
	return cl.err
}

// Commands returns the recorded commands. The slice is reused by Reset.
func (cl *CommandList) Commands() []Command {
	return cl.commands
}

// Barriers returns only the barrier commands.
func (cl *CommandList) Barriers() []Command {
	var out []Command
	for _, c := range cl.commands {
		if c.Kind == CmdBarrier {
			out = append(out, c)
		}
	}
	return out
}
