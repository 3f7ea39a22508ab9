package graph

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/spaghettifunk/framegraph/engine/renderer/headless"
	"github.com/spaghettifunk/framegraph/engine/renderer/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	colorTarget = metadata.ImageDesc{Width: 8, Height: 8, Format: metadata.FormatR8G8B8A8Unorm, State: metadata.StateRenderTarget}
	colorRead   = metadata.ImageDesc{Width: 8, Height: 8, Format: metadata.FormatR8G8B8A8Unorm, State: metadata.StateShaderResource}
	dataWrite   = metadata.BufferDesc{Size: 256, State: metadata.StateUnorderedAccess}
	dataRead    = metadata.BufferDesc{Size: 256, State: metadata.StateShaderResource}
)

func newTestGraph(t *testing.T) (*Graph, *headless.Device, *headless.CommandList) {
	t.Helper()
	dev := headless.New()
	cl := headless.NewCommandList()
	return New(Desc{Allocator: dev, Recorder: cl}), dev, cl
}

func mark(p *Pass, rec metadata.CommandRecorder) {
	rec.(*headless.CommandList).Marker(p.Name())
}

func noop(*Pass) {}

// executed returns the pass markers recorded by cl, in order.
func executed(cl *headless.CommandList) []string {
	var out []string
	for _, c := range cl.Commands() {
		if c.Kind == headless.CmdMarker {
			out = append(out, c.Label)
		}
	}
	return out
}

func addChainPass(t *testing.T, g *Graph, name string, in, out bool) {
	t.Helper()
	require.NoError(t, g.AddNode(PassDesc{
		Name: name,
		Setup: func(p *Pass) {
			if in {
				p.AddBufferInput("in", dataRead)
			}
			if out {
				p.AddBufferOutput("out", dataWrite)
			}
		},
		Execute: mark,
	}))
}

func TestChainRunsInDependencyOrder(t *testing.T) {
	passOrders := [][]string{
		{"a", "b", "c"}, {"a", "c", "b"}, {"b", "a", "c"},
		{"b", "c", "a"}, {"c", "a", "b"}, {"c", "b", "a"},
	}
	ab := Edge{Producer: "a", ProducerOutput: "out", Consumer: "b", ConsumerInput: "in"}
	bc := Edge{Producer: "b", ProducerOutput: "out", Consumer: "c", ConsumerInput: "in"}

	for _, passes := range passOrders {
		for _, edges := range [][]Edge{{ab, bc}, {bc, ab}} {
			t.Run(fmt.Sprintf("%v/%s", passes, edges[0].Producer), func(t *testing.T) {
				g, _, cl := newTestGraph(t)
				for _, name := range passes {
					addChainPass(t, g, name, name != "a", name != "c")
				}
				for _, e := range edges {
					require.NoError(t, g.AddEdge(e))
				}

				require.NoError(t, g.Execute())
				assert.Equal(t, []string{"a", "b", "c"}, executed(cl))
			})
		}
	}
}

func TestDiamondSchedulesSharedProducerOnce(t *testing.T) {
	g, _, cl := newTestGraph(t)
	require.NoError(t, g.AddNode(PassDesc{Name: "a", Setup: func(p *Pass) {
		p.AddBufferOutput("left", dataWrite)
		p.AddBufferOutput("right", dataWrite)
	}, Execute: mark}))
	for _, name := range []string{"b", "c"} {
		addChainPass(t, g, name, true, true)
	}
	require.NoError(t, g.AddNode(PassDesc{Name: "d", Setup: func(p *Pass) {
		p.AddBufferInput("from_b", dataRead)
		p.AddBufferInput("from_c", dataRead)
	}, Execute: mark}))

	require.NoError(t, g.AddEdge(Edge{Producer: "a", ProducerOutput: "left", Consumer: "b", ConsumerInput: "in"}))
	require.NoError(t, g.AddEdge(Edge{Producer: "a", ProducerOutput: "right", Consumer: "c", ConsumerInput: "in"}))
	require.NoError(t, g.AddEdge(Edge{Producer: "b", ProducerOutput: "out", Consumer: "d", ConsumerInput: "from_b"}))
	require.NoError(t, g.AddEdge(Edge{Producer: "c", ProducerOutput: "out", Consumer: "d", ConsumerInput: "from_c"}))

	require.NoError(t, g.Execute())
	order := executed(cl)
	require.Len(t, order, 4)
	assert.Equal(t, "a", order[0])
	assert.Equal(t, "d", order[3])
	assert.ElementsMatch(t, []string{"b", "c"}, order[1:3])
}

func TestSharedDependencyIsMovedBeforeAllDependents(t *testing.T) {
	for _, directFirst := range []bool{true, false} {
		g, _, _ := newTestGraph(t)
		for _, name := range []string{"a", "b", "d"} {
			require.NoError(t, g.AddNode(PassDesc{Name: name, Setup: noop, Execute: mark}))
		}
		direct := Edge{Producer: "a", Consumer: "d"}
		viaB := []Edge{{Producer: "b", Consumer: "d"}, {Producer: "a", Consumer: "b"}}
		if directFirst {
			require.NoError(t, g.AddEdge(direct))
		}
		for _, e := range viaB {
			require.NoError(t, g.AddEdge(e))
		}
		if !directFirst {
			require.NoError(t, g.AddEdge(direct))
		}

		order, err := g.Order()
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "d"}, order)
	}
}

func TestRandomDAGVisitsEveryPassOnceInDependencyOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 20; round++ {
		g, _, _ := newTestGraph(t)
		const n = 24
		names := make([]string, n)
		for i := range names {
			names[i] = fmt.Sprintf("p%02d", i)
		}
		for _, i := range rng.Perm(n) {
			require.NoError(t, g.AddNode(PassDesc{Name: names[i], Setup: noop, Execute: mark}))
		}
		var edges []Edge
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				if rng.Intn(5) == 0 {
					e := Edge{Producer: names[i], Consumer: names[j]}
					require.NoError(t, g.AddEdge(e))
					edges = append(edges, e)
				}
			}
		}

		order, err := g.Order()
		require.NoError(t, err)
		require.ElementsMatch(t, names, order)
		position := make(map[string]int, n)
		for i, name := range order {
			position[name] = i
		}
		for _, e := range edges {
			assert.Less(t, position[e.Producer], position[e.Consumer], "edge %s", e)
		}
	}
}

func TestBarrierEmittedBetweenProducerAndConsumer(t *testing.T) {
	g, _, cl := newTestGraph(t)
	var produced, consumed *metadata.Resource
	require.NoError(t, g.AddNode(PassDesc{
		Name:  "produce",
		Setup: func(p *Pass) { p.AddImageOutput("color", colorTarget) },
		Execute: func(p *Pass, rec metadata.CommandRecorder) {
			produced = p.Output("color").Resource()
			mark(p, rec)
		},
	}))
	require.NoError(t, g.AddNode(PassDesc{
		Name:  "consume",
		Setup: func(p *Pass) { p.AddImageInput("color", colorRead) },
		Execute: func(p *Pass, rec metadata.CommandRecorder) {
			consumed = p.Input("color").Resource()
			mark(p, rec)
		},
	}))
	require.NoError(t, g.AddEdge(Edge{Producer: "produce", ProducerOutput: "color", Consumer: "consume", ConsumerInput: "color"}))

	require.NoError(t, g.Execute())

	cmds := cl.Commands()
	require.Len(t, cmds, 3)
	assert.Equal(t, headless.CmdMarker, cmds[0].Kind)
	assert.Equal(t, "produce", cmds[0].Label)
	assert.Equal(t, headless.CmdBarrier, cmds[1].Kind)
	assert.Equal(t, metadata.StateRenderTarget, cmds[1].Before)
	assert.Equal(t, metadata.StateShaderResource, cmds[1].After)
	assert.Equal(t, "consume", cmds[2].Label)

	require.NotNil(t, produced)
	assert.Same(t, produced, consumed)
	assert.Same(t, produced, cmds[1].Resource)
	assert.Equal(t, "produce.color", produced.Name)
	assert.Equal(t, metadata.StateShaderResource, produced.State())
}

func TestNoBarrierWhenStatesMatch(t *testing.T) {
	g, _, cl := newTestGraph(t)
	require.NoError(t, g.AddNode(PassDesc{Name: "produce", Setup: func(p *Pass) { p.AddBufferOutput("data", dataRead) }, Execute: mark}))
	require.NoError(t, g.AddNode(PassDesc{Name: "consume", Setup: func(p *Pass) { p.AddBufferInput("data", dataRead) }, Execute: mark}))
	require.NoError(t, g.AddEdge(Edge{Producer: "produce", ProducerOutput: "data", Consumer: "consume", ConsumerInput: "data"}))

	require.NoError(t, g.Execute())
	assert.Empty(t, cl.Barriers())
	assert.Equal(t, []string{"produce", "consume"}, executed(cl))
}

func TestSecondReaderInSameStateEmitsNoBarrier(t *testing.T) {
	g, _, cl := newTestGraph(t)
	require.NoError(t, g.AddNode(PassDesc{Name: "produce", Setup: func(p *Pass) { p.AddImageOutput("color", colorTarget) }, Execute: mark}))
	for _, name := range []string{"blur", "tonemap"} {
		require.NoError(t, g.AddNode(PassDesc{Name: name, Setup: func(p *Pass) { p.AddImageInput("color", colorRead) }, Execute: mark}))
	}
	require.NoError(t, g.AddEdge(Edge{Producer: "produce", ProducerOutput: "color", Consumer: "blur", ConsumerInput: "color"}))
	require.NoError(t, g.AddEdge(Edge{Producer: "produce", ProducerOutput: "color", Consumer: "tonemap", ConsumerInput: "color"}))

	require.NoError(t, g.Execute())
	assert.Len(t, cl.Barriers(), 1)
	assert.Equal(t, "produce", executed(cl)[0])
}

func TestOrderingOnlyEdge(t *testing.T) {
	g, _, cl := newTestGraph(t)
	require.NoError(t, g.AddNode(PassDesc{Name: "gbuffer", Setup: noop, Execute: mark}))
	require.NoError(t, g.AddNode(PassDesc{Name: "upload", Setup: noop, Execute: mark}))
	require.NoError(t, g.AddEdge(Edge{Producer: "upload", Consumer: "gbuffer"}))
	assert.True(t, g.Outgoing("upload")[0].OrderingOnly())

	require.NoError(t, g.Execute())
	assert.Equal(t, []string{"upload", "gbuffer"}, executed(cl))
	assert.Empty(t, cl.Barriers())
}

func TestIsolatedPassesAreScheduled(t *testing.T) {
	g, _, cl := newTestGraph(t)
	for _, name := range []string{"x", "y"} {
		require.NoError(t, g.AddNode(PassDesc{Name: name, Setup: noop, Execute: mark}))
	}
	require.NoError(t, g.Execute())
	assert.ElementsMatch(t, []string{"x", "y"}, executed(cl))
}

func TestEmptyGraphExecutesNothing(t *testing.T) {
	g, _, cl := newTestGraph(t)
	require.NoError(t, g.Execute())
	assert.Empty(t, cl.Commands())
}

func TestCycleIsRejected(t *testing.T) {
	g, _, cl := newTestGraph(t)
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, g.AddNode(PassDesc{Name: name, Setup: noop, Execute: mark}))
	}
	require.NoError(t, g.AddEdge(Edge{Producer: "a", Consumer: "b"}))
	require.NoError(t, g.AddEdge(Edge{Producer: "b", Consumer: "c"}))
	require.NoError(t, g.AddEdge(Edge{Producer: "c", Consumer: "a"}))

	err := g.Execute()
	require.ErrorIs(t, err, ErrCycle)
	assert.Contains(t, err.Error(), "a -> b -> c -> a")
	assert.Empty(t, cl.Commands())

	assert.ErrorIs(t, g.AddEdge(Edge{Producer: "a", Consumer: "a"}), ErrCycle)
}

func TestUnboundInputFailsBeforeRecording(t *testing.T) {
	g, _, cl := newTestGraph(t)
	require.NoError(t, g.AddNode(PassDesc{Name: "first", Setup: noop, Execute: mark}))
	require.NoError(t, g.AddNode(PassDesc{Name: "lighting", Setup: func(p *Pass) { p.AddImageInput("albedo", colorRead) }, Execute: mark}))

	err := g.Execute()
	require.ErrorIs(t, err, ErrUnboundInput)
	assert.Contains(t, err.Error(), "lighting.albedo")
	assert.Empty(t, cl.Commands())
}

func TestAddNodeContract(t *testing.T) {
	g, dev, _ := newTestGraph(t)

	assert.ErrorIs(t, g.AddNode(PassDesc{Name: "a", Execute: mark}), ErrMissingCallback)
	assert.ErrorIs(t, g.AddNode(PassDesc{Name: "a", Setup: noop}), ErrMissingCallback)
	assert.ErrorIs(t, g.AddPass(nil), ErrMissingCallback)

	require.NoError(t, g.AddNode(PassDesc{Name: "a", Setup: noop, Execute: mark}))
	assert.ErrorIs(t, g.AddNode(PassDesc{Name: "a", Setup: noop, Execute: mark}), ErrDuplicatePass)

	err := g.AddNode(PassDesc{Name: "twice", Setup: func(p *Pass) {
		p.AddBufferOutput("out", dataWrite)
		p.AddImageOutput("out", colorTarget)
	}, Execute: mark})
	assert.ErrorIs(t, err, ErrDuplicateResource)
	assert.Nil(t, g.Pass("twice"))

	require.NoError(t, g.AddNode(PassDesc{Name: "alloc", Setup: func(p *Pass) {
		p.AddBufferOutput("a", dataWrite)
		p.AddBufferOutput("b", dataWrite)
	}, Execute: mark}))
	assert.EqualValues(t, 2, dev.LiveAllocations())

	// Outputs allocate in name order: "a" succeeds, then "b" fails.
	err = g.AddNode(PassDesc{Name: "partial", Setup: func(p *Pass) {
		p.AddBufferOutput("a", dataWrite)
		p.AddImageOutput("b", metadata.ImageDesc{})
	}, Execute: mark})
	assert.ErrorIs(t, err, headless.ErrInvalidDesc)
	assert.EqualValues(t, 2, dev.LiveAllocations())
	assert.Nil(t, g.Pass("partial"))

	boom := errors.New("out of memory")
	dev.FailNextCreate(boom)
	err = g.AddNode(PassDesc{Name: "failed", Setup: func(p *Pass) { p.AddBufferOutput("a", dataWrite) }, Execute: mark})
	assert.ErrorIs(t, err, boom)
}

func TestAddEdgeContract(t *testing.T) {
	g, _, _ := newTestGraph(t)
	require.NoError(t, g.AddNode(PassDesc{Name: "src", Setup: func(p *Pass) {
		p.AddImageOutput("color", colorTarget)
		p.AddBufferOutput("data", dataWrite)
	}, Execute: mark}))
	require.NoError(t, g.AddNode(PassDesc{Name: "dst", Setup: func(p *Pass) {
		p.AddImageInput("color", colorRead)
		p.AddBufferInput("data", dataRead)
	}, Execute: mark}))

	cases := []struct {
		name string
		edge Edge
		want error
	}{
		{"unknown producer", Edge{Producer: "nope", Consumer: "dst"}, ErrUnknownPass},
		{"unknown consumer", Edge{Producer: "src", Consumer: "nope"}, ErrUnknownPass},
		{"unknown output", Edge{Producer: "src", ProducerOutput: "depth", Consumer: "dst", ConsumerInput: "color"}, ErrUnknownResource},
		{"unknown input", Edge{Producer: "src", ProducerOutput: "color", Consumer: "dst", ConsumerInput: "depth"}, ErrUnknownResource},
		{"output only", Edge{Producer: "src", ProducerOutput: "color", Consumer: "dst"}, ErrEdgeMismatch},
		{"input only", Edge{Producer: "src", Consumer: "dst", ConsumerInput: "color"}, ErrEdgeMismatch},
		{"image to buffer", Edge{Producer: "src", ProducerOutput: "color", Consumer: "dst", ConsumerInput: "data"}, ErrKindMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, g.AddEdge(tc.edge), tc.want)
		})
	}
	assert.Empty(t, g.Outgoing("src"))

	edge := Edge{Producer: "src", ProducerOutput: "color", Consumer: "dst", ConsumerInput: "color"}
	require.NoError(t, g.AddEdge(edge))
	assert.ErrorIs(t, g.AddEdge(edge), ErrInputAlreadyBound)
	assert.Equal(t, []Edge{edge}, g.Incoming("dst"))
}

type blitPass struct {
	ran bool
}

func (b *blitPass) Name() string { return "blit" }

func (b *blitPass) Setup(p *Pass) {
	p.AddImageInput("src", metadata.ImageDesc{Width: 8, Height: 8, Format: metadata.FormatR8G8B8A8Unorm, State: metadata.StateCopySource})
	p.AddImageOutput("dst", metadata.ImageDesc{Width: 8, Height: 8, Format: metadata.FormatR8G8B8A8Unorm, State: metadata.StateCopyDest})
}

func (b *blitPass) Execute(p *Pass, rec metadata.CommandRecorder) {
	b.ran = true
	rec.CopyResource(p.Output("dst").Resource(), p.Input("src").Resource())
}

func TestNodeInterface(t *testing.T) {
	g, _, cl := newTestGraph(t)
	blit := &blitPass{}
	require.NoError(t, g.AddNode(PassDesc{Name: "render", Setup: func(p *Pass) { p.AddImageOutput("color", colorTarget) }, Execute: mark}))
	require.NoError(t, g.AddPass(blit))
	require.NoError(t, g.AddEdge(Edge{Producer: "render", ProducerOutput: "color", Consumer: "blit", ConsumerInput: "src"}))

	require.NoError(t, g.Execute())
	assert.True(t, blit.ran)
	assert.Equal(t, []string{"dst"}, g.Pass("blit").Outputs())
	assert.Equal(t, []string{"src"}, g.Pass("blit").Inputs())

	barriers := cl.Barriers()
	require.Len(t, barriers, 1)
	assert.Equal(t, metadata.StateCopySource, barriers[0].After)
	copies := 0
	for _, c := range cl.Commands() {
		if c.Kind == headless.CmdCopy {
			copies++
			assert.Equal(t, "blit.dst", c.Resource.Name)
			assert.Equal(t, "render.color", c.Source.Name)
		}
	}
	assert.Equal(t, 1, copies)
}

func TestReleaseDestroysOutputs(t *testing.T) {
	g, dev, _ := newTestGraph(t)
	require.NoError(t, g.AddNode(PassDesc{Name: "a", Setup: func(p *Pass) {
		p.AddBufferOutput("x", dataWrite)
		p.AddImageOutput("y", colorTarget)
	}, Execute: mark}))
	require.Len(t, g.Resources(), 2)
	assert.EqualValues(t, 2, dev.LiveAllocations())

	g.Release()
	assert.Zero(t, dev.LiveAllocations())
	assert.NotEqual(t, g.ID(), New(Desc{}).ID())
}
