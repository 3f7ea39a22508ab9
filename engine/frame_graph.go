package engine

import (
	"github.com/spaghettifunk/framegraph/engine/renderer/graph"
	"github.com/spaghettifunk/framegraph/engine/renderer/metadata"
)

// Pass names of the per-frame graph.
const (
	PassUpload   = "upload"
	PassGBuffer  = "gbuffer"
	PassLighting = "lighting"
	PassPresent  = "present"
)

const lightingGroupSize = 8

// gbufferPass draws every scene instance with a single indirect draw.
type gbufferPass struct {
	scene         *metadata.Scene
	width, height uint32
}

func (p *gbufferPass) Name() string { return PassGBuffer }

func (p *gbufferPass) Setup(pass *graph.Pass) {
	pass.AddImageOutput("albedo", p.target(metadata.FormatR8G8B8A8Unorm, metadata.StateRenderTarget))
	pass.AddImageOutput("normal", p.target(metadata.FormatR16G16B16A16Float, metadata.StateRenderTarget))
	depth := p.target(metadata.FormatD32Float, metadata.StateDepthWrite)
	depth.Usage = metadata.UsageDepthStencil
	depth.ClearValue = &metadata.ClearValue{Depth: 1}
	pass.AddImageOutput("depth", depth)
}

func (p *gbufferPass) target(format metadata.Format, state metadata.ResourceState) metadata.ImageDesc {
	return metadata.ImageDesc{
		Width:  p.width,
		Height: p.height,
		Format: format,
		Usage:  metadata.UsageRenderTarget,
		State:  state,
	}
}

func (p *gbufferPass) Execute(pass *graph.Pass, rec metadata.CommandRecorder) {
	if p.scene == nil || p.scene.DrawCount() == 0 {
		return
	}
	rec.DrawIndirect(p.scene.IndirectArgs, p.scene.DrawCount())
}

// lightingPass resolves the gbuffer into an HDR image in a compute dispatch.
type lightingPass struct {
	width, height uint32
}

func (p *lightingPass) Name() string { return PassLighting }

func (p *lightingPass) Setup(pass *graph.Pass) {
	read := func(format metadata.Format, state metadata.ResourceState) metadata.ImageDesc {
		return metadata.ImageDesc{Width: p.width, Height: p.height, Format: format, State: state}
	}
	pass.AddImageInput("albedo", read(metadata.FormatR8G8B8A8Unorm, metadata.StateShaderResource))
	pass.AddImageInput("normal", read(metadata.FormatR16G16B16A16Float, metadata.StateShaderResource))
	pass.AddImageInput("depth", read(metadata.FormatD32Float, metadata.StateDepthRead))
	pass.AddImageOutput("hdr", metadata.ImageDesc{
		Width:  p.width,
		Height: p.height,
		Format: metadata.FormatR16G16B16A16Float,
		Usage:  metadata.UsageUnorderedAccess,
		State:  metadata.StateUnorderedAccess,
	})
}

func (p *lightingPass) Execute(pass *graph.Pass, rec metadata.CommandRecorder) {
	rec.Dispatch(
		(p.width+lightingGroupSize-1)/lightingGroupSize,
		(p.height+lightingGroupSize-1)/lightingGroupSize,
		1,
	)
}

// buildFrameGraph adds the passes of one frame:
//
//	upload -> gbuffer -> lighting -> present
//
// where upload only orders the descriptor heap binding before any drawing.
func (e *Engine) buildFrameGraph(g *graph.Graph) error {
	width, height := e.renderer.FramebufferWidth, e.renderer.FramebufferHeight
	heap := e.registry.Heap()

	err := g.AddNode(graph.PassDesc{
		Name:  PassUpload,
		Setup: func(*graph.Pass) {},
		Execute: func(_ *graph.Pass, rec metadata.CommandRecorder) {
			rec.BindDescriptorHeap(heap)
		},
	})
	if err != nil {
		return err
	}
	if err := g.AddPass(&gbufferPass{scene: e.scene, width: width, height: height}); err != nil {
		return err
	}
	if err := g.AddPass(&lightingPass{width: width, height: height}); err != nil {
		return err
	}
	err = g.AddNode(graph.PassDesc{
		Name: PassPresent,
		Setup: func(p *graph.Pass) {
			p.AddImageInput("hdr", metadata.ImageDesc{Width: width, Height: height, Format: metadata.FormatR16G16B16A16Float, State: metadata.StateCopySource})
			p.AddImageOutput("backbuffer", metadata.ImageDesc{Width: width, Height: height, Format: metadata.FormatR16G16B16A16Float, State: metadata.StateCopyDest})
		},
		Execute: func(p *graph.Pass, rec metadata.CommandRecorder) {
			backbuffer := p.Output("backbuffer").Resource()
			rec.CopyResource(backbuffer, p.Input("hdr").Resource())
			rec.Barrier(backbuffer, backbuffer.State(), metadata.StatePresent)
			backbuffer.SetState(metadata.StatePresent)
		},
	})
	if err != nil {
		return err
	}

	edges := []graph.Edge{
		{Producer: PassUpload, Consumer: PassGBuffer},
		{Producer: PassGBuffer, ProducerOutput: "albedo", Consumer: PassLighting, ConsumerInput: "albedo"},
		{Producer: PassGBuffer, ProducerOutput: "normal", Consumer: PassLighting, ConsumerInput: "normal"},
		{Producer: PassGBuffer, ProducerOutput: "depth", Consumer: PassLighting, ConsumerInput: "depth"},
		{Producer: PassLighting, ProducerOutput: "hdr", Consumer: PassPresent, ConsumerInput: "hdr"},
	}
	for _, edge := range edges {
		if err := g.AddEdge(edge); err != nil {
			return err
		}
	}
	return nil
}
