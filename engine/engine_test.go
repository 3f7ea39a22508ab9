package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spaghettifunk/framegraph/engine/core"
	"github.com/spaghettifunk/framegraph/engine/renderer/headless"
	"github.com/spaghettifunk/framegraph/engine/renderer/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sceneManifest = `
name = "test"

[[instance]]
name = "a"
vertex_count = 3
index_count = 3
vertex_stride = 16

[[instance]]
name = "b"
vertex_count = 6
index_count = 12
vertex_stride = 16
`

type fatalRecorder struct {
	messages []string
}

func (f *fatalRecorder) fatal(msg string, args ...interface{}) {
	f.messages = append(f.messages, fmt.Sprintf(msg, args...))
}

func testConfig(scene string) *core.Config {
	cfg := core.DefaultConfig()
	cfg.Renderer.Width = 64
	cfg.Renderer.Height = 32
	cfg.Renderer.BindlessCapacity = 256
	cfg.Assets.Scene = scene
	cfg.Assets.Watch = false
	return cfg
}

func newTestEngine(t *testing.T, cfg *core.Config) (*Engine, *headless.Device, *fatalRecorder) {
	t.Helper()
	dev := headless.New()
	e, err := New(cfg, dev)
	require.NoError(t, err)
	rec := &fatalRecorder{}
	e.fatal = rec.fatal
	require.NoError(t, e.Initialize())
	return e, dev, rec
}

func lastSubmission(t *testing.T, dev *headless.Device) []headless.Command {
	t.Helper()
	submitted := dev.HeadlessQueue().Submitted()
	require.NotEmpty(t, submitted)
	return submitted[len(submitted)-1].Commands()
}

func kinds(cmds []headless.Command) []headless.CommandKind {
	out := make([]headless.CommandKind, len(cmds))
	for i, c := range cmds {
		out[i] = c.Kind
	}
	return out
}

func TestRunRecordsFrameGraph(t *testing.T) {
	e, dev, fatal := newTestEngine(t, testConfig(""))
	ctx := context.Background()

	require.NoError(t, e.Run(ctx, 3))
	assert.Empty(t, fatal.messages)
	assert.Equal(t, uint64(3), e.Renderer().FrameNumber())

	cmds := lastSubmission(t, dev)
	assert.Equal(t, []headless.CommandKind{
		headless.CmdBindHeap,
		headless.CmdBarrier, headless.CmdBarrier, headless.CmdBarrier,
		headless.CmdDispatch,
		headless.CmdBarrier,
		headless.CmdCopy,
		headless.CmdBarrier,
	}, kinds(cmds))
	assert.Equal(t, [3]uint32{8, 4, 1}, cmds[4].Groups)
	assert.Equal(t, "present.backbuffer", cmds[7].Resource.Name)
	assert.Equal(t, metadata.StatePresent, cmds[7].After)

	// Frame targets of retired generations are gone; only the last frame's remain.
	assert.Equal(t, []metadata.Generation{3}, e.Registry().Generations())
	assert.EqualValues(t, 5, dev.LiveAllocations())

	require.NoError(t, e.Shutdown(ctx))
	assert.Zero(t, dev.LiveAllocations())
	assert.Zero(t, e.Registry().Stats().Live)
	assert.ErrorIs(t, e.Shutdown(ctx), core.ErrAlreadyShutdown)
}

func TestSceneIsLoadedInBackgroundAndDrawn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scene.toml")
	require.NoError(t, os.WriteFile(path, []byte(sceneManifest), 0o644))
	e, dev, _ := newTestEngine(t, testConfig(path))
	ctx := context.Background()

	loaded := make(chan uint32, 1)
	e.Events().Register(core.EVENT_CODE_SCENE_LOADED, t, func(code core.SystemEventCode, sender interface{}, data core.EventContext) bool {
		loaded <- data.U32[0]
		return true
	})

	deadline := time.Now().Add(5 * time.Second)
	for e.Scene() == nil {
		require.True(t, time.Now().Before(deadline), "scene never loaded")
		require.NoError(t, e.Frame(ctx))
	}
	assert.Equal(t, uint32(2), <-loaded)

	var draws []headless.Command
	for _, c := range lastSubmission(t, dev) {
		if c.Kind == headless.CmdDrawIndirect {
			draws = append(draws, c)
		}
	}
	require.Len(t, draws, 1)
	assert.Equal(t, uint32(2), draws[0].Count)
	assert.Same(t, e.Scene().IndirectArgs, draws[0].Resource)

	require.NoError(t, e.Shutdown(ctx))
	assert.Zero(t, dev.LiveAllocations())
}

func TestSceneChangeReplacesScene(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scene.toml")
	require.NoError(t, os.WriteFile(path, []byte(sceneManifest), 0o644))
	e, dev, _ := newTestEngine(t, testConfig(path))
	ctx := context.Background()

	waitForScene := func(name string) {
		deadline := time.Now().Add(5 * time.Second)
		for e.Scene() == nil || e.Scene().Name != name {
			require.True(t, time.Now().Before(deadline), "scene %q never loaded", name)
			require.NoError(t, e.Frame(ctx))
		}
	}
	waitForScene("test")
	first := e.Scene()

	other := filepath.Join(dir, "other.toml")
	require.NoError(t, os.WriteFile(other, []byte("name = \"other\"\n[[instance]]\nname = \"c\"\nvertex_count = 3\nindex_count = 3\nvertex_stride = 8\n"), 0o644))
	e.Events().Fire(core.EVENT_CODE_SCENE_CHANGED, nil, core.EventContext{Str: other})
	waitForScene("other")

	for _, res := range first.Resources() {
		assert.True(t, res.Released(), res.Name)
	}
	require.NoError(t, e.Shutdown(ctx))
	assert.Zero(t, dev.LiveAllocations())
}

func TestFailedSceneLoadKeepsRendering(t *testing.T) {
	e, _, fatal := newTestEngine(t, testConfig(filepath.Join(t.TempDir(), "missing.toml")))
	ctx := context.Background()

	require.NoError(t, e.Run(ctx, 2))
	deadline := time.Now().Add(5 * time.Second)
	for e.pending != nil {
		require.True(t, time.Now().Before(deadline), "load never finished")
		require.NoError(t, e.Frame(ctx))
	}
	assert.Nil(t, e.Scene())
	assert.Empty(t, fatal.messages)
	require.NoError(t, e.Shutdown(ctx))
}

func TestSceneChangeDuringLoadIsNotLost(t *testing.T) {
	dir := t.TempDir()
	e, dev, fatal := newTestEngine(t, testConfig(filepath.Join(dir, "missing.toml")))
	ctx := context.Background()
	require.NotNil(t, e.pending)

	path := filepath.Join(dir, "scene.toml")
	require.NoError(t, os.WriteFile(path, []byte(sceneManifest), 0o644))
	// Two saves while the first load is still running; the last one wins.
	e.Events().Fire(core.EVENT_CODE_SCENE_CHANGED, nil, core.EventContext{Str: filepath.Join(dir, "partial.toml")})
	e.Events().Fire(core.EVENT_CODE_SCENE_CHANGED, nil, core.EventContext{Str: path})

	deadline := time.Now().Add(5 * time.Second)
	for e.Scene() == nil {
		require.True(t, time.Now().Before(deadline), "queued reload never loaded")
		require.NoError(t, e.Frame(ctx))
	}
	assert.Equal(t, "test", e.Scene().Name)
	assert.Nil(t, e.pending)
	assert.Empty(t, e.reloadPath)
	assert.Empty(t, fatal.messages)

	require.NoError(t, e.Shutdown(ctx))
	assert.Zero(t, dev.LiveAllocations())
}

func TestResizeEventDrainsAndResizesTargets(t *testing.T) {
	e, dev, _ := newTestEngine(t, testConfig(""))
	ctx := context.Background()
	require.NoError(t, e.Run(ctx, 1))

	e.Events().Fire(core.EVENT_CODE_RESIZED, nil, core.EventContext{U32: [4]uint32{128, 96}})
	require.NoError(t, e.Frame(ctx))

	w, h := e.GetFramebufferSize()
	assert.Equal(t, uint32(128), w)
	assert.Equal(t, uint32(96), h)
	assert.Equal(t, uint32(128), e.Renderer().FramebufferWidth)
	for _, c := range lastSubmission(t, dev) {
		if c.Kind == headless.CmdCopy {
			assert.Equal(t, uint32(128), c.Resource.Width)
			assert.Equal(t, uint32(96), c.Resource.Height)
		}
	}

	// A minimized window keeps the previous size.
	e.Events().Fire(core.EVENT_CODE_RESIZED, nil, core.EventContext{})
	w, _ = e.GetFramebufferSize()
	assert.Equal(t, uint32(128), w)
	require.NoError(t, e.Shutdown(ctx))
}

func TestQuitEventStopsRun(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig(""))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, 0) }()

	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for stopped := false; !stopped; {
		select {
		case err := <-done:
			require.NoError(t, err)
			stopped = true
		case <-tick.C:
			e.Events().Fire(core.EVENT_CODE_APPLICATION_QUIT, nil, core.EventContext{})
		}
	}
	assert.NoError(t, ctx.Err(), "run stopped because of the timeout, not the quit event")
	require.NoError(t, e.Shutdown(context.Background()))
}

func TestAllocationFailureIsReportedAsFatal(t *testing.T) {
	e, dev, fatal := newTestEngine(t, testConfig(""))
	boom := errors.New("out of device memory")
	dev.FailNextCreate(boom)

	err := e.Frame(context.Background())
	assert.ErrorIs(t, err, boom)
	require.Len(t, fatal.messages, 1)
	assert.Contains(t, fatal.messages[0], "out of device memory")

	// The frame was still submitted so its generation retires.
	require.NoError(t, e.Shutdown(context.Background()))
	assert.Zero(t, dev.LiveAllocations())
}

func TestLifecycleOrder(t *testing.T) {
	dev := headless.New()
	e, err := New(testConfig(""), dev)
	require.NoError(t, err)
	assert.ErrorIs(t, e.Run(context.Background(), 1), core.ErrEngineNotReady)
	require.NoError(t, e.Initialize())
	assert.ErrorIs(t, e.Initialize(), core.ErrEngineNotReady)
	require.NoError(t, e.Shutdown(context.Background()))

	_, err = New(&core.Config{}, headless.New())
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}
