package assets

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/pelletier/go-toml/v2"
	"github.com/spaghettifunk/framegraph/engine/core"
	"github.com/spaghettifunk/framegraph/engine/math"
	"github.com/spaghettifunk/framegraph/engine/renderer/bindless"
	"github.com/spaghettifunk/framegraph/engine/renderer/metadata"
	"github.com/spaghettifunk/framegraph/engine/systems"
)

var (
	ErrInvalidManifest = errors.New("invalid scene manifest")
	ErrSceneNotReady   = errors.New("scene is not loaded yet")
	ErrSceneTaken      = errors.New("scene was already taken")
)

var identity = math.NewMat4Identity().Data

/**
 * @brief One drawable entry of a scene manifest.
 */
type InstanceManifest struct {
	Name string `toml:"name"`
	/**
	 * @brief Column-major object to world transform. When omitted the
	 * transform is built from Position, Rotation and Scale.
	 */
	Transform []float32 `toml:"transform"`
	Position  []float32 `toml:"position"`
	/** @brief Euler angles in degrees, applied x first. */
	Rotation []float32 `toml:"rotation"`
	Scale    []float32 `toml:"scale"`
	/** @brief Name of an instance declared earlier whose transform this one is relative to. */
	Parent string `toml:"parent"`

	VertexCount  uint32 `toml:"vertex_count"`
	IndexCount   uint32 `toml:"index_count"`
	VertexStride uint32 `toml:"vertex_stride"`
}

func (inst *InstanceManifest) hasTRS() bool {
	return inst.Position != nil || inst.Rotation != nil || inst.Scale != nil
}

// local returns the instance transform relative to its parent.
func (inst *InstanceManifest) local() *math.Transform {
	if inst.Transform != nil {
		t := math.TransformCreate()
		copy(t.Local.Data[:], inst.Transform)
		t.IsDirty = false
		return t
	}
	r := math.NewVec3FromSlice(inst.Rotation, math.NewVec3Zero())
	return math.TransformFromPositionRotationScale(
		math.NewVec3FromSlice(inst.Position, math.NewVec3Zero()),
		math.NewQuatFromEuler(math.DegToRad(r.X), math.DegToRad(r.Y), math.DegToRad(r.Z)),
		math.NewVec3FromSlice(inst.Scale, math.NewVec3One()),
	)
}

/**
 * @brief The on-disk description of a scene.
 */
type SceneManifest struct {
	Name      string             `toml:"name"`
	Instances []InstanceManifest `toml:"instance"`
}

func ParseSceneManifest(data []byte) (*SceneManifest, error) {
	var m SceneManifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func LoadSceneManifest(path string) (*SceneManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := ParseSceneManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if m.Name == "" {
		m.Name = path
	}
	return m, nil
}

func (m *SceneManifest) Validate() error {
	seen := make(map[string]bool, len(m.Instances))
	for i, inst := range m.Instances {
		switch {
		case inst.Name == "":
			return fmt.Errorf("%w: instance %d has no name", ErrInvalidManifest, i)
		case seen[inst.Name]:
			return fmt.Errorf("%w: instance %q appears twice", ErrInvalidManifest, inst.Name)
		case inst.VertexCount == 0 || inst.IndexCount == 0:
			return fmt.Errorf("%w: instance %q has no geometry", ErrInvalidManifest, inst.Name)
		case inst.VertexStride == 0:
			return fmt.Errorf("%w: instance %q has no vertex stride", ErrInvalidManifest, inst.Name)
		case inst.Transform != nil && len(inst.Transform) != 16:
			return fmt.Errorf("%w: instance %q transform has %d values, want 16", ErrInvalidManifest, inst.Name, len(inst.Transform))
		case inst.Transform != nil && inst.hasTRS():
			return fmt.Errorf("%w: instance %q sets both a transform and position, rotation or scale", ErrInvalidManifest, inst.Name)
		case inst.Parent != "" && !seen[inst.Parent]:
			return fmt.Errorf("%w: instance %q has parent %q, which is not declared before it", ErrInvalidManifest, inst.Name, inst.Parent)
		}
		for field, v := range map[string][]float32{"position": inst.Position, "rotation": inst.Rotation, "scale": inst.Scale} {
			if v != nil && len(v) != 3 {
				return fmt.Errorf("%w: instance %q %s has %d values, want 3", ErrInvalidManifest, inst.Name, field, len(v))
			}
		}
		seen[inst.Name] = true
	}
	return nil
}

/**
 * @brief A scene being loaded in the background. The render thread polls
 * Ready once per frame and calls Take when it reports true.
 */
type SceneFuture struct {
	done  chan struct{}
	once  sync.Once
	taken atomic.Bool
	scene *metadata.Scene
	err   error
}

func newSceneFuture() *SceneFuture {
	return &SceneFuture{done: make(chan struct{})}
}

func (f *SceneFuture) complete(scene *metadata.Scene, err error) {
	f.once.Do(func() {
		f.scene, f.err = scene, err
		close(f.done)
	})
}

// Ready never blocks.
func (f *SceneFuture) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Take returns the loaded scene or the load error. It never blocks and
// hands out the result only once.
func (f *SceneFuture) Take() (*metadata.Scene, error) {
	if !f.Ready() {
		return nil, ErrSceneNotReady
	}
	if f.taken.Swap(true) {
		return nil, ErrSceneTaken
	}
	return f.scene, f.err
}

// Done is closed once the load finished, successfully or not.
func (f *SceneFuture) Done() <-chan struct{} {
	return f.done
}

/**
 * @brief Loads scene manifests on the job system and registers their buffers.
 */
type SceneLoader struct {
	jobs     *systems.JobSystem
	alloc    metadata.Allocator
	registry *bindless.Registry
	logger   *log.Logger
}

func NewSceneLoader(jobs *systems.JobSystem, alloc metadata.Allocator, registry *bindless.Registry) *SceneLoader {
	return &SceneLoader{
		jobs:     jobs,
		alloc:    alloc,
		registry: registry,
		logger:   core.Logger("assets"),
	}
}

// LoadAsync queues the load of the manifest at path and returns immediately.
func (l *SceneLoader) LoadAsync(path string) *SceneFuture {
	future := newSceneFuture()
	l.jobs.AddWorkNonBlocking(metadata.JobTask{
		Name:    "load scene " + path,
		JobType: metadata.JOB_TYPE_RESOURCE_LOAD,
		OnStart: func() (interface{}, error) {
			return l.Load(path)
		},
		OnComplete: func(result interface{}) {
			future.complete(result.(*metadata.Scene), nil)
		},
		OnFailure: func(err error) {
			future.complete(nil, err)
		},
	})
	return future
}

// Load reads and uploads the manifest at path on the calling goroutine.
func (l *SceneLoader) Load(path string) (*metadata.Scene, error) {
	m, err := LoadSceneManifest(path)
	if err != nil {
		return nil, err
	}
	return l.Build(m)
}

/**
 * @brief Creates and registers the buffers of m. Vertex and index buffers get
 * one unscoped shader resource slot each, followed by the instance buffer
 * and the indirect argument buffer. Nothing stays allocated on failure.
 */
func (l *SceneLoader) Build(m *SceneManifest) (*metadata.Scene, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	scene := &metadata.Scene{Name: m.Name}
	if err := l.build(scene, m); err != nil {
		if releaseErr := scene.Release(l.registry); releaseErr != nil {
			l.logger.Warn("releasing partial scene", "scene", m.Name, "err", releaseErr)
		}
		return nil, fmt.Errorf("loading scene %q: %w", m.Name, err)
	}

	l.logger.Info("scene loaded", "scene", scene.Name, "instances", len(scene.Instances), "buffers", len(scene.Resources()))
	return scene, nil
}

func (l *SceneLoader) build(scene *metadata.Scene, m *SceneManifest) error {
	transforms := make(map[string]*math.Transform, len(m.Instances))
	for _, inst := range m.Instances {
		vb, vbIndex, err := l.createRegistered(scene.Name+"."+inst.Name+".vertices", inst.VertexCount, inst.VertexStride, metadata.StateShaderResource)
		if vb != nil {
			scene.Geometry = append(scene.Geometry, vb)
		}
		if err != nil {
			return err
		}
		ib, ibIndex, err := l.createRegistered(scene.Name+"."+inst.Name+".indices", inst.IndexCount, 4, metadata.StateShaderResource)
		if ib != nil {
			scene.Geometry = append(scene.Geometry, ib)
		}
		if err != nil {
			return err
		}

		local := inst.local()
		local.Parent = transforms[inst.Parent]
		transforms[inst.Name] = local

		scene.Instances = append(scene.Instances, metadata.GpuInstance{
			Transform:         local.GetWorld().Data,
			VertexBufferIndex: vbIndex,
			IndexBufferIndex:  ibIndex,
		})
	}
	if len(scene.Instances) == 0 {
		return nil
	}

	count := uint32(len(scene.Instances))
	instances, instanceIndex, err := l.createRegistered(scene.Name+".instances", count, metadata.GpuInstanceSize, metadata.StateShaderResource)
	scene.InstanceBuffer = instances
	if err != nil {
		return err
	}

	for i, inst := range m.Instances {
		scene.Records = append(scene.Records, metadata.IndirectDrawRecord{
			InstanceBufferIndex: instanceIndex,
			InstanceID:          uint32(i),
			Args: metadata.DrawArgs{
				VertexCountPerInstance: inst.IndexCount,
				InstanceCount:          1,
			},
		})
	}
	args, _, err := l.createRegistered(scene.Name+".indirect_args", count, metadata.IndirectDrawRecordSize, metadata.StateIndirectArgument)
	scene.IndirectArgs = args
	if err != nil {
		return err
	}

	if w, ok := l.alloc.(metadata.BufferWriter); ok {
		if err := w.WriteBuffer(instances, 0, metadata.PackInstances(scene.Instances)); err != nil {
			return err
		}
		if err := w.WriteBuffer(args, 0, metadata.PackIndirectRecords(scene.Records)); err != nil {
			return err
		}
	}
	return nil
}

// createRegistered returns the buffer even when registering it failed so the
// caller can release it.
func (l *SceneLoader) createRegistered(name string, count, stride uint32, state metadata.ResourceState) (*metadata.Resource, uint32, error) {
	buf, err := l.alloc.CreateBuffer(name, metadata.BufferDesc{
		Size:  uint64(count) * uint64(stride),
		Heap:  metadata.HeapUpload,
		State: state,
	})
	if err != nil {
		return nil, 0, err
	}
	index, err := l.registry.RegisterSRV(buf, count, stride)
	if err != nil {
		return buf, 0, err
	}
	return buf, index, nil
}
