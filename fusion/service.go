package fusion

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/go-co-op/gocron/v2"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"

	"github.com/viam-labs/tsdf-fusion/mesh"
	"github.com/viam-labs/tsdf-fusion/pointcloud"
	"github.com/viam-labs/tsdf-fusion/transform"
	"github.com/viam-labs/tsdf-fusion/tsdf"
)

// Artifact suffixes appended to an export destination path.
const (
	GridSuffix = "_grid.tsdf"
	MeshSuffix = "_mesh.ply"
)

// Accumulator fuses point batches into a persistent volume and serves the
// export-time reads. Implementations need not be safe for concurrent use;
// Service serializes every access.
type Accumulator interface {
	Integrate(points []r3.Vector, origin r3.Vector, weigh tsdf.WeightFunc)
	ExtractTriangleMesh(fillHoles bool, minWeight float64) (*mesh.Mesh, error)
	WriteGrid(w io.Writer) error
}

// PoseSource answers stamped pose lookups for scan gating.
type PoseSource interface {
	Lookup(stamp time.Time, tol time.Duration) (transform.Pose, bool)
}

// MeshUpdate is one published extraction result.
type MeshUpdate struct {
	ID    uuid.UUID
	Frame string
	Stamp time.Time
	Mesh  *mesh.Mesh
}

// MeshPublisher delivers extracted meshes to downstream consumers.
type MeshPublisher interface {
	PublishMesh(ctx context.Context, update *MeshUpdate) error
}

// Stats are service counters accumulated since construction.
type Stats struct {
	ScansIntegrated uint64
	ScansDropped    uint64
	PointsFiltered  uint64
	Exports         uint64
}

// Service owns the volume and runs ingestion and export. Integrations and
// exports execute as alternatives under one lock, so an export never
// observes the volume mid-mutation and two exports never interleave their
// artifact writes.
type Service struct {
	conf      Config
	volume    Accumulator
	poses     PoseSource
	publisher MeshPublisher
	weigh     tsdf.WeightFunc
	logger    golog.Logger

	mu    sync.Mutex
	stats Stats

	scheduler  gocron.Scheduler
	cancelCtx  context.Context
	cancelFunc func()
}

// New assembles a fusion service. A nil weigh selects the constant unit
// weight; a nil publisher disables mesh publication. If the config carries
// a positive save interval, the periodic export job is armed here and runs
// until Close; otherwise the service only exports on demand. That choice
// is made once and never revisited.
func New(
	conf Config,
	volume Accumulator,
	poses PoseSource,
	publisher MeshPublisher,
	weigh tsdf.WeightFunc,
	logger golog.Logger,
) (*Service, error) {
	if volume == nil {
		return nil, errors.New("volume accumulator is required")
	}
	if poses == nil {
		return nil, errors.New("pose source is required")
	}
	if weigh == nil {
		weigh = tsdf.ConstantWeight
	}
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	svc := &Service{
		conf:       conf,
		volume:     volume,
		poses:      poses,
		publisher:  publisher,
		weigh:      weigh,
		logger:     logger,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
	if interval := conf.SaveInterval(); interval > 0 {
		if err := svc.startPeriodic(interval); err != nil {
			cancelFunc()
			return nil, err
		}
		logger.Infow("periodic export armed", "interval", interval, "path", conf.SavePath)
	} else {
		logger.Info("no save interval configured; exports are on demand only")
	}
	return svc, nil
}

func (s *Service) startPeriodic(interval time.Duration) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.periodicSave),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return multierr.Combine(err, scheduler.Shutdown())
	}
	s.scheduler = scheduler
	scheduler.Start()
	return nil
}

func (s *Service) periodicSave() {
	if err := s.Save(s.cancelCtx, s.conf.SavePath); err != nil {
		s.logger.Errorw("periodic export failed", "error", err)
	}
}

// Integrate runs one scan through the pose gate and into the volume.
// Scans with no pose within the timestamp tolerance are dropped, which on
// a live stream is routine rather than a fault. The returned bool reports
// whether the scan reached the volume.
func (s *Service) Integrate(ctx context.Context, scan *pointcloud.Scan) bool {
	_, span := trace.StartSpan(ctx, "fusion::Service::Integrate")
	defer span.End()

	pose, ok := s.poses.Lookup(scan.Stamp, s.conf.StampTolerance())
	if !ok {
		s.logger.Debugw("dropping scan, no pose within tolerance",
			"stamp", scan.Stamp, "frame", scan.Frame, "points", scan.Size())
		s.mu.Lock()
		s.stats.ScansDropped++
		s.mu.Unlock()
		return false
	}

	points := scan.Points
	if s.conf.ApplyPose {
		points = pose.Apply(points)
	}
	culled := 0
	if s.conf.Preprocess {
		kept := pointcloud.FilterRange(points, s.conf.MinRange, s.conf.MaxRange)
		culled = len(points) - len(kept)
		points = kept
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume.Integrate(points, pose.T, s.weigh)
	s.stats.ScansIntegrated++
	s.stats.PointsFiltered += uint64(culled)
	return true
}

// Save exports the volume under dest: the serialized grid first, then the
// extracted surface, then a publication if the surface has any vertices.
// An empty dest selects the configured default save path. Ingestion is
// held off for the duration so both artifacts reflect one volume state.
// An empty extraction still writes both files; it just publishes nothing.
func (s *Service) Save(ctx context.Context, dest string) error {
	ctx, span := trace.StartSpan(ctx, "fusion::Service::Save")
	defer span.End()

	if dest == "" {
		dest = s.conf.SavePath
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	gridPath := dest + GridSuffix
	if err := writeFileAtomic(gridPath, s.volume.WriteGrid); err != nil {
		return errors.Wrapf(err, "writing volume grid %q", gridPath)
	}

	m, err := s.volume.ExtractTriangleMesh(s.conf.FillHoles, s.conf.MinWeight)
	if err != nil {
		return errors.Wrap(err, "extracting triangle mesh")
	}

	meshPath := dest + MeshSuffix
	if err := writeFileAtomic(meshPath, func(w io.Writer) error {
		return mesh.WritePLY(m, w, mesh.PLYBinary)
	}); err != nil {
		return errors.Wrapf(err, "writing mesh %q", meshPath)
	}

	s.stats.Exports++
	s.logger.Infow("volume exported",
		"grid", gridPath, "mesh", meshPath,
		"vertices", len(m.Vertices), "triangles", len(m.Triangles))

	if m.Empty() {
		s.logger.Info("extracted mesh is empty; nothing to publish")
		return nil
	}
	if s.publisher == nil {
		return nil
	}
	update := &MeshUpdate{ID: uuid.New(), Frame: s.conf.Frame(), Stamp: time.Now(), Mesh: m}
	if err := s.publisher.PublishMesh(ctx, update); err != nil {
		return errors.Wrap(err, "publishing mesh")
	}
	return nil
}

// Stats returns a snapshot of the service counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close stops the periodic export job if one is armed.
func (s *Service) Close(ctx context.Context) error {
	s.cancelFunc()
	if s.scheduler != nil {
		if err := s.scheduler.Shutdown(); err != nil {
			return errors.Wrap(err, "stopping export scheduler")
		}
	}
	return nil
}

// writeFileAtomic writes through a temp file in the destination directory
// and renames it into place, so a concurrent reader of path never sees a
// partially written artifact.
func writeFileAtomic(path string, write func(io.Writer) error) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"*")
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := write(bw); err != nil {
		return multierr.Combine(err, f.Close(), os.Remove(f.Name()))
	}
	if err := bw.Flush(); err != nil {
		return multierr.Combine(err, f.Close(), os.Remove(f.Name()))
	}
	if err := f.Close(); err != nil {
		return multierr.Combine(err, os.Remove(f.Name()))
	}
	return os.Rename(f.Name(), path)
}
