package msgbus

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.viam.com/test"

	"github.com/viam-labs/tsdf-fusion/fusion"
	"github.com/viam-labs/tsdf-fusion/pointcloud"
	"github.com/viam-labs/tsdf-fusion/transform"
	"github.com/viam-labs/tsdf-fusion/tsdf"
)

func testConfig(t *testing.T) fusion.Config {
	t.Helper()
	return fusion.Config{
		VoxelSize:            0.1,
		SDFTrunc:             0.3,
		ScanTopic:            "tsdf.scans",
		PoseTopic:            "tsdf.poses",
		SaveSubject:          "tsdf.save",
		MeshTopic:            "tsdf.mesh",
		Preprocess:           true,
		ApplyPose:            true,
		MinRange:             0.5,
		MaxRange:             50,
		MinWeight:            0,
		SavePath:             filepath.Join(t.TempDir(), "volume"),
		TimestampToleranceNS: int64(100 * time.Millisecond),
	}
}

// localNode wires a node to a real service and volume without a NATS
// connection; handlers are invoked directly with constructed messages.
func localNode(t *testing.T, conf fusion.Config) (*Node, *fusion.Service, *tsdf.Volume, *transform.Buffer) {
	t.Helper()
	logger := golog.NewTestLogger(t)
	vol, err := tsdf.NewVolume(conf.VoxelSize, conf.SDFTrunc, conf.SpaceCarving)
	test.That(t, err, test.ShouldBeNil)
	buffer := transform.NewBuffer(16)
	svc, err := fusion.New(conf, vol, buffer, nil, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	node := &Node{
		conf:       conf,
		poses:      buffer,
		logger:     logger,
		metrics:    newMetrics(nil),
		svc:        svc,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
	t.Cleanup(func() {
		cancelFunc()
		test.That(t, svc.Close(context.Background()), test.ShouldBeNil)
	})
	return node, svc, vol, buffer
}

func TestNodeIngestFlow(t *testing.T) {
	conf := testConfig(t)
	node, svc, vol, buffer := localNode(t, conf)

	stamp := time.Unix(1700000000, 0)
	poseData, err := EncodePose(transform.Stamped{Pose: transform.Identity(), Stamp: stamp}, "map")
	test.That(t, err, test.ShouldBeNil)
	node.onPose(&nats.Msg{Subject: conf.PoseTopic, Data: poseData})
	test.That(t, buffer.Len(), test.ShouldEqual, 1)

	scanData, err := EncodeScan(&pointcloud.Scan{
		Points: []r3.Vector{{X: 2}, {X: 3, Y: 1}},
		Stamp:  stamp.Add(20 * time.Millisecond),
		Frame:  "lidar",
	})
	test.That(t, err, test.ShouldBeNil)
	node.onScan(&nats.Msg{Subject: conf.ScanTopic, Data: scanData})

	test.That(t, vol.Len(), test.ShouldBeGreaterThan, 0)
	test.That(t, svc.Stats().ScansIntegrated, test.ShouldEqual, uint64(1))
	test.That(t, testutil.ToFloat64(node.metrics.scansReceived), test.ShouldEqual, 1.0)
	test.That(t, testutil.ToFloat64(node.metrics.posesReceived), test.ShouldEqual, 1.0)
	test.That(t, testutil.ToFloat64(node.metrics.scansDropped), test.ShouldEqual, 0.0)
}

func TestNodeScanWithoutPoseDropped(t *testing.T) {
	conf := testConfig(t)
	node, svc, vol, _ := localNode(t, conf)

	scanData, err := EncodeScan(&pointcloud.Scan{
		Points: []r3.Vector{{X: 2}},
		Stamp:  time.Unix(1700000000, 0),
		Frame:  "lidar",
	})
	test.That(t, err, test.ShouldBeNil)
	node.onScan(&nats.Msg{Subject: conf.ScanTopic, Data: scanData})

	test.That(t, vol.Len(), test.ShouldEqual, 0)
	test.That(t, svc.Stats().ScansDropped, test.ShouldEqual, uint64(1))
	test.That(t, testutil.ToFloat64(node.metrics.scansDropped), test.ShouldEqual, 1.0)
}

func TestNodeMalformedTraffic(t *testing.T) {
	conf := testConfig(t)
	node, _, vol, buffer := localNode(t, conf)

	node.onScan(&nats.Msg{Subject: conf.ScanTopic, Data: []byte("garbage")})
	node.onPose(&nats.Msg{Subject: conf.PoseTopic, Data: []byte{0x01, 0x02}})

	test.That(t, vol.Len(), test.ShouldEqual, 0)
	test.That(t, buffer.Len(), test.ShouldEqual, 0)
	test.That(t, testutil.ToFloat64(node.metrics.decodeFailures.WithLabelValues("scan")), test.ShouldEqual, 1.0)
	test.That(t, testutil.ToFloat64(node.metrics.decodeFailures.WithLabelValues("pose")), test.ShouldEqual, 1.0)
	test.That(t, testutil.ToFloat64(node.metrics.scansReceived), test.ShouldEqual, 0.0)
}

func TestAnswerSave(t *testing.T) {
	conf := testConfig(t)
	node, _, _, _ := localNode(t, conf)

	// empty request exports to the default destination
	respData := node.answerSave(context.Background(), nil)
	var resp SaveResponse
	test.That(t, Unmarshal(respData, &resp), test.ShouldBeNil)
	test.That(t, resp.OK, test.ShouldBeTrue)
	_, err := os.Stat(conf.SavePath + fusion.GridSuffix)
	test.That(t, err, test.ShouldBeNil)
	_, err = os.Stat(conf.SavePath + fusion.MeshSuffix)
	test.That(t, err, test.ShouldBeNil)

	// explicit destination
	dest := filepath.Join(t.TempDir(), "named")
	reqData, err := Marshal(SaveRequest{Path: dest})
	test.That(t, err, test.ShouldBeNil)
	respData = node.answerSave(context.Background(), reqData)
	test.That(t, Unmarshal(respData, &resp), test.ShouldBeNil)
	test.That(t, resp.OK, test.ShouldBeTrue)
	_, err = os.Stat(dest + fusion.GridSuffix)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, testutil.ToFloat64(node.metrics.saveRequests), test.ShouldEqual, 2.0)
	test.That(t, testutil.ToFloat64(node.metrics.saveFailures), test.ShouldEqual, 0.0)
}

func TestAnswerSaveFailure(t *testing.T) {
	conf := testConfig(t)
	node, _, _, _ := localNode(t, conf)

	dest := filepath.Join(t.TempDir(), "missing", "vol")
	reqData, err := Marshal(SaveRequest{Path: dest})
	test.That(t, err, test.ShouldBeNil)
	respData := node.answerSave(context.Background(), reqData)
	var resp SaveResponse
	test.That(t, Unmarshal(respData, &resp), test.ShouldBeNil)
	test.That(t, resp.OK, test.ShouldBeFalse)
	test.That(t, resp.Error, test.ShouldContainSubstring, "writing volume grid")
	test.That(t, testutil.ToFloat64(node.metrics.saveFailures), test.ShouldEqual, 1.0)

	// malformed request reports rather than crashes
	respData = node.answerSave(context.Background(), []byte("junk"))
	test.That(t, Unmarshal(respData, &resp), test.ShouldBeNil)
	test.That(t, resp.OK, test.ShouldBeFalse)
	test.That(t, testutil.ToFloat64(node.metrics.decodeFailures.WithLabelValues("save")), test.ShouldEqual, 1.0)
}

func TestOnSaveWithoutReply(t *testing.T) {
	conf := testConfig(t)
	node, _, _, _ := localNode(t, conf)

	// fire-and-forget save requests still run the export
	node.onSave(&nats.Msg{Subject: conf.SaveSubject})
	_, err := os.Stat(conf.SavePath + fusion.GridSuffix)
	test.That(t, err, test.ShouldBeNil)
}
