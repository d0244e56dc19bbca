package msgbus

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/viam-labs/tsdf-fusion/fusion"
	"github.com/viam-labs/tsdf-fusion/transform"
)

// Scan messages can be large and bursty. The subscription buffers up to
// this many before NATS starts shedding, so a slow integration cannot
// grow memory without bound.
const (
	scanPendingMsgs  = 500
	scanPendingBytes = 64 << 20
)

// Node is the bus-facing half of the daemon. Dial connects it; Serve
// attaches a fusion service and starts consuming. The node also
// implements fusion.MeshPublisher so extraction results flow back out on
// the mesh topic.
type Node struct {
	conf    fusion.Config
	poses   *transform.Buffer
	logger  golog.Logger
	metrics *metrics

	nc   *nats.Conn
	svc  *fusion.Service
	subs []*nats.Subscription

	cancelCtx  context.Context
	cancelFunc func()
}

// Dial connects to the configured NATS server and returns a node ready
// to Serve. Reconnection is left to the NATS client, which retries
// forever; messages missed while disconnected are simply gone, which the
// ingestion path already tolerates.
func Dial(
	conf fusion.Config,
	poses *transform.Buffer,
	reg prometheus.Registerer,
	logger golog.Logger,
) (*Node, error) {
	url := conf.NATSURL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("tsdf-fusion"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				logger.Errorw("bus error", "subject", sub.Subject, "error", err)
				return
			}
			logger.Errorw("bus error", "error", err)
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to NATS at %q", url)
	}
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	return &Node{
		conf:       conf,
		poses:      poses,
		logger:     logger,
		metrics:    newMetrics(reg),
		nc:         nc,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}, nil
}

// Serve attaches svc and subscribes to the scan, pose, and save
// subjects. Call once after New on the service side; the node does not
// consume anything before this.
func (n *Node) Serve(svc *fusion.Service) error {
	n.svc = svc

	scanSub, err := n.nc.Subscribe(n.conf.ScanTopic, n.onScan)
	if err != nil {
		return errors.Wrapf(err, "subscribing to %q", n.conf.ScanTopic)
	}
	if err := scanSub.SetPendingLimits(scanPendingMsgs, scanPendingBytes); err != nil {
		return multierr.Combine(errors.Wrap(err, "limiting scan subscription"), scanSub.Unsubscribe())
	}
	n.subs = append(n.subs, scanSub)

	poseSub, err := n.nc.Subscribe(n.conf.PoseTopic, n.onPose)
	if err != nil {
		return multierr.Combine(errors.Wrapf(err, "subscribing to %q", n.conf.PoseTopic), n.unsubscribeAll())
	}
	n.subs = append(n.subs, poseSub)

	saveSub, err := n.nc.Subscribe(n.conf.SaveSubject, n.onSave)
	if err != nil {
		return multierr.Combine(errors.Wrapf(err, "subscribing to %q", n.conf.SaveSubject), n.unsubscribeAll())
	}
	n.subs = append(n.subs, saveSub)

	n.logger.Infow("bus node serving",
		"scans", n.conf.ScanTopic, "poses", n.conf.PoseTopic, "save", n.conf.SaveSubject)
	return nil
}

func (n *Node) onScan(msg *nats.Msg) {
	scan, err := DecodeScan(msg.Data)
	if err != nil {
		n.metrics.decodeFailures.WithLabelValues("scan").Inc()
		n.logger.Warnw("dropping undecodable scan", "error", err)
		return
	}
	n.metrics.scansReceived.Inc()
	if !n.svc.Integrate(n.cancelCtx, scan) {
		n.metrics.scansDropped.Inc()
	}
}

func (n *Node) onPose(msg *nats.Msg) {
	sp, err := DecodePose(msg.Data)
	if err != nil {
		n.metrics.decodeFailures.WithLabelValues("pose").Inc()
		n.logger.Warnw("dropping undecodable pose", "error", err)
		return
	}
	n.poses.Add(sp.Pose, sp.Stamp)
	n.metrics.posesReceived.Inc()
}

func (n *Node) onSave(msg *nats.Msg) {
	resp := n.answerSave(n.cancelCtx, msg.Data)
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(resp); err != nil {
		n.logger.Errorw("cannot answer save request", "error", err)
	}
}

// answerSave runs one export request and returns the encoded response.
// An empty or pathless request exports to the configured default
// destination. A failed export is reported to the requester and logged,
// never escalated; the daemon keeps ingesting.
func (n *Node) answerSave(ctx context.Context, data []byte) []byte {
	n.metrics.saveRequests.Inc()

	var req SaveRequest
	if len(data) > 0 {
		if err := Unmarshal(data, &req); err != nil {
			n.metrics.decodeFailures.WithLabelValues("save").Inc()
			n.logger.Warnw("malformed save request", "error", err)
			return n.encodeSaveResponse(SaveResponse{Error: err.Error()})
		}
	}

	if err := n.svc.Save(ctx, req.Path); err != nil {
		n.metrics.saveFailures.Inc()
		n.logger.Errorw("requested export failed", "path", req.Path, "error", err)
		return n.encodeSaveResponse(SaveResponse{Error: err.Error()})
	}
	return n.encodeSaveResponse(SaveResponse{OK: true})
}

func (n *Node) encodeSaveResponse(resp SaveResponse) []byte {
	data, err := Marshal(resp)
	if err != nil {
		n.logger.Errorw("cannot encode save response", "error", err)
		return nil
	}
	return data
}

// PublishMesh sends an extraction result to the mesh topic.
func (n *Node) PublishMesh(_ context.Context, update *fusion.MeshUpdate) error {
	data, err := EncodeMesh(update)
	if err != nil {
		return errors.Wrap(err, "encoding mesh update")
	}
	if err := n.nc.Publish(n.conf.MeshTopic, data); err != nil {
		return errors.Wrapf(err, "publishing to %q", n.conf.MeshTopic)
	}
	n.metrics.meshesPublished.Inc()
	return nil
}

func (n *Node) unsubscribeAll() error {
	var err error
	for _, sub := range n.subs {
		err = multierr.Combine(err, sub.Unsubscribe())
	}
	n.subs = nil
	return err
}

// Close stops consuming and drops the connection.
func (n *Node) Close() error {
	n.cancelFunc()
	err := n.unsubscribeAll()
	n.nc.Close()
	return err
}
