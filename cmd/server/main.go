// Package main runs the TSDF fusion daemon: it consumes scans and poses
// from NATS, fuses them into a voxel volume, and exports grid and mesh
// artifacts on request or on a timer.
package main

import (
	"context"
	"net/http"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"github.com/viam-labs/tsdf-fusion/fusion"
	"github.com/viam-labs/tsdf-fusion/msgbus"
	"github.com/viam-labs/tsdf-fusion/transform"
	"github.com/viam-labs/tsdf-fusion/tsdf"
)

var logger = golog.NewDevelopmentLogger("tsdf-fusion-server")

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	ConfigFile string `flag:"config,required,usage=service config file"`
	Debug      bool   `flag:"debug,usage=enable debug logging"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := goutils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.Debug {
		logger = golog.NewDebugLogger("tsdf-fusion-server")
	}

	conf, err := fusion.ReadConfig(argsParsed.ConfigFile)
	if err != nil {
		return err
	}
	return runServer(ctx, *conf, logger)
}

func runServer(ctx context.Context, conf fusion.Config, logger golog.Logger) (err error) {
	vol, err := tsdf.NewVolume(conf.VoxelSize, conf.SDFTrunc, conf.SpaceCarving)
	if err != nil {
		return err
	}
	poses := transform.NewBuffer(0)
	registry := prometheus.NewRegistry()

	node, err := msgbus.Dial(conf, poses, registry, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, node.Close())
	}()

	svc, err := fusion.New(conf, vol, poses, node, nil, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, svc.Close(context.Background()))
	}()

	if err := node.Serve(svc); err != nil {
		return err
	}
	logger.Infow("fusion daemon running",
		"voxel_size", conf.VoxelSize, "sdf_trunc", conf.SDFTrunc, "space_carving", conf.SpaceCarving)

	goutils.ContextMainReadyFunc(ctx)()

	if conf.MetricsAddr == "" {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	server := &http.Server{Addr: conf.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		logger.Infow("metrics server listening", "addr", conf.MetricsAddr)
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})
	return group.Wait()
}
