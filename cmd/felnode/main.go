// Package main is the entry point for felnode, an illustrative example
// node (not a driver the runtime depends on) that registers itself
// with the master and publishes a synthetic camera-style topic on a
// fixed interval, to exercise RequestRegisterNode/Publisher end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/felrt/fel/internal/buildinfo"
	"github.com/felrt/fel/internal/config"
	"github.com/felrt/fel/internal/model"
	"github.com/felrt/fel/internal/proxy"
	"github.com/felrt/fel/internal/pubsub"
	"github.com/felrt/fel/internal/status"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	nodeName := flag.String("node-name", "", "node name (overrides config client.node_name)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.RuntimeInfo() {
			fmt.Printf("  %s: %s\n", k, v)
		}
		return
	}

	cfgPath, err := config.FindConfig(*configPath)
	var cfg *config.Config
	if err != nil {
		logger.Warn("no config file found, using defaults", "error", err)
		cfg = config.Default()
	} else {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			logger.Error("failed to load config", "path", cfgPath, "error", err)
			os.Exit(1)
		}
	}
	if err := config.EnvOverride(cfg); err != nil {
		logger.Error("invalid FEL_MASTER_PORT", "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	name := *nodeName
	if name == "" {
		name = cfg.Client.NodeName
	}
	if name == "" {
		name = "felnode-camera"
	}

	logger.Info("starting felnode", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "node", name)

	p := proxy.GetInstance(cfg, logger)
	ctx := context.Background()
	if st := p.Start(ctx); !st.IsOK() {
		logger.Error("proxy start failed", "error", st)
		os.Exit(1)
	}
	logger.Info("proxy started", "client_id", p.ClientInfo().ID)

	cam := newCameraNode(p, logger)
	p.RequestRegisterNode(ctx, name, cam)

	p.Run(ctx)

	logger.Info("felnode stopped")
}

// frame is the synthetic payload published on every tick.
type frame struct {
	Sequence    uint64 `json:"sequence"`
	TimestampMS int64  `json:"timestamp_ms"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// cameraNode implements node.Lifecycle and node.ShutdownHook, owning a
// single Publisher for a synthetic "camera/front/image" topic.
type cameraNode struct {
	proxy  *proxy.Proxy
	logger *slog.Logger
	pub    *pubsub.Publisher

	stop     chan struct{}
	sequence uint64
}

func newCameraNode(p *proxy.Proxy, logger *slog.Logger) *cameraNode {
	return &cameraNode{proxy: p, logger: logger, stop: make(chan struct{})}
}

func (c *cameraNode) OnDidCreate(info model.NodeInfo) {
	c.logger.Info("camera node registered", "node_id", info.ClientID, "name", info.Name)
}

func (c *cameraNode) OnInit() {
	c.pub = c.proxy.NewPublisher()
	settings := model.DefaultPublisherSettings()
	settings.Period = 200
	settings.JSONEncoding = true

	c.proxy.PostTask(func() {
		c.pub.RequestPublish(context.Background(), model.NodeInfo{Name: "camera"}, "camera/front/image", "felnode.Frame",
			model.All, settings, func(st status.Status) {
				if !st.IsOK() {
					c.logger.Error("camera publish registration failed", "error", st)
					return
				}
				c.logger.Info("camera topic published, streaming frames")
				go c.streamLoop()
			})
	})
}

func (c *cameraNode) OnError(st status.Status) {
	c.logger.Error("camera node registration failed", "error", st)
}

func (c *cameraNode) OnShutdown() {
	close(c.stop)
	if c.pub != nil && c.pub.IsRegistered() {
		c.pub.RequestUnpublish(context.Background(), func(status.Status) {})
	}
}

func (c *cameraNode) streamLoop() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sequence++
			f := frame{Sequence: c.sequence, TimestampMS: time.Now().UnixMilli(), Width: 640, Height: 480}
			c.proxy.PostTask(func() {
				if st := c.pub.Publish(f, nil); !st.IsOK() {
					c.logger.Warn("frame publish failed", "error", st)
				}
			})
		}
	}
}
