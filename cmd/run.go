package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"firestige.xyz/captool/internal/classification"
	"firestige.xyz/captool/internal/config"
	"firestige.xyz/captool/internal/crypt"
	"firestige.xyz/captool/internal/decoder/dump"
	decoderip "firestige.xyz/captool/internal/decoder/ip"
	"firestige.xyz/captool/internal/decoder/tcp"
	"firestige.xyz/captool/internal/decoder/udp"
	"firestige.xyz/captool/internal/flow"
	"firestige.xyz/captool/internal/log"
	"firestige.xyz/captool/internal/metrics"
	"firestige.xyz/captool/internal/module"
	"firestige.xyz/captool/internal/packet"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/cobra"
)

var (
	inputFile    string
	entryModule  string
	statusPeriod float64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive a pcap file through the configured pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd)
	},
}

func init() {
	runCmd.Flags().StringVarP(&inputFile, "input", "i", "", "pcap file to read (required)")
	runCmd.Flags().StringVarP(&entryModule, "entry", "e", "ip", "name of the module the pipeline starts at")
	runCmd.Flags().Float64Var(&statusPeriod, "status-period", 10, "seconds between GetStatus reports")
	runCmd.MarkFlagRequired("input")
}

func runPipeline(cmd *cobra.Command) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	log.Init(&cfg.Log)
	logger := log.GetLogger()

	var tracker *flow.Tracker
	if cfg.Classification.FileName != "" {
		var key string
		if cfg.SecurityManager.EncryptedClassification {
			key, err = crypt.PromptKey(int(os.Stdin.Fd()), cmd.OutOrStdout())
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
		}
		catalog, err := classification.LoadFromFile(cfg.Classification.FileName, key)
		if err != nil {
			return fmt.Errorf("run: load classification catalog: %w", err)
		}
		tracker = flow.NewTracker(catalog.NumFacets())
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, logger)
		if err := metricsServer.Start(ctx); err != nil {
			return fmt.Errorf("run: start metrics server: %w", err)
		}
		defer func() {
			if stopErr := metricsServer.Stop(ctx); stopErr != nil {
				logger.WithError(stopErr).Warn("metrics server shutdown")
			}
		}()
	}

	registry, closers, err := buildRegistry(ctx, cfg, logger, tracker)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	entry, ok := registry.Get(entryModule)
	if !ok {
		return fmt.Errorf("run: entry module %q is not registered", entryModule)
	}
	driver := module.NewDriver(entry)

	stopStatus := startStatusReporter(registry, statusPeriod, logger)
	defer stopStatus()

	f, err := os.Open(inputFile)
	if err != nil {
		return fmt.Errorf("run: open %s: %w", inputFile, err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("run: read pcap header: %w", err)
	}

	count := 0
	for {
		data, ci, err := r.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("run: read packet: %w", err)
		}

		p := packet.New()
		p.Bind(data, packet.CaptureHeader{
			Timestamp:  ci.Timestamp,
			WireLen:    uint32(ci.Length),
			CaptureLen: uint32(ci.CaptureLength),
		})

		if runErr := driver.Run(p); runErr != nil {
			logger.WithField("packet", p.PacketNumber()).WithError(runErr).Warn("pipeline error")
		}
		count++
	}

	fmt.Fprintf(out, "processed %d packets\n", count)
	return nil
}

type closer interface{ Close() error }

// startStatusReporter ticks every period seconds, asking each registered
// module to report its own GetStatus text since the last tick. It returns a
// stop function that halts the ticker.
func startStatusReporter(registry *module.Registry, period float64, logger log.Logger) func() {
	if period <= 0 {
		return func() {}
	}
	interval := time.Duration(period * float64(time.Second))
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	start := time.Now()
	go func() {
		for {
			select {
			case <-ticker.C:
				runtime := time.Since(start).Seconds()
				registry.ForEach(func(name string, m module.Module) {
					var buf bytes.Buffer
					m.GetStatus(&buf, runtime, period)
					if buf.Len() > 0 {
						logger.WithField("module", name).Info(buf.String())
					}
				})
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

// buildRegistry constructs one module per cfg.Modules entry, registers it,
// then boots the registry so every module resolves its out-links.
func buildRegistry(ctx context.Context, cfg *config.Config, logger log.Logger, tracker *flow.Tracker) (*module.Registry, []closer, error) {
	registry := module.NewRegistry()
	settings := make(map[string]any, len(cfg.Modules))
	var closers []closer

	for name, mod := range cfg.Modules {
		var m module.Module
		switch mod.Type {
		case "ip":
			m = decoderip.New(name, logger)
			conns := make([]decoderip.Connection, 0, len(mod.Connections))
			for _, c := range mod.Connections {
				conns = append(conns, decoderip.Connection{Protocol: c.Protocol, Module: c.Module})
			}
			settings[name] = decoderip.Settings{
				Connections:     conns,
				OutDefault:      mod.OutDefault,
				IDFlows:         mod.IDFlows,
				Defrag:          mod.Defrag,
				FilterFragments: mod.FilterFragments,
				IPv6Module:      mod.IPv6Module,
				MaxFragmented:   mod.MaxFragmented,
				Anonymize:       cfg.SecurityManager.Anonymize,
				Tracker:         tracker,
			}
		case "tcp":
			m = tcp.New(name)
			settings[name] = tcp.Settings{OutDefault: mod.OutDefault}
		case "udp":
			m = udp.New(name)
			settings[name] = udp.Settings{OutDefault: mod.OutDefault}
		case "dump":
			d := dump.New(name)
			m = d
			closers = append(closers, d)
			settings[name] = dump.Settings{Path: mod.Path, Compress: mod.Compress, SnapLength: mod.SnapLength}
		default:
			return nil, nil, fmt.Errorf("module %q: unrecognized type %q", name, mod.Type)
		}

		if err := registry.Register(m); err != nil {
			return nil, nil, err
		}
	}

	if err := registry.Boot(ctx, settings); err != nil {
		return nil, nil, err
	}
	return registry, closers, nil
}
