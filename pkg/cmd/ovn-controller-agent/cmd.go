// Package ovn_controller_agent wires the agent's CLI and configuration,
// mirroring pkg/cmd/openshift-sdn-node/cmd.go's shape: a cobra command,
// a YAML-backed config struct, and a run loop started from main.go.
package ovn_controller_agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	utilruntime "k8s.io/apimachinery/pkg/util/runtime"

	"github.com/ovn-org/ovn-controller-agent/pkg/agent"
	"github.com/ovn-org/ovn-controller-agent/pkg/cfgtracker"
	"github.com/ovn-org/ovn-controller-agent/pkg/connection"
	"github.com/ovn-org/ovn-controller-agent/pkg/ctzone"
	"github.com/ovn-org/ovn-controller-agent/pkg/extend"
	"github.com/ovn-org/ovn-controller-agent/pkg/external"
	"github.com/ovn-org/ovn-controller-agent/pkg/flow"
	"github.com/ovn-org/ovn-controller-agent/pkg/metrics"
	"github.com/ovn-org/ovn-controller-agent/pkg/reconcile"
	"github.com/ovn-org/ovn-controller-agent/pkg/transport"
)

// Config is the agent's YAML-file-backed configuration.
type Config struct {
	Bridge             string        `json:"bridge"`
	RunDir             string        `json:"runDir"`
	ProbeInterval      time.Duration `json:"probeInterval"`
	MetricsBindAddress string        `json:"metricsBindAddress"`
	FirstGroupID       uint32        `json:"firstGroupId"`
	FirstMeterID       uint32        `json:"firstMeterId"`
}

func defaultConfig() Config {
	return Config{
		RunDir:        "/var/run/openvswitch",
		ProbeInterval: 5 * time.Second,
		FirstGroupID:  1,
		FirstMeterID:  1,
	}
}

// readConfigFile reads and defaults the YAML config file, mirroring
// pkg/cmd/openshift-sdn-node/cmd.go's readMTUOverride.
func readConfigFile(path string) (Config, error) {
	cfg := defaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type ovnControllerAgent struct {
	configFilePath string
	config         Config

	bridgeSet        bool
	runDirSet        bool
	probeIntervalSet bool
}

var agentLong = `
Start the OVN controller agent's flow-table reconciliation core, managing
one hypervisor bridge's OpenFlow tables against the state an upstream
translation layer has published.
`

// NewOvnControllerAgentCommand builds the cobra command, mirroring
// NewOpenShiftSDNCommand's flag wiring and run-on-interrupt shape.
func NewOvnControllerAgentCommand(basename string, errout io.Writer) *cobra.Command {
	a := &ovnControllerAgent{config: defaultConfig()}

	cmd := &cobra.Command{
		Use:   basename,
		Short: "Start the OVN controller agent",
		Long:  agentLong,
		Run: func(c *cobra.Command, _ []string) {
			a.bridgeSet = c.Flags().Changed("bridge")
			a.runDirSet = c.Flags().Changed("run-dir")
			a.probeIntervalSet = c.Flags().Changed("probe-interval")

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := a.run(ctx); err != nil {
				klog.Fatal(err)
			}
			fmt.Fprintln(errout, "ovn-controller-agent: shut down")
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&a.configFilePath, "config", "", "Location of the agent's YAML configuration file")
	flags.StringVar(&a.config.Bridge, "bridge", "", "OVS integration bridge name")
	flags.StringVar(&a.config.RunDir, "run-dir", a.config.RunDir, "Directory holding the bridge's management socket")
	flags.DurationVar(&a.config.ProbeInterval, "probe-interval", a.config.ProbeInterval, "OpenFlow inactivity probe interval")
	flags.StringVar(&a.config.MetricsBindAddress, "metrics-bind-address", "", "Address to serve Prometheus metrics on (disabled if empty)")

	return cmd
}

// run merges the config file (if any) underneath whatever flags the
// caller explicitly set, builds the collaborators, and drives the agent
// until ctx is cancelled.
func (a *ovnControllerAgent) run(ctx context.Context) error {
	if a.configFilePath != "" {
		klog.V(2).Infof("reading agent configuration from %s", a.configFilePath)
		fileCfg, err := readConfigFile(a.configFilePath)
		if err != nil {
			return fmt.Errorf("reading config file %s: %v", a.configFilePath, err)
		}
		if !a.bridgeSet && fileCfg.Bridge != "" {
			a.config.Bridge = fileCfg.Bridge
		}
		if !a.runDirSet && fileCfg.RunDir != "" {
			a.config.RunDir = fileCfg.RunDir
		}
		if !a.probeIntervalSet && fileCfg.ProbeInterval != 0 {
			a.config.ProbeInterval = fileCfg.ProbeInterval
		}
		if a.config.MetricsBindAddress == "" {
			a.config.MetricsBindAddress = fileCfg.MetricsBindAddress
		}
		if fileCfg.FirstGroupID != 0 {
			a.config.FirstGroupID = fileCfg.FirstGroupID
		}
		if fileCfg.FirstMeterID != 0 {
			a.config.FirstMeterID = fileCfg.FirstMeterID
		}
	}
	if a.config.Bridge == "" {
		return fmt.Errorf("no bridge name configured (set --bridge or the config file's bridge field)")
	}

	cfg := a.config

	desired := flow.NewDesiredTable()
	installed := flow.NewInstalledTable()
	groups := extend.NewTable(cfg.FirstGroupID)
	meters := extend.NewTable(cfg.FirstMeterID)
	zones := ctzone.Map{}
	cfgTracker := cfgtracker.New()
	catalog := emptyMeterCatalog{}
	ch := transport.NewUnixChannel()
	fsm := connection.NewFSM()

	reconciler := reconcile.New(ch, fsm, desired, installed, groups, meters, zones, cfgTracker, catalog)
	driver := agent.New(cfg.RunDir, cfg.ProbeInterval, ch, fsm, reconciler)

	metrics.Register()
	if cfg.MetricsBindAddress != "" {
		go serveMetrics(cfg.MetricsBindAddress)
	}

	klog.Infof("starting ovn-controller-agent for bridge %s (rundir %s)", cfg.Bridge, cfg.RunDir)

	// nb_cfg is published by the northbound translation layer, which is
	// genuinely out of this core's scope; a standalone run with nothing
	// upstream to publish it holds it fixed, so cur_cfg simply tracks
	// whatever desired-state changes come in through the (also external)
	// SourceTranslator-shaped calls on desired, rather than advancing on
	// its own.
	const nbCfg = uint64(1)

	for {
		wantRewake, err := driver.Run(cfg.Bridge, zones, nbCfg)
		if err != nil {
			utilruntime.HandleError(fmt.Errorf("driver run failed: %v", err))
		}

		delay := cfg.ProbeInterval
		if wantRewake {
			delay = 0
		}
		select {
		case <-ctx.Done():
			klog.Infof("interrupt received, shutting down")
			return nil
		case <-time.After(delay):
		}
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	klog.Infof("serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		utilruntime.HandleError(fmt.Errorf("metrics server failed: %v", err))
	}
}

// emptyMeterCatalog resolves no meters. The real meter catalog is backed
// by the northbound database, out of this core's scope; a standalone run
// simply never has a meter action reference a live entry.
type emptyMeterCatalog struct{}

func (emptyMeterCatalog) Lookup(name string) (external.MeterSpec, bool) {
	return external.MeterSpec{}, false
}
