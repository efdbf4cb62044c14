// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package cmd

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"nfrelay/common/daemon"
	"nfrelay/common/reporter"
	"nfrelay/relay/core"
	"nfrelay/relay/counters"
	"nfrelay/relay/decoder/netflow"
	"nfrelay/relay/enricher"
	"nfrelay/relay/enricher/geoip"
	"nfrelay/relay/forwarder"
	"nfrelay/relay/ingress"
	"nfrelay/relay/stats"
	"nfrelay/relay/templates"
)

// RelayConfiguration represents the configuration file for the relay command.
type RelayConfiguration struct {
	Reporting   reporter.Configuration
	General     GeneralConfiguration
	Templates   templates.Configuration
	Enrichment  enricher.Configuration
	Forwarding  forwarder.Configuration
	Performance PerformanceConfiguration
}

// GeneralConfiguration holds the socket-level settings of the relay.
type GeneralConfiguration struct {
	// ListenPort is the UDP port receiving flow datagrams.
	ListenPort uint16 `validate:"min=1"`
	// OutputPort is the default egress port when a collector
	// omits its port.
	OutputPort uint16 `validate:"min=1"`
	// StatsPort is the TCP port of the statistics interface,
	// bound to loopback.
	StatsPort uint16 `validate:"min=1"`
	// MetricsPort exposes Prometheus metrics over HTTP on
	// loopback. 0 disables the endpoint.
	MetricsPort uint16
	// BufferSize is the requested kernel receive buffer size.
	BufferSize uint
	// LogLevel selects the logging verbosity.
	LogLevel LogLevel `validate:"required"`
}

// PerformanceConfiguration holds the pipeline sizing settings.
type PerformanceConfiguration struct {
	// Workers is the number of decoding workers.
	Workers int `validate:"min=1"`
	// QueueSize bounds each internal queue.
	QueueSize int `validate:"min=1"`
	// StatsInterval is the EWMA window for rates and the cadence
	// of the periodic statistics log line. It is a duration such
	// as "60s"; a bare number is not read as seconds and fails
	// validation.
	StatsInterval time.Duration `validate:"min=1s"`
}

// Reset resets the configuration for the relay command to its default value.
func (c *RelayConfiguration) Reset() {
	*c = RelayConfiguration{
		Reporting: reporter.DefaultConfiguration(),
		General: GeneralConfiguration{
			ListenPort: 2055,
			OutputPort: 2056,
			StatsPort:  9999,
			BufferSize: 65535,
			LogLevel:   "info",
		},
		Templates:  templates.DefaultConfiguration(),
		Enrichment: enricher.DefaultConfiguration(),
		Forwarding: forwarder.DefaultConfiguration(),
		Performance: PerformanceConfiguration{
			Workers:       4,
			QueueSize:     10000,
			StatsInterval: time.Minute,
		},
	}
}

type relayOptions struct {
	ConfigRelatedOptions
	CheckMode bool
}

// RelayOptions stores the command-line option values for the relay
// command.
var RelayOptions relayOptions

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Start the flow relay",
	Long: `nfrelay is a transparent UDP relay for NetFlow v9 and IPFIX telemetry.
The relay service receives flow datagrams, decodes them with a per-exporter
template cache, extracts AS numbers and retransmits the datagrams to the
configured collectors.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config := RelayConfiguration{}
		config.Reset()
		RelayOptions.Path = args[0]
		if err := RelayOptions.Parse(cmd.OutOrStdout(), "relay", &config); err != nil {
			return err
		}
		if !debug {
			zerolog.SetGlobalLevel(config.General.LogLevel.Level())
		}

		r, err := reporter.New(config.Reporting)
		if err != nil {
			return fmt.Errorf("unable to initialize reporter: %w", err)
		}
		return relayStart(r, config, RelayOptions.CheckMode)
	},
}

func init() {
	RootCmd.AddCommand(relayCmd)
	relayCmd.Flags().BoolVarP(&RelayOptions.Dump, "dump", "D", false,
		"Dump configuration before starting")
	relayCmd.Flags().BoolVarP(&RelayOptions.CheckMode, "check", "C", false,
		"Check configuration, but does not start")
}

func relayStart(r *reporter.Reporter, config RelayConfiguration, checkOnly bool) error {
	daemonComponent, err := daemon.New(r)
	if err != nil {
		return fmt.Errorf("unable to initialize daemon component: %w", err)
	}

	pipelineCounters := counters.New()
	pipelineCounters.Register(r)

	templatesComponent, err := templates.New(r, config.Templates, templates.Dependencies{
		Daemon: daemonComponent,
	})
	if err != nil {
		return fmt.Errorf("unable to initialize template cache: %w", err)
	}

	var geoipComponent *geoip.Component
	var asLookup enricher.ASLookup
	var geoIPLookup enricher.GeoIPLookup
	if config.Enrichment.ASNDatabase != "" || config.Enrichment.GeoDatabase != "" {
		geoipComponent, err = geoip.New(r, geoip.Configuration{
			ASNDatabase: config.Enrichment.ASNDatabase,
			GeoDatabase: config.Enrichment.GeoDatabase,
		}, geoip.Dependencies{
			Daemon: daemonComponent,
		})
		if err != nil {
			return fmt.Errorf("unable to initialize GeoIP component: %w", err)
		}
		if config.Enrichment.ASNDatabase != "" {
			asLookup = geoipComponent
		}
		if config.Enrichment.GeoDatabase != "" {
			geoIPLookup = geoipComponent
		}
	}
	var rdnsLookup enricher.RDNSLookup
	if config.Enrichment.ReverseDNS {
		rdnsLookup = &enricher.ResolverRDNS{}
	}

	enricherComponent, err := enricher.New(r, config.Enrichment, enricher.Dependencies{
		Daemon:   daemonComponent,
		Counters: pipelineCounters,
		AS:       asLookup,
		GeoIP:    geoIPLookup,
		RDNS:     rdnsLookup,
	})
	if err != nil {
		return fmt.Errorf("unable to initialize enricher: %w", err)
	}

	forwardingConfig := config.Forwarding
	forwardingConfig.QueueSize = config.Performance.QueueSize
	for i := range forwardingConfig.Collectors {
		if forwardingConfig.Collectors[i].Port == 0 {
			forwardingConfig.Collectors[i].Port = config.General.OutputPort
		}
	}
	forwarderComponent, err := forwarder.New(r, forwardingConfig, forwarder.Dependencies{
		Daemon:   daemonComponent,
		Counters: pipelineCounters,
	})
	if err != nil {
		return fmt.Errorf("unable to initialize forwarder: %w", err)
	}

	coreComponent, err := core.New(r, core.Configuration{
		Workers:   config.Performance.Workers,
		QueueSize: config.Performance.QueueSize,
	}, core.Dependencies{
		Daemon: daemonComponent,
		Decoder: netflow.New(r, netflow.Dependencies{
			Templates: templatesComponent,
		}),
		Enricher:  enricherComponent,
		Forwarder: forwarderComponent,
		Counters:  pipelineCounters,
	})
	if err != nil {
		return fmt.Errorf("unable to initialize core component: %w", err)
	}

	ingressComponent, err := ingress.New(r, ingress.Configuration{
		Listen:        fmt.Sprintf(":%d", config.General.ListenPort),
		ReceiveBuffer: config.General.BufferSize,
		PoolSize:      config.Performance.QueueSize + config.Performance.Workers,
	}, ingress.Dependencies{
		Daemon:   daemonComponent,
		Counters: pipelineCounters,
	}, coreComponent.Dispatch)
	if err != nil {
		return fmt.Errorf("unable to initialize ingress: %w", err)
	}

	statsComponent, err := stats.New(r, stats.Configuration{
		Listen:       fmt.Sprintf("127.0.0.1:%d", config.General.StatsPort),
		IdleTimeout:  time.Minute,
		RateInterval: config.Performance.StatsInterval,
	}, stats.Dependencies{
		Daemon:    daemonComponent,
		Counters:  pipelineCounters,
		Templates: templatesComponent,
		Enricher:  enricherComponent,
		ConfigDump: func() ([]byte, error) {
			return yaml.Marshal(config)
		},
	})
	if err != nil {
		return fmt.Errorf("unable to initialize stats server: %w", err)
	}

	versionMetrics(r)

	// If we only asked for a check, stop here.
	if checkOnly {
		return nil
	}

	// Start all the components. The ingress comes last: everything
	// downstream must be ready before datagrams flow in. Components
	// are stopped in reverse order, so the ingress stops first and
	// the pipeline drains through core and forwarder.
	components := []interface{}{
		templatesComponent,
		enricherComponent,
		forwarderComponent,
		coreComponent,
		statsComponent,
	}
	if geoipComponent != nil {
		components = append([]interface{}{geoipComponent}, components...)
	}
	if config.General.MetricsPort > 0 {
		components = append(components, newMetricsServer(r, daemonComponent,
			fmt.Sprintf("127.0.0.1:%d", config.General.MetricsPort)))
	}
	components = append(components, ingressComponent)
	return StartStopComponents(r, daemonComponent, components)
}
