//go:build linux

package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"gopkg.in/yaml.v3"

	"github.com/romshark/afxdp-zc-go/afxdp"
	"github.com/romshark/afxdp-zc-go/engine"
)

// Topology, one simulated NIC whose wire loops queue q to queue q+1:
//
//	route:   sender q0 -> q1 router (TX back, MAC rewrite) -> q2 receiver
//	forward: sender q0 -> q1 socket -> copy -> q2 socket -> q3 receiver
//	drop:    sender q0 -> q1 drop
// defaultTestRatePPS paces test runs that set no rate. Unpaced, the
// loopback wire drops whenever a receiving queue is out of descriptors.
const defaultTestRatePPS = 100_000

const (
	ModeRoute   = "route"
	ModeForward = "forward"
	ModeDrop    = "drop"
)

type Config struct {
	Mode string `yaml:"mode" toml:"mode"`
	// Link names a real interface whose queue counts the adapter mirrors
	// and whose counters are reported.
	Link     string `yaml:"link,omitempty" toml:"link"`
	LogLevel string `yaml:"log-level" toml:"log-level"`
	// BPF runs verdicts as eBPF programs. Needs CAP_BPF.
	BPF bool `yaml:"bpf" toml:"bpf"`

	Engine engine.Config `yaml:"engine" toml:"engine"`
	// Socket is the configuration of every socket. QueueID is ignored.
	Socket afxdp.Config `yaml:"socket" toml:"socket"`

	Sender struct {
		SrcMAC    string `yaml:"src-mac" toml:"src-mac"`
		DstMAC    string `yaml:"dst-mac" toml:"dst-mac"`
		SrcIP     string `yaml:"src-ip" toml:"src-ip"`
		DstIP     string `yaml:"dst-ip" toml:"dst-ip"` // 10.0.2.x is routed.
		SrcPort   uint16 `yaml:"src-port" toml:"src-port"`
		DstPort   uint16 `yaml:"dst-port" toml:"dst-port"`
		BatchSize uint32 `yaml:"batch-size" toml:"batch-size"`
		RatePPS   uint64 `yaml:"rate-pps" toml:"rate-pps"` // 0 = unlimited, max speed.
	} `yaml:"sender" toml:"sender"`

	Router struct {
		MAC         string `yaml:"mac" toml:"mac"`
		ReceiverMAC string `yaml:"receiver-mac" toml:"receiver-mac"`
	} `yaml:"router" toml:"router"`

	Receiver struct {
		BatchSize uint32 `yaml:"batch-size" toml:"batch-size"`
	} `yaml:"receiver" toml:"receiver"`

	MTU   uint32 `yaml:"mtu" toml:"mtu"`
	Count uint64 `yaml:"count" toml:"count"`
	Test  bool   `yaml:"test" toml:"test"`

	StatsInterval time.Duration `yaml:"stats-interval" toml:"stats-interval"`
	// Drain is how long to wait for in-flight packets after the last send.
	Drain time.Duration `yaml:"drain" toml:"drain"`

	flow                   flow
	routerMAC, receiverMAC net.HardwareAddr
	logLevel               logrus.Level
}

// queuesFor returns the number of queue pairs a mode needs.
func queuesFor(mode string) int {
	switch mode {
	case ModeForward:
		return 4
	case ModeRoute:
		return 3
	}
	return 2
}

// receiverQueue is the queue whose socket counts received packets, -1 if
// none.
func (c *Config) receiverQueue() int {
	if c.Mode == ModeDrop {
		return -1
	}
	return queuesFor(c.Mode) - 1
}

func loadConfig(fs *flag.FlagSet, args []string) (*Config, error) {
	fConfig := fs.String("config", "zcbench.yaml", "path to config YAML or TOML file")
	fMode := fs.String("m", "", "overwrite mode: route, forward or drop")
	fRate := fs.Int64("r", -1,
		"sender rate limit in PPS (<0 falls back to config, 0 is unlimited except in test mode)")
	fCount := fs.Uint64("n", 0, "packet count override")
	fMTU := fs.Uint("l", 0, "pkt size override (MTU)")
	fTest := fs.Bool("test", false, "enable test mode (override)")
	fLink := fs.String("link", "", "mirror the queue counts of this interface")
	fBPF := fs.Bool("bpf", false, "run verdicts as eBPF programs (override)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	conf, err := decodeConfig(*fConfig)
	if err != nil {
		return nil, err
	}

	if *fMode != "" {
		conf.Mode = *fMode
	}
	if *fRate >= 0 {
		conf.Sender.RatePPS = uint64(*fRate)
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fMTU != 0 {
		conf.MTU = uint32(*fMTU)
	}
	if *fTest {
		conf.Test = true
	}
	if *fLink != "" {
		conf.Link = *fLink
	}
	if *fBPF {
		conf.BPF = true
	}

	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return conf, nil
}

// decodeConfig reads a TOML file if path ends in .toml and YAML otherwise.
func decodeConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var conf Config
	if filepath.Ext(path) == ".toml" {
		if _, err := toml.Decode(string(b), &conf); err != nil {
			return nil, fmt.Errorf("parsing TOML: %w", err)
		}
		return &conf, nil
	}
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return &conf, nil
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Mode == "" {
		c.Mode = ModeRoute
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Sender.BatchSize == 0 {
		c.Sender.BatchSize = 64
	}
	if c.Receiver.BatchSize == 0 {
		c.Receiver.BatchSize = 64
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = time.Second
	}
	if c.Drain == 0 {
		c.Drain = 500 * time.Millisecond
	}

	switch c.Mode {
	case ModeRoute, ModeForward, ModeDrop:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log-level: %w", err)
	}
	c.logLevel = lvl
	if c.Count == 0 {
		return errors.New("count must be > 0")
	}
	if c.MTU < 64 || c.MTU > 1500 {
		return errors.New("unsupported mtu")
	}
	if c.Test && c.Mode == ModeDrop {
		return errors.New("test mode needs a receiver, drop mode has none")
	}
	if c.Test && c.Sender.RatePPS == 0 {
		c.Sender.RatePPS = defaultTestRatePPS
	}

	type macField struct {
		name string
		s    string
		dst  *net.HardwareAddr
	}
	macs := []macField{
		{"sender.src-mac", c.Sender.SrcMAC, &c.flow.srcMAC},
		{"sender.dst-mac", c.Sender.DstMAC, &c.flow.dstMAC},
	}
	if c.Mode == ModeRoute {
		macs = append(macs,
			macField{"router.mac", c.Router.MAC, &c.routerMAC},
			macField{"router.receiver-mac", c.Router.ReceiverMAC, &c.receiverMAC},
		)
	}
	for _, m := range macs {
		mac, err := net.ParseMAC(m.s)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", m.name, m.s, err)
		}
		*m.dst = mac
	}
	if c.flow.srcIP = net.ParseIP(c.Sender.SrcIP).To4(); c.flow.srcIP == nil {
		return fmt.Errorf("invalid sender.src-ip %q", c.Sender.SrcIP)
	}
	if c.flow.dstIP = net.ParseIP(c.Sender.DstIP).To4(); c.flow.dstIP == nil {
		return fmt.Errorf("invalid sender.dst-ip %q", c.Sender.DstIP)
	}
	c.flow.srcPort, c.flow.dstPort = c.Sender.SrcPort, c.Sender.DstPort
	if c.Mode == ModeRoute && (c.flow.dstIP[0] != 10 || c.flow.dstIP[1] != 0) {
		return fmt.Errorf("router only routes 10.0.0.0/16, sender.dst-ip is %s",
			c.flow.dstIP)
	}

	need := queuesFor(c.Mode)
	if c.Engine.Queues == 0 {
		c.Engine.Queues = need
	}
	if c.Engine.Queues < need {
		return fmt.Errorf("mode %s needs %d queues, engine.queues is %d",
			c.Mode, need, c.Engine.Queues)
	}
	if err := c.Engine.ValidateAndSetDefaults(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if c.Engine.TXRings < need {
		return fmt.Errorf("mode %s needs %d XDP TX rings, engine.tx-rings is %d",
			c.Mode, need, c.Engine.TXRings)
	}
	if err := c.Socket.ValidateAndSetDefaults(); err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	return nil
}

// routerMACs returns the addresses the router writes into routed
// packets.
func (c *Config) routerMACs() (dst, src [6]byte) {
	copy(dst[:], c.receiverMAC)
	copy(src[:], c.routerMAC)
	return dst, src
}

// receivedMACs returns the destination and source MACs of packets
// arriving at the receiver.
func (c *Config) receivedMACs() (dst, src net.HardwareAddr) {
	if c.Mode == ModeRoute {
		return c.receiverMAC, c.routerMAC
	}
	return c.flow.dstMAC, c.flow.srcMAC
}

// mirrorLink sizes the adapter like the queues of a real interface. The
// mode's own queues are always kept.
func (c *Config) mirrorLink(log logrus.FieldLogger) error {
	l, err := netlink.LinkByName(c.Link)
	if err != nil {
		return fmt.Errorf("looking up link %s: %w", c.Link, err)
	}
	attrs := l.Attrs()
	need := queuesFor(c.Mode)
	queues := min(max(attrs.NumRxQueues, attrs.NumTxQueues, need), engine.MaxQueues)

	c.Engine.Queues = queues
	c.Engine.RealRXQueues = max(min(attrs.NumRxQueues, queues), need)
	c.Engine.RealTXQueues = max(min(attrs.NumTxQueues, queues), need)
	c.Engine.TXRings = c.Engine.RealTXQueues
	if err := c.Engine.ValidateAndSetDefaults(); err != nil {
		return fmt.Errorf("engine sized after %s: %w", c.Link, err)
	}
	log.WithFields(logrus.Fields{
		"link":      c.Link,
		"rx-queues": attrs.NumRxQueues,
		"tx-queues": attrs.NumTxQueues,
		"queues":    queues,
	}).Info("mirroring link queue counts")
	return nil
}
