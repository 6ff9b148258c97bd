//go:build linux

// zcbench runs a packet workload through the zero-copy engine on a
// simulated NIC and reports throughput and per-queue counters.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/afxdp-zc-go/ifacestat"
)

func fatalIf(err error, msg string) {
	if err != nil {
		logrus.WithError(err).Fatal(msg)
	}
}

func main() {
	conf, err := loadConfig(flag.CommandLine, os.Args[1:])
	fatalIf(err, "reading config")

	log := logrus.StandardLogger()
	log.SetLevel(conf.logLevel)

	if conf.Link != "" {
		fatalIf(conf.mirrorLink(log), "mirroring link")
	}

	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bn, err := newBench(conf, log)
	fatalIf(err, "setting up")

	var linkBefore ifacestat.IfaceStats
	if conf.Link != "" {
		linkBefore, err = ifacestat.Link(conf.Link)
		fatalIf(err, "reading link counters")
	}
	before := ifacestat.Snapshot(adapterName, bn.a.Stats())

	err = bn.run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		log.Warn("interrupted")
	case err != nil:
		_ = bn.close()
		fatalIf(err, "running benchmark")
	}

	queues := ifacestat.Snapshot(adapterName, bn.a.Stats()).Since(before)
	if conf.Link != "" {
		linkAfter, err := ifacestat.Link(conf.Link)
		if err != nil {
			log.WithError(err).Warn("reading link counters")
		} else {
			queues.Merge(ifacestat.Stats{conf.Link: linkAfter}.
				Since(ifacestat.Stats{conf.Link: linkBefore}))
		}
	}
	fatalIf(bn.close(), "tearing down")

	fmt.Fprintln(os.Stderr, "\nQUEUES")
	fatalIf(ifacestat.Print(os.Stderr, queues, bn.aliases()), "printing counters")
	printFinalReport(&bn.stats, conf)

	if conf.Test {
		if got := bn.stats.Verified.Load(); got != conf.Count {
			fmt.Fprintf(os.Stderr, "TEST FAILED: verified %d of %d packets\n",
				got, conf.Count)
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, "TEST PASSED")
	}
}

func runStatsPrinter(ctx context.Context, stats *Stats, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	var lastTxPkts, lastTxBytes uint64
	var lastRxPkts, lastRxBytes uint64
	lastTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		now := time.Now()
		dt := now.Sub(lastTime).Seconds()
		lastTime = now

		txPkts := stats.TxPackets.Load()
		rxPkts := stats.RxPackets.Load()
		txBytes := stats.TxBytes.Load()
		rxBytes := stats.RxBytes.Load()

		dTxPkts := txPkts - lastTxPkts
		dRxPkts := rxPkts - lastRxPkts
		dTxBytes := txBytes - lastTxBytes
		dRxBytes := rxBytes - lastRxBytes

		lastTxPkts = txPkts
		lastTxBytes = txBytes
		lastRxPkts = rxPkts
		lastRxBytes = rxBytes

		txPPS := uint64(float64(dTxPkts) / dt)
		rxPPS := uint64(float64(dRxPkts) / dt)
		txMbps := float64(dTxBytes*8) / 1e6 / dt
		rxMbps := float64(dRxBytes*8) / 1e6 / dt

		fmt.Printf(
			"TX=%d RX=%d TX-PPS=%d RX-PPS=%d TX-Mbps=%.1f RX-Mbps=%.1f\n",
			txPkts, rxPkts, txPPS, rxPPS, txMbps, rxMbps,
		)
	}
}

func printFinalReport(stats *Stats, conf *Config) {
	txPackets := stats.TxPackets.Load()
	rxPackets := stats.RxPackets.Load()
	txBytes := stats.TxBytes.Load()
	rxBytes := stats.RxBytes.Load()

	elapsed := max(float64(stats.Elapsed.Load())/1e9, 1e-9)
	txAvgPPS := uint64(float64(txPackets) / elapsed)
	txAvgMbps := float64(txBytes*8) / 1e6 / elapsed

	p := message.NewPrinter(language.English)
	p.Print("\nFINAL REPORT\n")
	p.Printf(" Mode:              %s\n", conf.Mode)
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" TX:                %d packets\n", txPackets)
	p.Printf(" TX Completed:      %d packets\n", stats.TxCompleted.Load())
	p.Printf(" TX Avg PPS:        %d\n", txAvgPPS)
	p.Printf(" TX Avg rate:       %.1f Mbps\n", txAvgMbps)
	if n := stats.Passed.Load(); n > 0 {
		p.Printf(" Passed to stack:   %d packets\n", n)
	}
	if conf.receiverQueue() < 0 {
		return
	}

	drops := txPackets - min(rxPackets, txPackets)
	p.Printf(" RX:                %d packets\n", rxPackets)
	p.Printf(" RX Avg PPS:        %d\n", uint64(float64(rxPackets)/elapsed))
	p.Printf(" RX Avg rate:       %.1f Mbps\n", float64(rxBytes*8)/1e6/elapsed)
	p.Printf(" Dropped:           %d (%.4f%%)\n",
		drops, float64(drops)/float64(max(txPackets, 1))*100)
	if conf.Test {
		p.Printf(" Verified:          %d packets\n", stats.Verified.Load())
		p.Printf(" Lost in sequence:  %d packets\n", stats.Lost.Load())
	}
}
