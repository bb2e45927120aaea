package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	litepcie "github.com/litex-hub/litepcie"
	"github.com/litex-hub/litepcie/config"
	"github.com/litex-hub/litepcie/sim"
	"github.com/litex-hub/litepcie/util"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")
	printInfo := flag.Bool("info", false, "Attach, print the core identifier and exit")
	simulate := flag.Bool("sim", false, "Run against a simulated core instead of hardware")
	loopback := flag.Int64("loopback", 0, "Transfer this many bytes through the channel 0 loopback path and report throughput")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	if *configPath == "" && !*simulate {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	if *configPath != "" {
		if err := c.Load(*configPath); err != nil {
			fmt.Printf("failed to load config: %s", err)
			os.Exit(1)
		}
	}

	var ov *litepcie.Overrides
	var tickStop chan struct{}
	if *simulate {
		engine := sim.NewEngine(litepcie.DefaultChannels(c.GetInt("dma.channel_count", 1)))
		ov = &litepcie.Overrides{
			Bus:   engine,
			Alloc: engine.Allocator(),
			IRQ:   engine,
		}
		tickStop = make(chan struct{})
		go func() {
			t := time.NewTicker(100 * time.Microsecond)
			defer t.Stop()
			for {
				select {
				case <-tickStop:
					return
				case <-t.C:
					engine.Tick(1)
				}
			}
		}()
	}

	ctrl, err := litepcie.Main(c, *configTest, Build, l, ov)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		os.Exit(1)
	}

	if *configTest {
		os.Exit(0)
	}

	if *printInfo {
		fmt.Printf("Identifier: %s\n", ctrl.Device().Identifier())
		ctrl.Stop()
		os.Exit(0)
	}

	ctrl.Start()

	if *loopback > 0 {
		err = runLoopback(l, ctrl.Device().Channel(0), *loopback)
		if tickStop != nil {
			close(tickStop)
		}
		ctrl.Stop()
		if err != nil {
			l.WithError(err).Error("Loopback failed")
			os.Exit(1)
		}
		os.Exit(0)
	}

	ctrl.ShutdownBlock()
	if tickStop != nil {
		close(tickStop)
	}

	os.Exit(0)
}
