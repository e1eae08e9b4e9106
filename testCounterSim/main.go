package main

/*
This program runs an ADAM-6051 counter simulator: a Modbus/TCP server whose
input registers carry ramping 32-bit pulse counters. Point a configured
counter device at it to exercise the full acquisition path without hardware.

Channel n's counter lives at input registers 2n (high word) and 2n+1, and
advances by its pulse rate once per second. One channel can be forced through
a wrap quickly with -near-wrap.
*/

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	adam "github.com/GrantWise/adam-6051-influxdb-logger-sub003"
)

type options struct {
	Listen   string `short:"l" long:"listen" default:":5502" description:"Listen address"`
	Unit     int    `short:"u" long:"unit" default:"1" description:"Modbus unit id"`
	Channels int    `long:"channels" default:"4" description:"Number of counter channels"`
	Rate     int    `long:"rate" default:"10" description:"Pulses per second per channel"`
	NearWrap bool   `long:"near-wrap" description:"Start channel 0 just below the 32-bit limit"`
	Verbose  bool   `short:"v" long:"verbose" description:"Debug logging"`
}

func main() {
	opts := options{}
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	log := zap.NewNop()
	if opts.Verbose {
		if dev, err := zap.NewDevelopment(); err == nil {
			log = dev
		}
	}

	sim, err := adam.NewCounterSim(opts.Listen, byte(opts.Unit), log)
	if err != nil {
		fmt.Printf("Unable to start counter simulator: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Counter simulator on %v, unit %v, %v channels at %v pulses/s\n",
		sim.Addr(), opts.Unit, opts.Channels, opts.Rate)

	counters := make([]uint64, opts.Channels)
	if opts.NearWrap && opts.Channels > 0 {
		counters[0] = 1<<32 - uint64(opts.Rate)*5
		fmt.Printf("Channel 0 starts at %v, wrapping in ~5s\n", counters[0])
	}
	apply := func() {
		for ch, v := range counters {
			sim.SetCounter(adam.InputRegister, uint16(2*ch), 2, adam.WordOrderBig, v&(1<<32-1))
		}
	}
	apply()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			for ch := range counters {
				counters[ch] += uint64(opts.Rate)
			}
			apply()
		case <-stop:
			fmt.Println("Stopping")
			sim.Close()
			return
		}
	}
}
