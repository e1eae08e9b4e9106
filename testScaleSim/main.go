package main

/*
This program runs a scale indicator simulator: a TCP listener streaming
delimited weight frames in the common "ST/US  weight  unit" layout. Use it as
the target for an adamcli discover session, or configure a scale device
against the matching template to exercise the scale polling path.

The displayed weight drifts toward -target at -step kg per frame; while it is
still moving the stability flag reads unstable. Change the target at runtime
by typing a number on stdin.
*/

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	adam "github.com/GrantWise/adam-6051-influxdb-logger-sub003"
)

type options struct {
	Listen   string  `short:"l" long:"listen" default:":4001" description:"Listen address"`
	Interval int     `long:"interval-ms" default:"200" description:"Frame interval"`
	Target   float64 `long:"target" default:"0" description:"Initial weight in kg"`
	Step     float64 `long:"step" default:"0.25" description:"Weight change per frame while settling"`
	Unit     string  `long:"unit" default:"kg" description:"Unit text"`
	Verbose  bool    `short:"v" long:"verbose" description:"Debug logging"`
}

func template() *adam.ProtocolTemplate {
	two := 2
	return &adam.ProtocolTemplate{
		TemplateID: "sim-scale",
		Name:       "Simulated scale",
		Delimiter:  "\\r\\n",
		Encoding:   "ASCII",
		Fields: []adam.FieldSpec{
			{Name: "stability", Start: 0, Length: 2, Type: adam.FieldLookup,
				Values: map[string]string{"ST": "stable", "US": "unstable"}},
			{Name: "weight", Start: 3, Length: 8, Type: adam.FieldNumeric, DecimalPlaces: &two},
			{Name: "unit", Start: 12, Length: 2, Type: adam.FieldLiteral},
		},
	}
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

	interval := time.Duration(opts.Interval) * time.Millisecond
	sim, err := adam.NewScaleSim(opts.Listen, template(), interval, log)
	if err != nil {
		fmt.Printf("Unable to start scale simulator: %v\n", err)
		os.Exit(1)
	}
	sim.SetUnit(opts.Unit)
	fmt.Printf("Scale simulator on %v, frame every %v\n", sim.Addr(), interval)
	fmt.Println("Type a weight in kg to change the target, Ctrl-C to stop.")

	targets := make(chan float64)
	go func() {
		in := bufio.NewScanner(os.Stdin)
		for in.Scan() {
			w, err := strconv.ParseFloat(strings.TrimSpace(in.Text()), 64)
			if err != nil {
				fmt.Printf("Not a number: %v\n", in.Text())
				continue
			}
			targets <- w
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	tick := time.NewTicker(interval)
	defer tick.Stop()

	current, target := opts.Target, opts.Target
	sim.SetWeight(current)
	for {
		select {
		case <-tick.C:
			if current == target {
				continue
			}
			diff := target - current
			if math.Abs(diff) <= opts.Step {
				current = target
				sim.SetStable(true)
				fmt.Printf("Settled at %v kg\n", current)
			} else {
				current += math.Copysign(opts.Step, diff)
				sim.SetStable(false)
			}
			sim.SetWeight(current)
		case w := <-targets:
			target = w
			fmt.Printf("Target %v kg\n", target)
		case <-stop:
			fmt.Println("Stopping")
			sim.Close()
			return
		}
	}
}
