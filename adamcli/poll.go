package main

import (
	"context"
	"fmt"
	"time"

	adam "github.com/GrantWise/adam-6051-influxdb-logger-sub003"
)

type PollCommand struct {
	Config string `short:"c" long:"config" required:"true" description:"Path to the YAML configuration" env:"ADAM_CONFIG"`
	Args   struct {
		DeviceID string `positional-arg-name:"device-id" required:"1"`
	} `positional-args:"yes" required:"yes"`
}

func (c *PollCommand) Execute(args []string) error {
	cfg, err := adam.LoadConfig(c.Config)
	if err != nil {
		return err
	}
	dev := cfg.Device(c.Args.DeviceID)
	if dev == nil {
		return fmt.Errorf("device %q is not configured", c.Args.DeviceID)
	}

	// Room for the per-channel timeouts plus the retry budget.
	budget := time.Duration(dev.MaxRetryAttempts+1)*dev.Timeout()*time.Duration(len(dev.Channels)+1) + 5*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	readings, err := adam.PollOnce(ctx, cfg, c.Args.DeviceID, adam.WithLogger(logger()))
	if err != nil {
		return err
	}

	fmt.Printf("Device %v (%v), %v readings:\n", dev.DeviceID, dev.Name, len(readings))
	for _, r := range readings {
		name := r.Tags["channel_name"]
		if r.Error != "" {
			fmt.Printf("  channel %v %v: quality=%v error=%v\n", r.Channel, name, r.Quality, r.Error)
			continue
		}
		processed := "-"
		if r.Processed != nil {
			processed = fmt.Sprintf("%g", *r.Processed)
		}
		unit := r.Unit
		if unit == "" {
			unit = "counts"
		}
		fmt.Printf("  channel %v %v: raw=%v processed=%v %v quality=%v latency=%v\n",
			r.Channel, name, r.RawValue, processed, unit, r.Quality, r.AcquisitionTime)
	}
	return nil
}
