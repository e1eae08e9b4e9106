package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	adam "github.com/GrantWise/adam-6051-influxdb-logger-sub003"
)

type DiscoverCommand struct {
	Config       string `short:"c" long:"config" required:"true" description:"Path to the YAML configuration (discovery windows and template directory)" env:"ADAM_CONFIG"`
	Host         string `long:"host" required:"true" description:"Serial bridge host"`
	Port         int    `long:"port" default:"4001" description:"Serial bridge port"`
	Manufacturer string `long:"manufacturer" description:"Scale manufacturer, used in the template name"`
	Model        string `long:"model" description:"Scale model, used in the template name"`
}

func (c *DiscoverCommand) Execute(args []string) error {
	cfg, err := adam.LoadConfig(c.Config)
	if err != nil {
		return err
	}
	dev := adam.DeviceConfig{
		DeviceID:     "discovery",
		Name:         fmt.Sprintf("%v:%v", c.Host, c.Port),
		Host:         c.Host,
		Port:         c.Port,
		Manufacturer: c.Manufacturer,
		Model:        c.Model,
	}
	session, err := adam.NewDiscovery(cfg, dev, adam.WithLogger(logger()))
	if err != nil {
		return err
	}
	defer session.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	in := bufio.NewScanner(os.Stdin)
	fmt.Println("Empty the scale platform, then press Enter to capture the baseline.")
	if !in.Scan() {
		return nil
	}
	if err := session.Baseline(ctx); err != nil {
		return err
	}
	fmt.Println("Baseline captured.")

	for {
		fmt.Print("Place a test weight and enter its value in kg, or 'done': ")
		if !in.Scan() {
			break
		}
		text := strings.TrimSpace(in.Text())
		if text == "done" {
			if session.Steps() < 2 {
				fmt.Println("At least two weight steps are needed before finishing.")
				continue
			}
			break
		}
		w, err := strconv.ParseFloat(text, 64)
		if err != nil {
			fmt.Printf("Not a number: %v\n", text)
			continue
		}
		if err := session.Step(ctx, w); err != nil {
			return err
		}
		fmt.Printf("Captured step at %v kg (%v steps so far).\n", w, session.Steps())
	}

	res, err := session.Finish(ctx)
	if err != nil {
		return err
	}
	printDiscovery(res)
	if !res.Accepted {
		return fmt.Errorf("template rejected: %v", res.Report.Diagnostic)
	}
	return nil
}

func printDiscovery(res *adam.DiscoveryResult) {
	fmt.Printf("\nFormat score:  %5.1f\nNumeric score: %5.1f\nOverall:       %5.1f\n",
		res.Report.FormatScore, res.Report.NumericScore, res.Report.Overall)
	for _, cs := range res.Report.Captures {
		fmt.Printf("  %-12v %3v frames, lengths %v\n", cs.Label, cs.Frames, formatHistogram(cs.FrameLengths))
	}
	if data, err := adam.EncodeTemplate(res.Template); err == nil {
		fmt.Printf("\n%s", data)
	}
	if res.Accepted {
		fmt.Printf("Template stored as %v\n", res.TemplateID)
	}
}

func formatHistogram(h map[int]int) string {
	lengths := make([]int, 0, len(h))
	for l := range h {
		lengths = append(lengths, l)
	}
	sort.Ints(lengths)
	parts := make([]string, 0, len(lengths))
	for _, l := range lengths {
		parts = append(parts, fmt.Sprintf("%v×%v", l, h[l]))
	}
	return strings.Join(parts, " ")
}
