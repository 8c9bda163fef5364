package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/edgeo-scada/modsim"
)

var (
	okTag    = color.New(color.FgGreen).SprintFunc()
	errTag   = color.New(color.FgRed).SprintFunc()
	warnTag  = color.New(color.FgYellow).SprintFunc()
	infoTag  = color.New(color.FgCyan).SprintFunc()
	boldText = color.New(color.Bold).SprintFunc()
)

func outputSuccess(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(okTag("OK") + " " + msg)
}

func outputError(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, errTag("ERROR")+" "+msg)
}

func outputWarning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, warnTag("WARN")+" "+msg)
}

func outputInfo(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(infoTag("INFO") + " " + msg)
}

// BlockResult is the JSON form of a loaded block.
type BlockResult struct {
	Name    string `json:"name"`
	Table   string `json:"table"`
	Address uint16 `json:"address"`
	Count   int    `json:"count"`
}

func outputBlocks(format string, unitID uint8, blocks []modsim.BlockInfo) error {
	switch format {
	case "json":
		return outputBlocksJSON(unitID, blocks)
	default:
		return outputBlocksTable(unitID, blocks)
	}
}

func outputBlocksTable(unitID uint8, blocks []modsim.BlockInfo) error {
	fmt.Printf("\n%s (slave %d, %d blocks)\n", boldText("Register map"), unitID, len(blocks))
	fmt.Println(strings.Repeat("-", 60))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTABLE\tADDRESS\tCOUNT")
	fmt.Fprintln(w, "----\t-----\t-------\t-----")
	for _, b := range blocks {
		fmt.Fprintf(w, "%s\t%s\t%d-%d\t%d\n", b.Name, b.Kind, b.Address, int(b.Address)+b.Count-1, b.Count)
	}
	w.Flush()
	fmt.Println()
	return nil
}

func outputBlocksJSON(unitID uint8, blocks []modsim.BlockInfo) error {
	results := make([]BlockResult, len(blocks))
	for i, b := range blocks {
		results[i] = BlockResult{
			Name:    b.Name,
			Table:   b.Kind.String(),
			Address: b.Address,
			Count:   b.Count,
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"slave_id": unitID,
		"blocks":   results,
	})
}

func outputBanner(cfg modsim.Config, sim *modsim.Simulator, mapPath string, baseAddr uint16, blocks []modsim.BlockInfo) {
	switch cfg.Mode {
	case modsim.ModeRTU:
		timing, _ := sim.Timing()
		outputInfo("Initialized modbus %s simulator: device = %s  baud = %d  parity = %s  slave id = %d  base address = %d",
			cfg.Mode, cfg.Device, cfg.Baud, cfg.Parity, cfg.UnitID, baseAddr)
		outputInfo("Line timing: char = %s  inter-char = %s  inter-frame = %s  (margin %.2f)",
			timing.CharTime(), timing.InterCharTimeout(), timing.InterFrameTimeout(), timing.Margin())
	default:
		host := cfg.Host
		if host == "" {
			host = "0.0.0.0"
		}
		outputInfo("Initialized modbus %s simulator: addr = %s  port = %d  slave id = %d  base address = %d",
			cfg.Mode, host, cfg.Port, cfg.UnitID, baseAddr)
	}
	outputInfo("Modbus map loaded from %s", mapPath)
	for _, b := range blocks {
		outputSuccess("Added modbus map block: %s  address = %d  count = %d", b.Kind, b.Address, b.Count)
	}
}

func outputMetrics(m *modsim.ServerMetrics) {
	lat := m.Latency.Stats()
	outputInfo("Served %d requests: %d answered, %d dropped, %d CRC errors, %d frame errors (avg %.2fms)",
		m.RequestsTotal.Value(),
		m.RequestsSuccess.Value(),
		m.RequestsDropped.Value(),
		m.CRCErrors.Value(),
		m.FrameErrors.Value(),
		lat.Avg)
	if n := m.RequestsErrors.Value(); n > 0 {
		outputWarning("%d responses could not be written", n)
	}
}
