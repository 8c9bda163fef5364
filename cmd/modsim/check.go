package main

import (
	"github.com/spf13/cobra"

	"github.com/edgeo-scada/modsim"
	"github.com/edgeo-scada/modsim/internal/mapfile"
)

var checkFormat string

var checkCmd = &cobra.Command{
	Use:   "check map_file",
	Short: "Validate a register map without serving it",
	Long: `Load a register map into an in-memory slave and report its blocks.

Overlapping blocks, malformed data and unknown tables are reported exactly as
they would be at startup.

Examples:
  modsim check map.yaml
  modsim check map.yaml -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVarP(&checkFormat, "output", "o", "table", "Output format: table, json")
}

func runCheck(cmd *cobra.Command, args []string) error {
	m, err := mapfile.Load(args[0])
	if err != nil {
		return err
	}
	if m.SlaveID == 0 {
		m.SlaveID = uint8(modsim.DefaultConfig().UnitID)
	}

	// A databank alone is enough to detect overlaps; no transport is opened.
	db := modsim.NewDatabank(modsim.WithLogger(logger))
	blocks, err := m.Apply(databankRegistrar{db})
	if err != nil {
		return err
	}

	if err := outputBlocks(checkFormat, m.SlaveID, blocks); err != nil {
		return err
	}
	if checkFormat != "json" {
		outputSuccess("%s: %d blocks, slave %d", args[0], len(blocks), m.SlaveID)
	}
	return nil
}

// databankRegistrar adapts a Databank to mapfile.Registrar.
type databankRegistrar struct {
	db *modsim.Databank
}

func (r databankRegistrar) AddSlave(id modsim.UnitID) (*modsim.Slave, error) {
	return r.db.AddSlave(id)
}

func (r databankRegistrar) AddBlock(id modsim.UnitID, name string, kind modsim.TableKind, addr uint16, length int) error {
	s, ok := r.db.Slave(id)
	if !ok {
		return modsim.ErrSlaveNotFound
	}
	return s.AddBlock(name, kind, addr, length)
}

func (r databankRegistrar) SetValues(id modsim.UnitID, name string, addr uint16, values []uint16) error {
	s, ok := r.db.Slave(id)
	if !ok {
		return modsim.ErrSlaveNotFound
	}
	return s.SetValues(name, addr, values)
}
