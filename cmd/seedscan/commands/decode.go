package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/shizukutanaka/seedscan/internal/kernel"
	"github.com/shizukutanaka/seedscan/internal/work"
)

var decodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "Decode an assignment into its start value",
	Long: `Decode packs the digits, adds the offset and prints the 128-bit start value
split into its high and low halves, together with the first candidate's
mnemonic.

Example:
  seedscan decode --digits 5,10 --offset 0`,
	RunE: runDecode,
}

func init() {
	rootCmd.AddCommand(decodeCmd)
	decodeCmd.Flags().String("digits", "", "comma separated 11-bit digits, most significant first")
	decodeCmd.Flags().String("offset", "0", "decimal 128-bit offset")
	decodeCmd.Flags().Uint64("batch-size", 1, "batch size")
}

func runDecode(cmd *cobra.Command, args []string) error {
	rawDigits, _ := cmd.Flags().GetString("digits")
	rawOffset, _ := cmd.Flags().GetString("offset")
	batch, _ := cmd.Flags().GetUint64("batch-size")

	digits, err := parseDigits(rawDigits)
	if err != nil {
		return err
	}
	offset, err := uint256.FromDecimal(rawOffset)
	if err != nil {
		return fmt.Errorf("invalid offset %q: %w", rawOffset, err)
	}

	r, err := work.Decode(work.Assignment{Digits: digits, Offset: *offset, BatchSize: batch})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	start := r.Start()
	fmt.Fprintf(out, "start:      %s\n", start.Dec())
	fmt.Fprintf(out, "start_high: 0x%016x\n", r.StartHigh)
	fmt.Fprintf(out, "start_low:  0x%016x\n", r.StartLow)
	fmt.Fprintf(out, "batch_size: %d\n", r.BatchSize)
	if m, err := kernel.Mnemonic(r.StartHigh, r.StartLow); err == nil {
		fmt.Fprintf(out, "first:      %s\n", m)
	}
	return nil
}

func parseDigits(s string) ([]uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	digits := make([]uint16, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 16)
		if err != nil || v > work.MaxDigit {
			return nil, fmt.Errorf("invalid digit %q: must be in [0, %d]", p, work.MaxDigit)
		}
		digits = append(digits, uint16(v))
	}
	return digits, nil
}
