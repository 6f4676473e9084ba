package cmd

import (
	"fmt"
	"log/slog"
	"strconv"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"smda/internal/session"
)

var bufferCmd = &cobra.Command{
	Use:   "buffer [file]",
	Short: "Disassemble a raw code buffer",
	Long: `Disassemble the bytes of a file as raw code mapped at a given base address,
without parsing it as an executable. Use "-" to read the buffer from stdin.`,
	Example: `
# Disassemble a shellcode dump mapped at 0x400000
smda buffer --base 0x400000 --bitness 32 dump.bin

# Quiet run on a 64 bit ARM blob from stdin
cat blob.bin | smda buffer -q --arch arm64 --base 0x10000 -
  `,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		quiet, _ := cmd.Flags().GetBool("quiet")
		baseFlag, _ := cmd.Flags().GetString("base")
		bitness, _ := cmd.Flags().GetInt("bitness")

		base, err := strconv.ParseUint(baseFlag, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid base address %q: %w", baseFlag, err)
		}
		buf, err := readBuffer(args[0])
		if err != nil {
			return fmt.Errorf("failed to read buffer: %w", err)
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		defer logger.Close()
		if quiet {
			logger.SetLevel(charmlog.ErrorLevel)
		} else {
			slog.Info("Disassembling buffer", "file", args[0], "size", len(buf), "base", fmt.Sprintf("0x%x", base))
		}

		d, err := session.NewFromConfig(cfg, logger.Logger)
		if err != nil {
			return err
		}
		out := d.DisassembleBuffer(buf, base, bitness)
		return emit(cmd, "", out, d)
	},
}

func init() {
	bufferCmd.Flags().BoolP("quiet", "q", false, "Only log errors")
	bufferCmd.Flags().String("base", "0", "Base address of the buffer")
	bufferCmd.Flags().Int("bitness", 0, "Bitness of the code: 16, 32 or 64 (0 picks the architecture default)")
	rootCmd.AddCommand(bufferCmd)
}
