package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/portredir/internal/config"
	"firestige.xyz/portredir/internal/core"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Validate the configuration file without starting the daemon and print
the normalized redirection table.

Examples:
  portredir validate -c /etc/portredir/portredir.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(os.Stdout, configFile); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

type validateReport struct {
	Backend  string         `yaml:"backend"`
	Capacity int            `yaml:"capacity"`
	Host     string         `yaml:"host"`
	Entries  []core.Mapping `yaml:"entries"`
}

func runValidate(w io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	report := validateReport{
		Backend:  cfg.Table.Backend,
		Capacity: cfg.Table.Capacity,
		Host:     cfg.Host.Mode,
		Entries:  cfg.Table.Mappings(),
	}

	fmt.Fprintf(w, "VALID: %d of %d table entries, host %s\n",
		len(report.Entries), report.Capacity, report.Host)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(report)
}
