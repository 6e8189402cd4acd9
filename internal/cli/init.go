package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/andywolf/ctxkeeper/internal/config"
	"github.com/andywolf/ctxkeeper/internal/notes"
	"github.com/andywolf/ctxkeeper/internal/printer"
)

const configFilename = ".ctxkeeper.yaml"

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize ctxkeeper in the current directory",
	Long: `Create a .ctxkeeper.yaml with default settings and a starter schema
under .ctxkeeper/.

Example:
  ctxkeeper init
  ctxkeeper init --types preference,project,person`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		force, _ := cmd.Flags().GetBool("force")
		types, _ := cmd.Flags().GetStringSlice("types")
		p := printer.New(cmd.OutOrStdout(), cmd.ErrOrStderr())
		return initProject(p, ".", types, force)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringSlice("types", []string{"preference", "project", "person"}, "Entry types for the starter schema")
	initCmd.Flags().Bool("force", false, "Overwrite existing files")
}

func initProject(p *printer.Printer, dir string, types []string, force bool) error {
	configPath := filepath.Join(dir, configFilename)
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", configPath)
	}

	data, err := yaml.Marshal(config.DefaultFile())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	header := "# ctxkeeper configuration\n# Every key can be overridden with a CTXKEEPER_ environment variable.\n\n"
	if err := os.WriteFile(configPath, append([]byte(header), data...), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	p.Success("Created %s", configPath)

	dataDir := filepath.Join(dir, config.DefaultDataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	schemaPath := filepath.Join(dataDir, "schema.yaml")
	if _, err := os.Stat(schemaPath); err == nil && !force {
		p.Muted("Keeping existing %s", schemaPath)
	} else {
		if err := writeSchema(schemaPath, notes.NewSchema(types...)); err != nil {
			return err
		}
		p.Success("Created %s", schemaPath)
	}

	printNextSteps(p.Out())
	return nil
}

func writeSchema(path string, schema notes.Schema) error {
	data, err := yaml.Marshal(schema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write schema: %w", err)
	}
	return nil
}

func printNextSteps(w io.Writer) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Next steps:")
	fmt.Fprintln(w, "  1. Point notes.path at your note store snapshot")
	fmt.Fprintln(w, "  2. Run 'ctxkeeper model' to see the store's health")
	fmt.Fprintln(w, "  3. Submit proposals with 'ctxkeeper enqueue --file proposals.json'")
}
