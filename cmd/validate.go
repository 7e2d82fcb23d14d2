package cmd

import (
	"fmt"
	"os"

	"firestige.xyz/captool/internal/classification"
	"firestige.xyz/captool/internal/config"
	"firestige.xyz/captool/internal/crypt"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var describeCatalog bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configured classification catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cmd)
	},
}

func init() {
	validateCmd.Flags().BoolVar(&describeCatalog, "describe", false, "dump the parsed catalog's block/signature/tag shape as YAML")
}

// blockSummary and signatureSummary give the parsed catalog a YAML
// projection for --describe: Catalog's own fields aren't yaml-tagged since
// nothing marshals it in the hot path.
type blockSummary struct {
	Name       string             `yaml:"name"`
	ID         int                `yaml:"id"`
	Signatures []signatureSummary `yaml:"signatures"`
}

type signatureSummary struct {
	SigID      uint `yaml:"sigId"`
	Standalone bool `yaml:"standalone"`
	Final      bool `yaml:"final"`
}

func describeSummary(catalog *classification.Catalog) []blockSummary {
	out := make([]blockSummary, 0, len(catalog.Blocks))
	for _, b := range catalog.Blocks {
		sigs := make([]signatureSummary, 0, len(b.Signatures))
		for _, s := range b.Signatures {
			sigs = append(sigs, signatureSummary{SigID: s.SigID, Standalone: s.Standalone, Final: s.Final})
		}
		out = append(out, blockSummary{Name: b.Name, ID: b.ID, Signatures: sigs})
	}
	return out
}

func runValidate(cmd *cobra.Command) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if cfg.Classification.FileName == "" {
		return fmt.Errorf("validate: classification.fileName is not set in %s", configFile)
	}

	var key string
	if cfg.SecurityManager.EncryptedClassification {
		key, err = crypt.PromptKey(int(os.Stdin.Fd()), cmd.OutOrStdout())
		if err != nil {
			return fmt.Errorf("validate: %w", err)
		}
	}

	catalog, err := classification.LoadFromFile(cfg.Classification.FileName, key)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "catalog OK: %d blocks, %d signatures, %d facets, %d classifiers\n",
		len(catalog.Blocks), catalog.NumSignatures, catalog.NumFacets(), len(catalog.Classifiers))

	if describeCatalog {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		defer enc.Close()
		if err := enc.Encode(describeSummary(catalog)); err != nil {
			return fmt.Errorf("validate: describe: %w", err)
		}
	}
	return nil
}
