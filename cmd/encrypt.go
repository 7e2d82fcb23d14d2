package cmd

import (
	"fmt"
	"io"
	"os"

	"firestige.xyz/captool/internal/crypt"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
)

var (
	cryptInput  string
	cryptOutput string
)

var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt a classification catalog with a prompted key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCrypt(cmd, crypt.Encrypt)
	},
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt",
	Short: "Decrypt a classification catalog with a prompted key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCrypt(cmd, crypt.Decrypt)
	},
}

func init() {
	for _, c := range []*cobra.Command{encryptCmd, decryptCmd} {
		c.Flags().StringVarP(&cryptInput, "input", "i", "", "source file (required)")
		c.Flags().StringVarP(&cryptOutput, "output", "o", "", "destination file (required)")
		c.MarkFlagRequired("input")
		c.MarkFlagRequired("output")
	}
}

// runCrypt prompts for a key, then streams cryptInput through op into
// cryptOutput. A sibling "<output>.lock" file is flock'd for the duration of
// the copy so two concurrent invocations against the same output path never
// interleave writes.
func runCrypt(cmd *cobra.Command, op func(dst io.Writer, src io.Reader, key string) (int64, error)) error {
	key, err := crypt.PromptKey(int(os.Stdin.Fd()), cmd.OutOrStdout())
	if err != nil {
		return fmt.Errorf("crypt: %w", err)
	}

	in, err := os.Open(cryptInput)
	if err != nil {
		return fmt.Errorf("crypt: open %s: %w", cryptInput, err)
	}
	defer in.Close()

	lock := flock.New(cryptOutput + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("crypt: lock %s: %w", cryptOutput, err)
	}
	defer lock.Unlock()

	out, err := os.Create(cryptOutput)
	if err != nil {
		return fmt.Errorf("crypt: create %s: %w", cryptOutput, err)
	}
	defer out.Close()

	n, err := op(out, in, key)
	if err != nil {
		return fmt.Errorf("crypt: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", n, cryptOutput)
	return nil
}
