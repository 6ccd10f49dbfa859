package cli

import (
	"github.com/spf13/cobra"

	"github.com/radman021/nbft/security/crypto/keygen"
)

var (
	keygenCrypto  string
	keygenNum     int
	keygenStartID int
	keygenPattern string

	// keygenCmd represents the keygen command
	keygenCmd = &cobra.Command{
		Use:   "keygen [destination]",
		Short: "Generate keys for a replica set.",
		Long: `The keygen command generates a private and public key pair for each replica
in a set and writes them to the destination directory as PEM files. With the
default pattern '*.key', replica 1 gets '1.key' and '1.key.pub'. The public
key files are what the replica table in the configuration file points at.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return keygen.GenerateConfiguration(args[0], keygenCrypto, keygenStartID, keygenNum, keygenPattern)
		},
	}
)

func init() {
	rootCmd.AddCommand(keygenCmd)

	keygenCmd.Flags().StringVar(&keygenCrypto, "crypto", "eddsa", "name of the crypto implementation to generate keys for")
	keygenCmd.Flags().IntVarP(&keygenNum, "num", "n", 4, "number of keys to generate")
	keygenCmd.Flags().IntVarP(&keygenStartID, "start-id", "i", 1, "id of the first replica")
	keygenCmd.Flags().StringVarP(&keygenPattern, "pattern", "p", "*.key", "pattern for key file naming; '*' is replaced by the replica id")
}
