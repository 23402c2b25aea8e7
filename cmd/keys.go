package cmd

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	"github.com/gorilla/securecookie"
	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	var rsaBits int

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Generate COOKIE_HASH_KEY and COOKIE_BLOCK_KEY values (base64)",
		Long: "Generate cookie keys. With --rsa-bits an RSA key pair is printed as well,\n" +
			"usable as TOTORO_PUBLIC_KEY/TOTORO_PRIVATE_KEY against a local stub upstream.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			hash := securecookie.GenerateRandomKey(32)
			block := securecookie.GenerateRandomKey(32)
			if hash == nil || block == nil {
				return fmt.Errorf("generate cookie keys: random source failed")
			}
			fmt.Fprintf(out, "export COOKIE_HASH_KEY=%s\n", base64.StdEncoding.EncodeToString(hash))
			fmt.Fprintf(out, "export COOKIE_BLOCK_KEY=%s\n", base64.StdEncoding.EncodeToString(block))

			if rsaBits <= 0 {
				return nil
			}
			priv, err := rsa.GenerateKey(rand.Reader, rsaBits)
			if err != nil {
				return err
			}
			pub, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "export TOTORO_PUBLIC_KEY=%s\n", base64.StdEncoding.EncodeToString(pub))
			fmt.Fprintf(out, "TOTORO_PRIVATE_KEY:\n%s", pem.EncodeToMemory(&pem.Block{
				Type:  "RSA PRIVATE KEY",
				Bytes: x509.MarshalPKCS1PrivateKey(priv),
			}))
			return nil
		},
	}
	cmd.Flags().IntVar(&rsaBits, "rsa-bits", 0, "also generate an RSA key pair of this size")
	return cmd
}
