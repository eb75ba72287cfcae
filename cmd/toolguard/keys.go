package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jonwraymond/toolguard/signing"
	"github.com/jonwraymond/toolguard/verify"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage signing keys",
	}
	cmd.AddCommand(newKeysGenerateCmd())
	cmd.AddCommand(newKeysSignImplCmd())
	return cmd
}

func newKeysGenerateCmd() *cobra.Command {
	var (
		alg     string
		out     string
		pubOut  string
		replace bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a signing key pair as PEM files",
		Long: `Generates a private key for request or implementation signing. The
private key is written with mode 0600; the public key goes to --public-out,
or to stdout when that flag is empty.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := signing.ParseAlgorithm(alg)
			if err != nil {
				return err
			}
			key, err := signing.GenerateKey(a)
			if err != nil {
				return err
			}
			privPEM, err := signing.MarshalPrivateKeyPEM(key)
			if err != nil {
				return err
			}
			pubPEM, err := signing.MarshalPublicKeyPEM(key.Public())
			if err != nil {
				return err
			}
			fp, err := signing.Fingerprint(key.Public())
			if err != nil {
				return err
			}

			if err := writeKeyFile(out, privPEM, 0o600, replace); err != nil {
				return err
			}
			if pubOut == "" {
				_, err = cmd.OutOrStdout().Write(pubPEM)
			} else {
				err = writeKeyFile(pubOut, pubPEM, 0o644, replace)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "generated %s key %s\n", a, fp)
			return nil
		},
	}
	cmd.Flags().StringVar(&alg, "alg", string(signing.ES256), "signing algorithm ("+algorithmList()+")")
	cmd.Flags().StringVarP(&out, "out", "o", "", "private key output path")
	cmd.Flags().StringVar(&pubOut, "public-out", "", "public key output path (default stdout)")
	cmd.Flags().BoolVar(&replace, "force", false, "overwrite existing files")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newKeysSignImplCmd() *cobra.Command {
	var (
		keyPath string
		toolID  string
		hash    string
		alg     string
	)
	cmd := &cobra.Command{
		Use:   "sign-impl",
		Short: "Sign a tool's implementation hash",
		Long: `Prints the signature to register as a tool's signature field. The
signature verifies against the tool's public_key_pem.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(keyPath)
			if err != nil {
				return err
			}
			key, err := signing.ParsePrivateKeyPEM(data)
			if err != nil {
				return err
			}
			a, err := signing.AlgorithmForKey(key.Public())
			if alg != "" {
				a, err = signing.ParseAlgorithm(alg)
			}
			if err != nil {
				return err
			}
			if err := signing.CheckKey(a, key.Public()); err != nil {
				return err
			}
			sig, err := verify.SignImplementation(toolID, strings.ToLower(hash), key, a)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sig)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "", "private key PEM path")
	cmd.Flags().StringVar(&toolID, "tool", "", "tool id")
	cmd.Flags().StringVar(&hash, "hash", "", "implementation hash (hex)")
	cmd.Flags().StringVar(&alg, "alg", "", "signing algorithm (default inferred from the key)")
	for _, name := range []string{"key", "tool", "hash"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func writeKeyFile(path string, data []byte, mode os.FileMode, replace bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !replace {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func algorithmList() string {
	algs := signing.Algorithms()
	names := make([]string, len(algs))
	for i, a := range algs {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}
