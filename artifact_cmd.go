package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jorgepascosoto/sqlscript-backups/internal/compress"
	"github.com/jorgepascosoto/sqlscript-backups/internal/config"
	"github.com/jorgepascosoto/sqlscript-backups/internal/dump"
	"github.com/jorgepascosoto/sqlscript-backups/internal/encrypt"
)

func newValidateCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check that a backup script parses and carries its completion marker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := config.LoadEncryptionKey()
			if err != nil {
				return err
			}

			path, cleanup, err := decryptIfNeeded(file, key)
			if err != nil {
				return err
			}
			defer cleanup()

			rc, err := compress.OpenArtifact(path)
			if err != nil {
				return err
			}
			defer rc.Close()

			script, err := dump.Validate(rc)
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}

			tables := make([]string, len(script.Tables))
			for i, t := range script.Tables {
				tables[i] = t.String()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid, %s statements, tables: %s\n",
				file, humanize.Comma(int64(len(script.Statements))), strings.Join(tables, ", "))
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "script or artifact to check")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newDecryptCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt an .enc artifact next to the original using ENCRYPTION_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := config.LoadEncryptionKey()
			if err != nil {
				return err
			}
			if key == nil {
				return fmt.Errorf("ENCRYPTION_KEY is not set")
			}

			encryptor, err := encrypt.NewAESEncryptor(key)
			if err != nil {
				return err
			}
			out, err := encryptor.DecryptFile(file)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Decrypted %s to %s\n", file, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "encrypted artifact ending in .enc")
	cmd.MarkFlagRequired("file")
	return cmd
}
