// Command verifychain re-verifies an exported audit chain bundle offline.
// The bundle carries the signing public key, so an auditor needs no access
// to the gateway or its stores.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"agentgate/internal/ledger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var errChainInvalid = fmt.Errorf("chain verification failed")

func newRootCmd() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "verifychain [bundle.json]",
		Short: "Verify an exported audit chain bundle",
		Long: `Verify an exported audit chain bundle: every record's content hash is
recomputed from its fields, every signature is checked against the bundle's
public key, and the hash links between consecutive records are rechecked.
Reads from stdin when no file is given. Exits non-zero if the chain does
not verify.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := readBundle(args)
			if err != nil {
				return err
			}

			result, err := ledger.VerifyExport(bundle)
			if err != nil {
				return err
			}

			if !quiet {
				report(cmd.OutOrStdout(), bundle, result)
			}
			if !result.Valid {
				return errChainInvalid
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress output, report via exit code only")
	return cmd
}

func readBundle(args []string) (*ledger.ExportBundle, error) {
	var raw []byte
	var err error
	if len(args) == 1 {
		raw, err = os.ReadFile(args[0])
	} else {
		raw, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}

	var bundle ledger.ExportBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("parse bundle: %w", err)
	}
	return &bundle, nil
}

func report(w io.Writer, bundle *ledger.ExportBundle, result *ledger.VerificationResult) {
	fmt.Fprintf(w, "org:     %s\n", bundle.OrgID)
	fmt.Fprintf(w, "key:     %s\n", bundle.KeyID)
	fmt.Fprintf(w, "records: %d checked", result.Checked)
	if result.Checked > 0 {
		fmt.Fprintf(w, " (seq %d..%d)", result.FirstSeq, result.LastSeq)
	}
	fmt.Fprintln(w)

	if result.Valid {
		fmt.Fprintln(w, "chain:   VALID")
		return
	}
	fmt.Fprintf(w, "chain:   INVALID at seq %d: %s\n", result.FailedSeq, result.FailReason)
}
