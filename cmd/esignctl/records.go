package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/accordsai/esign/pkg/domain"
	"github.com/accordsai/esign/pkg/sealbind"
	"github.com/accordsai/esign/pkg/tsa"
	"github.com/spf13/cobra"
	"github.com/xuri/excelize/v2"
)

var (
	exportOut    string
	tsaURL       string
	tsaPolicy    string
	timestampOut string
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Audit signing records exported from the service",
}

var recordsVerifyCmd = &cobra.Command{
	Use:   "verify <records.json>",
	Short: "Recompute the content hash of every signing record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recs, err := loadRecords(args[0])
		if err != nil {
			return err
		}
		if bad := verifyRecords(cmd.OutOrStdout(), recs); bad > 0 {
			return fmt.Errorf("%d of %d record(s) failed verification", bad, len(recs))
		}
		return nil
	},
}

var recordsExportCmd = &cobra.Command{
	Use:   "export <records.json>",
	Short: "Write signing records to an xlsx audit sheet",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		recs, err := loadRecords(args[0])
		if err != nil {
			fatal("Error loading records", err)
		}
		if err := exportRecords(recs, exportOut); err != nil {
			fatal("Error writing workbook", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d record(s) to %s\n", len(recs), exportOut)
	},
}

var recordsTimestampCmd = &cobra.Command{
	Use:   "timestamp <records.json>",
	Short: "Obtain an RFC 3161 timestamp token over a contract's records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recs, err := loadRecords(args[0])
		if err != nil {
			return err
		}
		c := tsa.New(tsaURL)
		c.PolicyOID = tsaPolicy
		digest, err := timestampRecords(cmd.Context(), c, recs, timestampOut)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "digest %s\ntoken  %s\n", digest, timestampOut)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recordsCmd)
	recordsCmd.AddCommand(recordsVerifyCmd, recordsExportCmd, recordsTimestampCmd)
	recordsExportCmd.Flags().StringVarP(&exportOut, "out", "o", "signing_records.xlsx", "Output workbook path")
	recordsTimestampCmd.Flags().StringVar(&tsaURL, "tsa", "", "Timestamp authority URL")
	recordsTimestampCmd.Flags().StringVar(&tsaPolicy, "policy", "", "Requested TSA policy OID")
	recordsTimestampCmd.Flags().StringVarP(&timestampOut, "out", "o", "records.tsr", "Output token path")
	_ = recordsTimestampCmd.MarkFlagRequired("tsa")
}

// loadRecords accepts a bare JSON array or the service's
// {"records": [...]} response.
func loadRecords(path string) ([]domain.SigningRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b = bytes.TrimSpace(b)
	var recs []domain.SigningRecord
	if len(b) > 0 && b[0] == '[' {
		err = json.Unmarshal(b, &recs)
	} else {
		var wrapped struct {
			Records []domain.SigningRecord `json:"records"`
		}
		err = json.Unmarshal(b, &wrapped)
		recs = wrapped.Records
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return recs, nil
}

func verifyRecords(w io.Writer, recs []domain.SigningRecord) int {
	bad := 0
	for _, r := range recs {
		if err := sealbind.Verify(r); err != nil {
			bad++
			fmt.Fprintf(w, "FAIL  %s  %s/%s  %v\n", r.RecordID, r.ContractID, r.FieldID, err)
			continue
		}
		fmt.Fprintf(w, "ok    %s  %s/%s\n", r.RecordID, r.ContractID, r.FieldID)
	}
	return bad
}

const recordsSheet = "Signing records"

func exportRecords(recs []domain.SigningRecord, out string) error {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", recordsSheet); err != nil {
		return err
	}

	headers := []string{"Record", "Contract", "Field", "Actor", "Asset", "Timestamp (UTC)", "Content hash", "Verified"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(recordsSheet, cell, h); err != nil {
			return err
		}
	}
	for i, r := range recs {
		row := []any{
			r.RecordID, r.ContractID, r.FieldID, r.ActorID, r.SignatureAssetRef,
			r.Timestamp.UTC().Format(time.RFC3339Nano), r.ContentHash, sealbind.Verify(r) == nil,
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(recordsSheet, cell, &row); err != nil {
			return err
		}
	}
	return f.SaveAs(out)
}

// timestampRecords refuses records whose hashes do not verify, then writes
// the authority's DER token to out.
func timestampRecords(ctx context.Context, c *tsa.Client, recs []domain.SigningRecord, out string) (string, error) {
	if bad := verifyRecords(io.Discard, recs); bad > 0 {
		return "", fmt.Errorf("%d record(s) failed verification", bad)
	}
	digest, err := tsa.Digest(recs)
	if err != nil {
		return "", err
	}
	slog.Debug("requesting timestamp", "tsa", c.URL, "digest", digest, "records", len(recs))
	tok, err := c.Stamp(ctx, digest)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(out, tok.DER, 0o644); err != nil {
		return "", err
	}
	return digest, nil
}
