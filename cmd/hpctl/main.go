package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/org/healthpassport/internal/datatype"
	"github.com/org/healthpassport/pkg/models"
)

var rootCmd = &cobra.Command{
	Use:   "hpctl",
	Short: "Health passport CLI",
	Long:  "A CLI for managing encrypted health records against a passport node.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(passportCmd())
	rootCmd.AddCommand(saveCmd())
	rootCmd.AddCommand(loadCmd())
	rootCmd.AddCommand(loadAllCmd())
	rootCmd.AddCommand(hasCmd())
	rootCmd.AddCommand(compactCmd())
	rootCmd.AddCommand(grantCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(typesCmd())
}

// --- keygen ---

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate the identity key",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := generateIdentity(cfg.KeyFile)
			if err != nil {
				printError(err.Error())
				return err
			}
			if err := saveConfig(); err != nil {
				return err
			}
			pub := priv.Public().(ed25519.PublicKey)
			printResult(map[string]any{
				"identity": hex.EncodeToString(pub),
				"key_file": cfg.KeyFile,
			})
			return nil
		},
	}
}

// --- passport ---

func passportCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "passport", Short: "Passport registry commands"}

	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint a passport for this identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			country, _ := cmd.Flags().GetString("country")
			analytics, _ := cmd.Flags().GetBool("analytics")

			b, err := newBundle()
			if err != nil {
				return err
			}
			p, err := b.node.CreatePassport(cmd.Context(), country, analytics)
			if err != nil {
				printError(err.Error())
				return err
			}
			printResult(passportMap(p))
			return nil
		},
	}
	mint.Flags().String("country", "", "ISO country code")
	mint.Flags().Bool("analytics", false, "Opt in to anonymized analytics")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show this identity's passport",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBundle()
			if err != nil {
				return err
			}
			p, err := b.node.Lookup(cmd.Context())
			if err != nil {
				printError(err.Error())
				return err
			}
			printResult(passportMap(p))
			return nil
		},
	}

	analytics := &cobra.Command{
		Use:   "analytics <on|off>",
		Short: "Set the anonymized-analytics consent flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			optIn := args[0] == "on"
			b, err := newBundle()
			if err != nil {
				return err
			}
			p, err := b.node.Lookup(cmd.Context())
			if err != nil {
				return err
			}
			if err := b.node.SetAnalyticsOptIn(cmd.Context(), p.ID, optIn); err != nil {
				printError(err.Error())
				return err
			}
			printSuccess(fmt.Sprintf("analytics opt-in set to %v", optIn))
			return nil
		},
	}

	cmd.AddCommand(mint, show, analytics)
	return cmd
}

// --- save / load ---

func saveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "save <data_type>",
		Short: "Encrypt and store a health record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataArg, _ := cmd.Flags().GetString("data")
			file, _ := cmd.Flags().GetString("file")
			modeArg, _ := cmd.Flags().GetString("mode")

			payload, err := readPayload(dataArg, file)
			if err != nil {
				printError(err.Error())
				return err
			}

			b, err := newBundle()
			if err != nil {
				return err
			}
			p, err := b.node.Lookup(cmd.Context())
			if err != nil {
				printError(err.Error())
				return err
			}

			res, err := b.orc.Save(cmd.Context(), p, args[0], payload, models.WriteMode(modeArg))
			if err != nil {
				printError(err.Error())
				return err
			}
			defer zeroBytes(res.BackupKey)

			printResult(map[string]any{
				"blob_ref": res.BlobRef,
				"mode":     string(res.Mode),
				"version":  res.Version,
			})
			return nil
		},
	}
	cmd.Flags().String("data", "", "Record payload (JSON string)")
	cmd.Flags().String("file", "", "Read the record payload from a file ('-' for stdin)")
	cmd.Flags().String("mode", "", "Write mode: append or replace (default per data type)")
	return cmd
}

func loadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <data_type>",
		Short: "Load and decrypt all records of one data type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBundle()
			if err != nil {
				return err
			}
			p, err := b.node.Lookup(cmd.Context())
			if err != nil {
				printError(err.Error())
				return err
			}

			records, err := b.orc.Load(cmd.Context(), p, args[0])
			if err != nil {
				printError(err.Error())
				return err
			}
			printRecords(args[0], records)
			return nil
		},
	}
}

func loadAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "loadall [data_types...]",
		Short: "Load every data type (or the listed ones), tolerating per-type failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			types := args
			if len(types) == 0 {
				types = datatype.All()
			}

			b, err := newBundle()
			if err != nil {
				return err
			}
			p, err := b.node.Lookup(cmd.Context())
			if err != nil {
				printError(err.Error())
				return err
			}

			results, loadErr := b.orc.LoadAll(cmd.Context(), p, types)
			for _, dt := range types {
				if res, ok := results[dt]; ok {
					printRecords(dt, res.Records)
				}
			}
			if loadErr != nil {
				printError(loadErr.Error())
				return loadErr
			}
			return nil
		},
	}
}

func hasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "has <data_type>",
		Short: "Check whether any record exists for a data type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBundle()
			if err != nil {
				return err
			}
			p, err := b.node.Lookup(cmd.Context())
			if err != nil {
				printError(err.Error())
				return err
			}
			ok, err := b.orc.Has(cmd.Context(), p, args[0])
			if err != nil {
				printError(err.Error())
				return err
			}
			printResult(map[string]any{"data_type": args[0], "has": ok})
			return nil
		},
	}
}

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact <data_type>",
		Short: "Fold a flat append history into an encrypted descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBundle()
			if err != nil {
				return err
			}
			p, err := b.node.Lookup(cmd.Context())
			if err != nil {
				printError(err.Error())
				return err
			}
			if err := b.orc.Compact(cmd.Context(), p, args[0]); err != nil {
				printError(err.Error())
				return err
			}
			printSuccess("compacted " + args[0])
			return nil
		},
	}
}

// --- grants ---

func grantCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "grant", Short: "Manage data type grants"}

	add := &cobra.Command{
		Use:   "add <data_type> <grantee_identity>",
		Short: "Allow an identity to decrypt one data type",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPassport(cmd.Context(), func(ctx context.Context, b *clientBundle, p *models.Passport) error {
				if err := b.node.Grant(ctx, p.ID, args[0], args[1]); err != nil {
					return err
				}
				printSuccess("granted " + args[0] + " to " + shortIdentity(args[1]))
				return nil
			})
		},
	}

	remove := &cobra.Command{
		Use:   "remove <data_type> <grantee_identity>",
		Short: "Revoke a grant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPassport(cmd.Context(), func(ctx context.Context, b *clientBundle, p *models.Passport) error {
				if err := b.node.Revoke(ctx, p.ID, args[0], args[1]); err != nil {
					return err
				}
				printSuccess("revoked " + args[0] + " from " + shortIdentity(args[1]))
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List active grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPassport(cmd.Context(), func(ctx context.Context, b *clientBundle, p *models.Passport) error {
				grants, err := b.node.ListGrants(ctx, p.ID)
				if err != nil {
					return err
				}
				out := make(map[string]any, len(grants))
				for _, g := range grants {
					out[g.DataType+" -> "+shortIdentity(g.GranteeIdentity)] = g.CreatedAt.Format("2006-01-02 15:04")
				}
				if len(out) == 0 {
					printSuccess("no grants")
					return nil
				}
				printResult(out)
				return nil
			})
		},
	}

	cmd.AddCommand(add, remove, list)
	return cmd
}

// --- audit / types ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent node audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("path")
			limit, _ := cmd.Flags().GetInt("limit")

			b, err := newBundle()
			if err != nil {
				return err
			}
			entries, err := b.node.AuditLog(cmd.Context(), path, limit)
			if err != nil {
				printError(err.Error())
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s  %-6s %-40s %d  %s\n",
					e.Timestamp.Format("2006-01-02 15:04:05"),
					e.Operation, e.Path, e.ResponseCode, shortIdentity(e.CallerIdentity))
			}
			return nil
		},
	}
	cmd.Flags().String("path", "", "Filter by path prefix")
	cmd.Flags().Int("limit", 50, "Maximum entries")
	return cmd
}

func typesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List recognized data types and their default write modes",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := map[string]any{}
			for _, dt := range datatype.All() {
				mode, _ := datatype.DefaultMode(dt)
				out[dt] = string(mode)
			}
			printResult(out)
			return nil
		},
	}
}

// --- helpers ---

func withPassport(ctx context.Context, fn func(context.Context, *clientBundle, *models.Passport) error) error {
	b, err := newBundle()
	if err != nil {
		return err
	}
	p, err := b.node.Lookup(ctx)
	if err != nil {
		printError(err.Error())
		return err
	}
	if err := fn(ctx, b, p); err != nil {
		printError(err.Error())
		return err
	}
	return nil
}

func readPayload(dataArg, file string) ([]byte, error) {
	switch {
	case dataArg != "" && file != "":
		return nil, fmt.Errorf("use either --data or --file, not both")
	case dataArg != "":
		return []byte(dataArg), nil
	case file == "-":
		return io.ReadAll(os.Stdin)
	case file != "":
		return os.ReadFile(file)
	default:
		return nil, fmt.Errorf("a record payload is required (--data or --file)")
	}
}

func printRecords(dataType string, records [][]byte) {
	if len(records) == 0 {
		printSuccess(dataType + ": no records")
		return
	}
	for i, rec := range records {
		if outputFormat == "json" {
			var v any
			if json.Unmarshal(rec, &v) == nil {
				out, _ := json.MarshalIndent(map[string]any{"data_type": dataType, "index": i, "record": v}, "", "  ")
				fmt.Println(string(out))
				continue
			}
		}
		fmt.Printf("%s[%d]: %s\n", dataType, i, rec)
	}
}

func passportMap(p *models.Passport) map[string]any {
	return map[string]any{
		"id":               p.ID,
		"owner_identity":   shortIdentity(p.OwnerIdentity),
		"country_code":     p.CountryCode,
		"analytics_opt_in": p.AnalyticsOptIn,
		"created_at":       p.CreatedAt.Format("2006-01-02 15:04:05"),
	}
}

func shortIdentity(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
