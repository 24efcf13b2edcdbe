package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/WasteLedger/internal/identity"
	"github.com/jmerrifield20/WasteLedger/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	authToken string
	cfgFile   string
	jsonOut   bool
)

// errChainBroken makes `provctl verify` exit non-zero on a tampered chain.
var errChainBroken = errors.New("chain verification failed")

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "provctl",
	Short: "WasteLedger provenance CLI",
	Long: `provctl is the command-line interface for a WasteLedger ledgerd instance.

It lists items, drives lifecycle transitions and reads or verifies the
provenance timeline of any item.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.provctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("provctl")
		viper.AutomaticEnv()
		viper.SetDefault("auth_issuer", "wasteledger")
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if authToken == "" {
			authToken = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.provctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "ledgerd base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "user bearer token (or PROVCTL_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print raw JSON")

	rootCmd.AddCommand(chainCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(recentCmd)
	rootCmd.AddCommand(purchasesCmd)
	rootCmd.AddCommand(transitionCmd)
	rootCmd.AddCommand(createItemCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	var opts []client.Option
	if authToken != "" {
		opts = append(opts, client.WithBearerToken(authToken))
	}
	return client.New(serverURL, opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── chain ────────────────────────────────────────────────────────────────────

var chainCmd = &cobra.Command{
	Use:   "chain <subject-id>",
	Short: "Print the provenance timeline of an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		chain, err := c.GetChain(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("get chain: %w", err)
		}
		if jsonOut {
			return printJSON(chain)
		}

		if len(chain.Records) == 0 {
			fmt.Printf("no records for %s\n", args[0])
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "#\tTIME\tACTION\tACTOR\tHASH\tNARRATIVE")
		for i, r := range chain.Records {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				i, r.Timestamp.Format(time.RFC3339), r.Action, r.ActorID, shortHash(r.Hash), r.Narrative)
		}
		w.Flush()

		fmt.Println()
		if chain.IsVerified {
			fmt.Println("✓ chain verified")
		} else {
			fmt.Printf("✗ chain broken at record %d\n", *chain.BrokenAtIndex)
		}
		return nil
	},
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// ── recent ───────────────────────────────────────────────────────────────────

var recentLimit int

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Print the newest provenance records across all items",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		recs, err := c.RecentProvenance(context.Background(), recentLimit)
		if err != nil {
			return fmt.Errorf("recent provenance: %w", err)
		}
		if jsonOut {
			return printJSON(recs)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tSUBJECT\tACTION\tACTOR\tHASH")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.Timestamp.Format(time.RFC3339), r.SubjectID, r.Action, r.ActorID, shortHash(r.Hash))
		}
		return w.Flush()
	},
}

// ── purchases ────────────────────────────────────────────────────────────────

var purchasesCmd = &cobra.Command{
	Use:   "purchases",
	Short: "List the contracts bought by the token's user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		contracts, err := c.ListMyContracts(context.Background(), 0)
		if err != nil {
			return fmt.Errorf("list purchases: %w", err)
		}
		if jsonOut {
			return printJSON(contracts)
		}
		if len(contracts) == 0 {
			fmt.Println("no purchases")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CONTRACT\tITEM\tQUANTITY\tTOTAL\tSTATUS")
		for _, k := range contracts {
			fmt.Fprintf(w, "%s\t%s\t%g\t%.2f\t%s\n", k.ID, k.ItemID, k.Quantity, k.TotalPrice, k.Status)
		}
		return w.Flush()
	},
}

func init() {
	recentCmd.Flags().IntVar(&recentLimit, "limit", 50, "number of records (1-200)")
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify <subject-id> [subject-id] ...",
	Short: "Verify one or more provenance chains",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		broken := 0
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SUBJECT\tRECORDS\tRESULT")
		for _, id := range args {
			res, err := c.VerifyChain(context.Background(), id)
			if err != nil {
				fmt.Fprintf(w, "%s\t-\terror: %v\n", id, err)
				broken++
				continue
			}
			if res.Valid {
				fmt.Fprintf(w, "%s\t%d\t✓ valid\n", id, res.Length)
				continue
			}
			broken++
			fmt.Fprintf(w, "%s\t%d\t✗ broken at %d: %s\n", id, res.Length, *res.BrokenAtIndex, res.Reason)
		}
		w.Flush()

		if broken > 0 {
			return fmt.Errorf("%w: %d of %d", errChainBroken, broken, len(args))
		}
		return nil
	},
}

// ── transition ───────────────────────────────────────────────────────────────

var transitionMeta []string

var transitionCmd = &cobra.Command{
	Use:   "transition <target-id> <event>",
	Short: "Apply a lifecycle event to an item or contract",
	Long: `transition applies one lifecycle event as the holder of --token.

Events: review_submit, approve, reject, sell, confirm_payment, collect,
dispatch, deliver, recycle, remanufacture.

Contract events accept either the contract ID or the ID of its item.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		meta, err := parseMeta(transitionMeta)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}

		res, err := c.Transition(context.Background(), args[0], args[1], meta)
		if err != nil {
			var apiErr *client.APIError
			if errors.As(err, &apiErr) && len(apiErr.AllowedEvents) > 0 {
				return fmt.Errorf("%s (current status %s; allowed: %s)",
					apiErr.Message, apiErr.CurrentStatus, strings.Join(apiErr.AllowedEvents, ", "))
			}
			return fmt.Errorf("transition: %w", err)
		}
		if jsonOut {
			return printJSON(res)
		}

		fmt.Printf("✓ %s → %s\n", args[1], res.NewStatus)
		if res.Record != nil {
			fmt.Printf("  record: %s %s\n", res.Record.Action, res.Record.Hash)
		}
		if res.Contract != nil {
			fmt.Printf("  contract: %s (%g for %g)\n", res.Contract.ID, res.Contract.Quantity, res.Contract.TotalPrice)
		}
		return nil
	},
}

func init() {
	transitionCmd.Flags().StringArrayVar(&transitionMeta, "meta", nil, "metadata key=value (repeatable; numbers and booleans are typed)")
}

// parseMeta turns key=value pairs into metadata. Values that parse as
// numbers or booleans keep that type.
func parseMeta(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --meta %q: want key=value", p)
		}
		switch {
		case v == "true" || v == "false":
			out[k] = v == "true"
		default:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				out[k] = f
			} else {
				out[k] = v
			}
		}
	}
	return out, nil
}

// ── create-item ──────────────────────────────────────────────────────────────

var itemReq client.CreateItemRequest

var createItemCmd = &cobra.Command{
	Use:   "create-item",
	Short: "List a new waste item (seller token required)",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.CreateItem(context.Background(), itemReq)
		if err != nil {
			return fmt.Errorf("create item: %w", err)
		}
		if jsonOut {
			return printJSON(res)
		}
		fmt.Printf("✓ Item listed\n\n")
		fmt.Printf("  ID:      %s\n", res.Item.ID)
		fmt.Printf("  Status:  %s\n", res.Item.Status)
		fmt.Printf("  Genesis: %s\n\n", res.Record.Hash)
		fmt.Printf("Next: provctl transition %s review_submit\n", res.Item.ID)
		return nil
	},
}

func init() {
	createItemCmd.Flags().StringVar(&itemReq.Title, "title", "", "item title")
	createItemCmd.Flags().StringVar(&itemReq.Description, "description", "", "item description")
	createItemCmd.Flags().StringVar(&itemReq.Category, "category", "", "waste category (e.g. plastic, metal)")
	createItemCmd.Flags().Float64Var(&itemReq.Quantity, "quantity", 0, "quantity available")
	createItemCmd.Flags().StringVar(&itemReq.Unit, "unit", "kg", "quantity unit")
	createItemCmd.Flags().Float64Var(&itemReq.Price, "price", 0, "asking price for the whole quantity")
	createItemCmd.Flags().StringVar(&itemReq.Location, "location", "", "pickup location")

	_ = createItemCmd.MarkFlagRequired("title")
	_ = createItemCmd.MarkFlagRequired("category")
	_ = createItemCmd.MarkFlagRequired("quantity")
}

// ── reconcile ────────────────────────────────────────────────────────────────

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <item-id>",
	Short: "Realign an item's stored status with its chain (admin token required)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		changes, err := c.Reconcile(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		if len(changes) == 0 {
			fmt.Println("✓ already consistent")
			return nil
		}
		for _, ch := range changes {
			fmt.Printf("  repaired: %s\n", ch)
		}
		return nil
	},
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenSecret string
	tokenEmail  string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id> <role>",
	Short: "Mint a development user token from the server's JWT secret",
	Long: `token signs a user token locally with the same HS256 secret ledgerd uses.

Intended for development and seeding; the secret is read from --secret,
auth_jwt_secret in the config file or PROVCTL_AUTH_JWT_SECRET.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := tokenSecret
		if secret == "" {
			secret = viper.GetString("auth_jwt_secret")
		}
		if secret == "" {
			return errors.New("no JWT secret: pass --secret or set PROVCTL_AUTH_JWT_SECRET")
		}
		issuer, err := identity.NewTokenIssuer(secret, viper.GetString("auth_issuer"), tokenTTL)
		if err != nil {
			return err
		}
		email := tokenEmail
		if email == "" {
			email = args[0] + "@localhost"
		}
		tok, err := issuer.Issue(args[0], email, args[1])
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "HS256 secret shared with ledgerd")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "email claim (default <user-id>@localhost)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", identity.DefaultTokenTTL, "token lifetime")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the provctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("provctl %s (WasteLedger)\n", version)
	},
}
