package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"httptrading/internal/broker"
	"httptrading/internal/config"
	"httptrading/internal/domain"
	"httptrading/internal/registry"
	"httptrading/internal/store"
	"httptrading/pkg/httptrading"
)

// Set by ldflags at build time
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// clientFlags address one instance of a running gateway.
type clientFlags struct {
	url      string
	instance string
	token    string
	timeout  time.Duration
}

func (f *clientFlags) client() (*httptrading.Client, error) {
	if f.instance == "" || f.token == "" {
		return nil, fmt.Errorf("--instance and --token (or HTTPTRADING_INSTANCE/HTTPTRADING_TOKEN) are required")
	}
	return httptrading.NewClient(f.url, f.instance, f.token), nil
}

func (f *clientFlags) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), f.timeout)
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "httptrading-cli",
		Short:        "Operate and query an httptrading gateway",
		SilenceUsage: true,
	}
	root.AddCommand(newVersionCmd(), newKeygenCmd(), newCheckCmd(), newBrokersCmd(), newFixtureCmd(), newTokenCmd())

	f := &clientFlags{}
	pf := root.PersistentFlags()
	pf.StringVar(&f.url, "url", envOr("HTTPTRADING_URL", "http://127.0.0.1:8080"), "gateway base URL")
	pf.StringVar(&f.instance, "instance", os.Getenv("HTTPTRADING_INSTANCE"), "instance id")
	pf.StringVar(&f.token, "token", os.Getenv("HTTPTRADING_TOKEN"), "instance token")
	pf.DurationVar(&f.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		newPingCmd(f), newCashCmd(f), newPositionsCmd(f), newQuoteCmd(f),
		newMarketCmd(f), newPlaceCmd(f), newOrderCmd(f), newCancelCmd(f),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "httptrading-cli %s (built %s)\n", Version, BuildTime)
		},
	}
}

func newKeygenCmd() *cobra.Command {
	var tokens int
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an instance id and tokens for the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tokens < 1 {
				return fmt.Errorf("--tokens must be at least 1")
			}
			id, err := registry.NewID()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id: %s\ntokens:\n", id)
			for range tokens {
				tok, err := registry.NewToken()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "  - %s\n", tok)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&tokens, "tokens", 1, "number of tokens to generate")
	return cmd
}

func newCheckCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a gateway config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				path = config.Path()
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok, %d instance(s)\n", path, len(cfg.Instances))
			for _, inst := range cfg.Instances {
				fmt.Fprintf(out, "  %s  %-10s %d token(s)\n", inst.ID, inst.Broker, len(inst.Tokens))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "config", "", "config file (default $HTTPTRADING_CONFIG or "+config.DefaultPath+")")
	return cmd
}

func newBrokersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "brokers",
		Short: "List the broker adapters compiled in",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range broker.Names() {
				meta, _ := broker.Lookup(name)
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n", name, meta.Display)
			}
		},
	}
}

func newFixtureCmd() *cobra.Command {
	var (
		out    string
		quotes []string
	)
	cmd := &cobra.Command{
		Use:     "fixture",
		Short:   "Write a Parquet quote fixture for the simulator's quotes_path",
		Example: "  httptrading-cli fixture --out quotes.parquet --quote US:AAPL=201.35 --quote HK:00700=388.2,384",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			book := store.NewQuoteBook()
			now := time.Now().UTC()
			for _, spec := range quotes {
				q, err := parseFixtureQuote(spec, now)
				if err != nil {
					return err
				}
				book.Put(q)
			}
			if err := book.Save(out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d quote(s) to %s\n", book.Len(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "quotes.parquet", "output file")
	cmd.Flags().StringArrayVar(&quotes, "quote", nil, "REGION:TICKER=LATEST[,PRE_CLOSE], repeatable")
	cmd.MarkFlagRequired("quote")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		file, session, expiry string
	)
	cmd := &cobra.Command{
		Use:     "token",
		Short:   "Rotate a Longbridge session token file",
		Long:    "Rewrites the token_file of a longbridge instance. A running gateway reloads it without a restart.",
		Example: "  httptrading-cli token --file /etc/httptrading/lb-token.toml --session $LB_TOKEN --expiry 2026-12-01T00:00:00Z",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var exp time.Time
			if expiry != "" {
				var err error
				if exp, err = time.Parse(time.RFC3339, expiry); err != nil {
					return fmt.Errorf("--expiry: %w", err)
				}
				if !exp.After(time.Now()) {
					return fmt.Errorf("--expiry %s is in the past", expiry)
				}
			}
			if err := broker.WriteTokenFile(file, session, exp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote session token to %s\n", file)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "token file to rewrite")
	cmd.Flags().StringVar(&session, "session", "", "new session token")
	cmd.Flags().StringVar(&expiry, "expiry", "", "token expiry, RFC 3339")
	cmd.MarkFlagRequired("file")
	cmd.MarkFlagRequired("session")
	return cmd
}

// parseFixtureQuote parses REGION:TICKER=LATEST[,PRE_CLOSE].
func parseFixtureQuote(spec string, at time.Time) (domain.Quote, error) {
	key, prices, ok := strings.Cut(spec, "=")
	region, ticker, ok2 := strings.Cut(key, ":")
	if !ok || !ok2 {
		return domain.Quote{}, fmt.Errorf("bad --quote %q, want REGION:TICKER=LATEST[,PRE_CLOSE]", spec)
	}
	c, err := domain.ParseContract(string(domain.TradeTypeSecurities), strings.ToUpper(ticker), region)
	if err != nil {
		return domain.Quote{}, err
	}
	currency, err := c.Region.Currency()
	if err != nil {
		return domain.Quote{}, err
	}
	latestStr, preStr, hasPre := strings.Cut(prices, ",")
	latest, err := decimal.NewFromString(latestStr)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("bad price in --quote %q: %w", spec, err)
	}
	pre := latest
	if hasPre {
		if pre, err = decimal.NewFromString(preStr); err != nil {
			return domain.Quote{}, fmt.Errorf("bad pre-close in --quote %q: %w", spec, err)
		}
	}
	return domain.Quote{
		Contract:   c,
		Currency:   currency,
		IsTradable: true,
		Latest:     latest,
		PreClose:   pre,
		Time:       at,
	}, nil
}

// ---------------------------------------------------------------------------
// Client commands
// ---------------------------------------------------------------------------

// clientCmd builds a command that calls the gateway and prints the result.
func clientCmd(f *clientFlags, use, short string, call func(context.Context, *httptrading.Client) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := f.client()
			if err != nil {
				return err
			}
			ctx, cancel := f.context()
			defer cancel()
			v, err := call(ctx, c)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
}

func newPingCmd(f *clientFlags) *cobra.Command {
	return clientCmd(f, "ping", "Check the instance's broker connection", func(ctx context.Context, c *httptrading.Client) (any, error) {
		pong, err := c.Ping(ctx)
		return map[string]bool{"pong": pong}, err
	})
}

func newCashCmd(f *clientFlags) *cobra.Command {
	return clientCmd(f, "cash", "Show available cash", func(ctx context.Context, c *httptrading.Client) (any, error) {
		return c.Cash(ctx)
	})
}

func newPositionsCmd(f *clientFlags) *cobra.Command {
	return clientCmd(f, "positions", "List positions", func(ctx context.Context, c *httptrading.Client) (any, error) {
		return c.Positions(ctx)
	})
}

func newMarketCmd(f *clientFlags) *cobra.Command {
	return clientCmd(f, "market", "Show market session states", func(ctx context.Context, c *httptrading.Client) (any, error) {
		return c.MarketStatus(ctx)
	})
}

// contractFlags binds --trade-type, --ticker and --region.
func contractFlags(cmd *cobra.Command, tradeType, ticker, region *string) {
	cmd.Flags().StringVar(tradeType, "trade-type", string(domain.TradeTypeSecurities), "Securities or Cryptocurrencies")
	cmd.Flags().StringVar(ticker, "ticker", "", "ticker symbol")
	cmd.Flags().StringVar(region, "region", string(domain.RegionUS), "US, HK, CN or SG")
	cmd.MarkFlagRequired("ticker")
}

func newQuoteCmd(f *clientFlags) *cobra.Command {
	var tradeType, ticker, region string
	cmd := clientCmd(f, "quote", "Fetch a quote", func(ctx context.Context, c *httptrading.Client) (any, error) {
		contract, err := domain.ParseContract(tradeType, strings.ToUpper(ticker), region)
		if err != nil {
			return nil, err
		}
		return c.Quote(ctx, contract)
	})
	contractFlags(cmd, &tradeType, &ticker, &region)
	return cmd
}

func newPlaceCmd(f *clientFlags) *cobra.Command {
	var (
		tradeType, ticker, region            string
		price                                string
		qty                                  int64
		orderType, tif, lifecycle, direction string
	)
	cmd := clientCmd(f, "place", "Place an order", func(ctx context.Context, c *httptrading.Client) (any, error) {
		req := httptrading.PlaceOrderRequest{
			TradeType:   domain.TradeType(tradeType),
			Ticker:      strings.ToUpper(ticker),
			Region:      domain.Region(region),
			Qty:         qty,
			OrderType:   domain.OrderType(orderType),
			TimeInForce: domain.TimeInForce(tif),
			Lifecycle:   domain.Lifecycle(lifecycle),
			Direction:   domain.Direction(strings.ToUpper(direction)),
		}
		if price != "" {
			p, err := decimal.NewFromString(price)
			if err != nil {
				return nil, fmt.Errorf("--price: %w", err)
			}
			req.Price = &p
		}
		id, err := c.PlaceOrder(ctx, req)
		return map[string]string{"orderId": id}, err
	})
	contractFlags(cmd, &tradeType, &ticker, &region)
	cmd.Flags().StringVar(&price, "price", "", "limit price, omit for Market orders")
	cmd.Flags().Int64Var(&qty, "qty", 0, "quantity")
	cmd.Flags().StringVar(&orderType, "type", string(domain.OrderTypeLimit), "Limit or Market")
	cmd.Flags().StringVar(&tif, "tif", string(domain.TimeInForceDay), "DAY or GTC")
	cmd.Flags().StringVar(&lifecycle, "lifecycle", string(domain.LifecycleRTH), "RTH, ETH or OVERNIGHT")
	cmd.Flags().StringVar(&direction, "direction", "", "BUY or SELL")
	cmd.MarkFlagRequired("qty")
	cmd.MarkFlagRequired("direction")
	return cmd
}

func newOrderCmd(f *clientFlags) *cobra.Command {
	var id string
	cmd := clientCmd(f, "order", "Show an order", func(ctx context.Context, c *httptrading.Client) (any, error) {
		return c.Order(ctx, id)
	})
	cmd.Flags().StringVar(&id, "id", "", "order id")
	cmd.MarkFlagRequired("id")
	return cmd
}

func newCancelCmd(f *clientFlags) *cobra.Command {
	var id string
	cmd := clientCmd(f, "cancel", "Cancel an order", func(ctx context.Context, c *httptrading.Client) (any, error) {
		if err := c.CancelOrder(ctx, id); err != nil {
			return nil, err
		}
		return map[string]bool{"canceled": true}, nil
	})
	cmd.Flags().StringVar(&id, "id", "", "order id")
	cmd.MarkFlagRequired("id")
	return cmd
}
