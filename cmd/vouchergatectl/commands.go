package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"vouchergate/cmd/internal/passphrase"
	"vouchergate/gateway/auth"
	"vouchergate/gateway/config"
	"vouchergate/observability"
	"vouchergate/storage"
)

func routerSecret() (string, error) {
	return passphrase.NewSource(routerSecretEnv, "router secret").Get()
}

type storeFlags struct {
	config string
	dsn    string
}

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

func (f *storeFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.config, "config", "", "vouchergated configuration file")
	fs.StringVar(&f.dsn, "dsn", "", "database DSN (overrides -config)")
}

func (f *storeFlags) open() (*storage.Store, error) {
	dsn := strings.TrimSpace(f.dsn)
	if dsn == "" {
		cfg, err := config.Load(f.config)
		if err != nil {
			return nil, err
		}
		dsn = cfg.Database.DSN
	}
	return storage.Open(dsn)
}

func runAddRouter(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("add-router", out)
	var sf storeFlags
	sf.register(fs)
	id := fs.String("id", "", "router identifier")
	name := fs.String("name", "", "display name")
	owner := fs.String("owner", "", "owning operator")
	generate := fs.Bool("generate-secret", false, "generate a random secret and print it once")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*owner) == "" {
		return errors.New("-owner is required")
	}

	var secret string
	if *generate {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
	} else {
		value, err := routerSecret()
		if err != nil {
			return err
		}
		secret = value
	}

	store, err := sf.open()
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.CreateRouter(ctx, storage.Router{
		ID:      *id,
		Name:    *name,
		Owner:   *owner,
		Secret:  secret,
		Enabled: true,
	}); err != nil {
		return err
	}
	fmt.Fprintf(out, "router %s registered\n", strings.TrimSpace(*id))
	if *generate {
		fmt.Fprintf(out, "secret: %s\n", secret)
	}
	return nil
}

func runSetRouter(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("set-router", out)
	var sf storeFlags
	sf.register(fs)
	id := fs.String("id", "", "router identifier")
	enabled := fs.Bool("enabled", true, "whether the router may authenticate clients")
	if err := fs.Parse(args); err != nil {
		return err
	}
	store, err := sf.open()
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.SetRouterEnabled(ctx, *id, *enabled); err != nil {
		return err
	}
	state := "disabled"
	if *enabled {
		state = "enabled"
	}
	fmt.Fprintf(out, "router %s %s\n", *id, state)
	return nil
}

func runListRouters(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("routers", out)
	var sf storeFlags
	sf.register(fs)
	owner := fs.String("owner", "", "filter by owner")
	if err := fs.Parse(args); err != nil {
		return err
	}
	store, err := sf.open()
	if err != nil {
		return err
	}
	defer store.Close()
	routers, err := store.ListRouters(ctx, *owner)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tOWNER\tENABLED")
	for _, r := range routers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", r.ID, r.Name, r.Owner, r.Enabled)
	}
	return tw.Flush()
}

func runAddProfile(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("add-profile", out)
	var sf storeFlags
	sf.register(fs)
	name := fs.String("name", "", "profile name")
	seconds := fs.Int64("seconds", 0, "session length in seconds")
	up := fs.Int64("up", 0, "upload allowance in bytes (0 = unlimited)")
	down := fs.Int64("down", 0, "download allowance in bytes (0 = unlimited)")
	expiry := fs.Int("expiry-days", 0, "days until unused vouchers expire (0 = never)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	store, err := sf.open()
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.CreateProfile(ctx, storage.Profile{
		Name:       *name,
		Seconds:    *seconds,
		UpBytes:    *up,
		DownBytes:  *down,
		ExpiryDays: *expiry,
	}); err != nil {
		return err
	}
	fmt.Fprintf(out, "profile %s saved\n", *name)
	return nil
}

func runGenerate(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("generate", out)
	var sf storeFlags
	sf.register(fs)
	owner := fs.String("owner", "", "owning operator")
	profile := fs.String("profile", "", "profile name")
	router := fs.String("router", storage.AnyRouter, "router scope ('*' for any of the owner's routers)")
	count := fs.Int("count", 1, "number of vouchers")
	length := fs.Int("length", 0, "code length (default 8)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	store, err := sf.open()
	if err != nil {
		return err
	}
	defer store.Close()
	vouchers, err := store.GenerateVouchers(ctx, storage.BatchRequest{
		Owner:       *owner,
		RouterScope: *router,
		Profile:     *profile,
		Quantity:    *count,
		CodeLength:  *length,
	})
	if err != nil {
		return err
	}
	for _, v := range vouchers {
		fmt.Fprintln(out, v.Code)
	}
	return nil
}

func runShow(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("show", out)
	var sf storeFlags
	sf.register(fs)
	code := fs.String("code", "", "voucher code")
	if err := fs.Parse(args); err != nil {
		return err
	}
	store, err := sf.open()
	if err != nil {
		return err
	}
	defer store.Close()
	v, err := store.GetVoucher(ctx, *code)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runRevoke(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("revoke", out)
	var sf storeFlags
	sf.register(fs)
	code := fs.String("code", "", "voucher code")
	if err := fs.Parse(args); err != nil {
		return err
	}
	store, err := sf.open()
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.RevokeVoucher(ctx, *code); err != nil {
		return err
	}
	fmt.Fprintf(out, "voucher %s revoked\n", *code)
	return nil
}

func runEvents(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("events", out)
	var sf storeFlags
	sf.register(fs)
	router := fs.String("router", "", "filter by router")
	limit := fs.Int("limit", 50, "maximum events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	store, err := sf.open()
	if err != nil {
		return err
	}
	defer store.Close()
	events, err := store.RecentEvents(ctx, *router, *limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tROUTER\tMAC\tVOUCHER\tALLOWED\tREASON")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n",
			e.OccurredAt.UTC().Format(time.RFC3339), e.RouterID, e.MAC, e.Voucher, e.Allowed, e.Reason)
	}
	return tw.Flush()
}

func runPrune(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("prune", out)
	var sf storeFlags
	sf.register(fs)
	nonceTTL := fs.Duration("nonce-ttl", auth.DefaultNonceTTL, "drop ledger nonces older than this")
	retention := fs.Duration("audit-retention", 0, "drop audit events older than this (0 = keep)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *nonceTTL <= 0 {
		return errors.New("-nonce-ttl must be positive")
	}
	store, err := sf.open()
	if err != nil {
		return err
	}
	defer store.Close()
	now := time.Now()
	if err := store.PruneNonces(ctx, now.Add(-*nonceTTL)); err != nil {
		return err
	}
	fmt.Fprintln(out, "nonce ledger pruned")
	if *retention > 0 {
		removed, err := store.PruneEvents(ctx, now.Add(-*retention))
		if err != nil {
			return err
		}
		observability.Auth().RecordPrune("auth_events", removed)
		fmt.Fprintf(out, "%d audit events pruned\n", removed)
	}
	return nil
}

// runSign prints a signed /api/auth request body, for exercising a gateway
// without router firmware.
func runSign(_ context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("sign", out)
	router := fs.String("router", "", "router identifier")
	mac := fs.String("mac", "", "client MAC address")
	code := fs.String("voucher", "", "voucher code")
	nonce := fs.String("nonce", "", "request nonce (random when empty)")
	ts := fs.Int64("ts", 0, "unix timestamp (now when zero)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	secret, err := routerSecret()
	if err != nil {
		return err
	}
	req := auth.AuthRequest{
		RouterID: *router,
		MAC:      *mac,
		Voucher:  *code,
		TS:       *ts,
		Nonce:    *nonce,
	}
	if req.TS == 0 {
		req.TS = time.Now().Unix()
	}
	if req.Nonce == "" {
		req.Nonce = uuid.NewString()
	}
	req.Sig = auth.Sign(secret, req)
	if err := req.Check(); err != nil {
		return err
	}
	return json.NewEncoder(out).Encode(req)
}
