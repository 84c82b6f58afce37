package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vruksha-store/storefront/internal/cart"
	"github.com/vruksha-store/storefront/internal/cartsync"
	"github.com/vruksha-store/storefront/internal/checkout"
	"github.com/vruksha-store/storefront/internal/domain"
	"github.com/vruksha-store/storefront/internal/notify"
	"github.com/vruksha-store/storefront/internal/platform/config"
	"github.com/vruksha-store/storefront/internal/platform/localstore"
	"github.com/vruksha-store/storefront/internal/platform/observability"
	"github.com/vruksha-store/storefront/internal/remote"
	"github.com/vruksha-store/storefront/internal/session"
)

const usage = `usage: storefront <command> [flags]

commands:
  cart list                       print the local cart
  cart add                        add an item (-id, -name, -price, -variant, -size, -qty, -image)
  cart remove                     remove a line (-id, -variant, -size)
  cart qty                        set a line quantity (-id, -variant, -size, -qty)
  login                           sign in (-email, -password)
  logout                          sign out and empty the local cart
  whoami                          print the current session
  checkout                        place an order (-name, -email, -phone, -address, -city, -pincode, -method)
  orders                          list your orders
  wishlist list|add|remove        manage the wishlist (-id, -name, -price)
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("storefront")
	ctx = observability.WithLogger(ctx, logger)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise", zap.Error(err))
	}
	defer app.close()

	if err := app.run(ctx, os.Args[1], os.Args[2:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "storefront: %v\n", err)
		os.Exit(1)
	}
}

// app holds the wired core components for the lifetime of one command.
type app struct {
	logger       *zap.Logger
	store        *localstore.Store
	engine       *cart.Engine
	syncer       *cartsync.Syncer
	session      *session.Manager
	orchestrator *checkout.Orchestrator
	client       *remote.Client
	bus          *notify.Bus
	unsubscribe  func()
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	events := observability.EventLogger(logger)

	store, err := localstore.Open(cfg.Storage.Dir, localstore.Options{
		Logger:        logger.Named("localstore"),
		WatchExternal: cfg.Storage.WatchExternal,
	})
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	client, err := remote.NewClient(cfg.Remote.BaseURL, &http.Client{Timeout: cfg.Remote.RequestTimeout})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("remote client: %w", err)
	}

	bus := notify.NewBus()
	unsubscribe := bus.Subscribe(func(t notify.Toast) {
		fmt.Printf("[%s] %s\n", t.Level, t.Message)
	})

	engine, err := cart.NewEngine(cart.EngineDeps{Store: store, Logger: events})
	if err != nil {
		store.Close()
		return nil, err
	}

	mgr, err := session.NewManager(session.Deps{
		Store:    store,
		Remote:   client,
		Cart:     engine,
		Notifier: bus,
		Logger:   events,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	syncer, err := cartsync.NewSyncer(cartsync.Deps{
		Remote:          client,
		Local:           engine,
		Tokens:          mgr,
		Notifier:        bus,
		Logger:          events,
		PushMaxElapsed:  cfg.Sync.PushMaxElapsed,
		PushMaxInterval: cfg.Sync.PushMaxInterval,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	engine.SetPusher(syncer)

	orchestrator, err := checkout.NewOrchestrator(checkout.Deps{
		Remote:                client,
		Cart:                  engine,
		Session:               mgr,
		Store:                 store,
		Notifier:              bus,
		Logger:                events,
		PollInterval:          cfg.Checkout.PollInterval,
		Countdown:             cfg.Checkout.Countdown,
		FreeShippingThreshold: cfg.Checkout.FreeShippingThreshold,
		ShippingSurcharge:     cfg.Checkout.ShippingSurcharge,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	if err := mgr.Init(ctx); err != nil {
		logger.Warn("session refresh unreachable, using cached profile", zap.Error(err))
	}
	if err := orchestrator.Resume(ctx); err != nil {
		logger.Warn("pending payment left for next start", zap.Error(err))
	}

	return &app{
		logger:       logger,
		store:        store,
		engine:       engine,
		syncer:       syncer,
		session:      mgr,
		orchestrator: orchestrator,
		client:       client,
		bus:          bus,
		unsubscribe:  unsubscribe,
	}, nil
}

func (a *app) close() {
	a.orchestrator.Close()
	a.unsubscribe()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close error", zap.Error(err))
	}
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "cart":
		return a.runCart(ctx, args)
	case "login":
		return a.runLogin(ctx, args)
	case "logout":
		a.session.Logout(ctx)
		fmt.Println("signed out")
		return nil
	case "whoami":
		return a.runWhoami()
	case "checkout":
		return a.runCheckout(ctx, args)
	case "orders":
		return a.runOrders(ctx)
	case "wishlist":
		return a.runWishlist(ctx, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *app) runCart(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("cart: subcommand required (list|add|remove|qty)")
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("cart "+sub, flag.ContinueOnError)
	id := fs.Int64("id", 0, "product id")
	variant := fs.Int64("variant", 0, "variant id")
	size := fs.String("size", "", "size")
	qty := fs.Int("qty", 1, "quantity")
	name := fs.String("name", "", "product name")
	price := fs.Float64("price", 0, "unit price")
	image := fs.String("image", "", "image url")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	switch sub {
	case "list":
		return a.printCart()
	case "add":
		if *id == 0 || *name == "" {
			return errors.New("cart add: -id and -name are required")
		}
		_, err := a.engine.Add(ctx, domain.LineItem{
			ProductID: *id,
			VariantID: *variant,
			Size:      *size,
			Name:      *name,
			UnitPrice: *price,
			ImageURL:  *image,
			Quantity:  *qty,
		})
		if err != nil {
			return err
		}
		return a.printCart()
	case "remove":
		if *id == 0 {
			return errors.New("cart remove: -id is required")
		}
		_, err := a.engine.Remove(ctx, domain.LineKey{ProductID: *id, VariantID: *variant, Size: domain.CanonicalSize(*size)})
		if err != nil {
			return err
		}
		return a.printCart()
	case "qty":
		if *id == 0 {
			return errors.New("cart qty: -id is required")
		}
		_, err := a.engine.SetQuantity(ctx, domain.LineKey{ProductID: *id, VariantID: *variant, Size: domain.CanonicalSize(*size)}, *qty)
		if err != nil {
			return err
		}
		return a.printCart()
	default:
		return fmt.Errorf("cart: unknown subcommand %q", sub)
	}
}

func (a *app) printCart() error {
	items := a.engine.Items()
	if len(items) == 0 {
		fmt.Println("cart is empty")
		return nil
	}
	for _, item := range items {
		line := fmt.Sprintf("#%d %s", item.ProductID, item.Name)
		if item.Size != "" {
			line += " (" + item.Size + ")"
		}
		fmt.Printf("%-40s x%d  ₹%.2f\n", line, item.Quantity, item.UnitPrice*float64(item.Quantity))
	}
	fmt.Printf("%d items, total ₹%.2f\n", a.engine.Count(), a.engine.Total())
	return nil
}

func (a *app) runLogin(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *password == "" {
		return errors.New("login: -email and -password are required")
	}

	user, err := a.session.Login(ctx, *email, *password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	fmt.Printf("signed in as %s <%s>\n", user.Name, user.Email)

	// Give the background cart merge a moment so the next command sees it.
	time.Sleep(500 * time.Millisecond)
	return nil
}

func (a *app) runWhoami() error {
	user, ok := a.session.Current()
	if !ok {
		fmt.Println("not signed in")
		return nil
	}
	role := "customer"
	if a.session.IsAdmin() {
		role = "admin"
	}
	fmt.Printf("%s <%s> (%s)\n", user.Name, user.Email, role)
	return nil
}

func (a *app) runCheckout(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("checkout", flag.ContinueOnError)
	name := fs.String("name", "", "customer name")
	email := fs.String("email", "", "contact email")
	phone := fs.String("phone", "", "contact phone")
	address := fs.String("address", "", "shipping address")
	city := fs.String("city", "", "city")
	pincode := fs.String("pincode", "", "pincode")
	method := fs.String("method", checkout.PaymentMethodUPI, "payment method (upi|cash)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" || *email == "" || *address == "" {
		return errors.New("checkout: -name, -email and -address are required")
	}

	snap, err := a.orchestrator.Submit(ctx, checkout.Form{
		CustomerName:  *name,
		Email:         *email,
		Phone:         *phone,
		Address:       *address,
		City:          *city,
		Pincode:       *pincode,
		PaymentMethod: strings.ToLower(*method),
	})
	if err != nil {
		return err
	}
	if snap.State != checkout.StateWaiting {
		return nil
	}

	fmt.Printf("scan to pay ₹%.2f: %s\n", snap.Total, snap.QRImageURL)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.orchestrator.Cancel(context.Background())
			return nil
		case <-ticker.C:
			snap = a.orchestrator.Snapshot()
			if snap.State.IsTerminal() {
				if snap.State == checkout.StatePaid && snap.OrderID != 0 {
					fmt.Printf("order #%d placed\n", snap.OrderID)
				}
				return nil
			}
			fmt.Printf("\rwaiting for payment… %3ds", snap.RemainingSeconds)
		}
	}
}

func (a *app) runOrders(ctx context.Context) error {
	token := a.session.Token()
	if token == "" {
		return errors.New("orders: sign in first")
	}
	orders, err := a.client.ListOrders(ctx, token)
	if err != nil {
		return fmt.Errorf("orders: %w", err)
	}
	if len(orders) == 0 {
		fmt.Println("no orders yet")
		return nil
	}
	for _, order := range orders {
		when := ""
		if order.CreatedAt != nil {
			when = order.CreatedAt.Format("2006-01-02")
		}
		fmt.Printf("#%-6d %-10s ₹%.2f  %s\n", order.ID, order.Status, order.TotalAmount, when)
	}
	return nil
}

func (a *app) runWishlist(ctx context.Context, args []string) error {
	token := a.session.Token()
	if token == "" {
		return errors.New("wishlist: sign in first")
	}
	if len(args) == 0 {
		return errors.New("wishlist: subcommand required (list|add|remove)")
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("wishlist "+sub, flag.ContinueOnError)
	id := fs.Int64("id", 0, "product id")
	name := fs.String("name", "", "product name")
	price := fs.Float64("price", 0, "unit price")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	switch sub {
	case "list":
		items, err := a.client.Wishlist(ctx, token)
		if err != nil {
			return fmt.Errorf("wishlist: %w", err)
		}
		if len(items) == 0 {
			fmt.Println("wishlist is empty")
			return nil
		}
		for _, item := range items {
			fmt.Printf("#%-6d %-30s ₹%.2f\n", item.ProductID, item.Name, item.UnitPrice)
		}
		return nil
	case "add":
		if *id == 0 || *name == "" {
			return errors.New("wishlist add: -id and -name are required")
		}
		if err := a.client.AddWishlist(ctx, domain.WishlistItem{ProductID: *id, Name: *name, UnitPrice: *price}, token); err != nil {
			a.bus.Publish(notify.Toast{Message: "Could not update wishlist", Level: notify.LevelError})
			return fmt.Errorf("wishlist: %w", err)
		}
		fmt.Println("added")
		return nil
	case "remove":
		if *id == 0 {
			return errors.New("wishlist remove: -id is required")
		}
		if err := a.client.RemoveWishlist(ctx, *id, token); err != nil {
			a.bus.Publish(notify.Toast{Message: "Could not update wishlist", Level: notify.LevelError})
			return fmt.Errorf("wishlist: %w", err)
		}
		fmt.Println("removed")
		return nil
	default:
		return fmt.Errorf("wishlist: unknown subcommand %q", sub)
	}
}
