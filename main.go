package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/DavidGamba/go-getoptions"
	"github.com/cyverse-de/configurate"
	"github.com/cyverse-de/go-mod/otelutils"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/cyverse-de/budget-alerts/budget"
	"github.com/cyverse-de/budget-alerts/db"
	"github.com/cyverse-de/budget-alerts/dispatch"
	"github.com/cyverse-de/budget-alerts/events"
	"github.com/cyverse-de/budget-alerts/gateway"
	"github.com/cyverse-de/budget-alerts/registry"
)

const serviceName = "budget-alerts"

// dispatchQueueSize bounds the number of notifications waiting for delivery before
// the dispatcher starts dropping them.
const dispatchQueueSize = 64

var log = logrus.WithField("service", serviceName)

// commandLineOptionValues represents the values of the command-line options that were passed on the command line when
// this service was invoked.
type commandLineOptionValues struct {
	Config string
}

func parseCommandLine() *commandLineOptionValues {
	optionValues := &commandLineOptionValues{}
	opt := getoptions.New()

	// Default option values.
	defaultConfigPath := "/etc/iplant/de/budget-alerts.yml"

	// Define the command-line options.
	opt.Bool("help", false, opt.Alias("h", "?"))
	opt.StringVar(&optionValues.Config, "config", defaultConfigPath,
		opt.Alias("c"),
		opt.Description("the path to the configuration file"))

	// Parse the command line, handling requests for help and usage errors.
	_, err := opt.Parse(os.Args[1:])
	if opt.Called("help") {
		fmt.Fprintf(os.Stderr, opt.Help())
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
		fmt.Fprintf(os.Stderr, opt.Help(getoptions.HelpSynopsis))
		os.Exit(1)
	}

	return optionValues
}

func main() {
	// Parse the command-line.
	optionValues := parseCommandLine()

	// Initialize logging.
	logrus.SetFormatter(&logrus.JSONFormatter{})

	// Initialize tracing.
	tracerCtx, cancelTracer := context.WithCancel(context.Background())
	defer cancelTracer()
	shutdown := otelutils.TracerProviderFromEnv(tracerCtx, serviceName, func(err error) { log.Fatal(err) })
	defer shutdown()

	// Read in the configuration file.
	cfg, err := configurate.Init(optionValues.Config)
	if err != nil {
		log.Fatal(err)
	}

	// Retrieve the AMQP settings.
	amqpSettings := &events.AMQPSettings{
		URI:          cfg.GetString("amqp.uri"),
		ExchangeName: cfg.GetString("amqp.exchange.name"),
		ExchangeType: cfg.GetString("amqp.exchange.type"),
		QueueName:    serviceName,
	}

	// Establish the database connection.
	dbconn, err := db.InitDatabase("postgres", cfg.GetString("db.uri"))
	if err != nil {
		log.Fatal(err)
	}
	defer dbconn.Close()

	// A canceled context stops the dispatcher and the event consumer.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Wire up the core: registry, gateway, dispatcher, evaluator, event handlers.
	store := db.NewNotificationStore(dbconn)
	reg := registry.New()
	gw := gateway.New(reg, log)
	dispatcher := dispatch.New(store, reg, gw, dispatchQueueSize, log)
	go dispatcher.Run(ctx)

	evaluator := budget.NewEvaluator(db.NewBudgetSource(dbconn))
	expenseHandler := events.NewExpense(evaluator, dispatcher)
	budgetHandler := events.NewBudget(evaluator, dispatcher)
	consumer, err := events.NewConsumer(amqpSettings, map[string]events.MessageHandler{
		"events.expense.created": expenseHandler,
		"events.expense.updated": expenseHandler,
		"events.budget.created":  budgetHandler,
		"events.budget.updated":  budgetHandler,
	}, log)
	if err != nil {
		log.Fatal(err)
	}
	defer consumer.Close()
	go func() {
		if err := consumer.Listen(ctx); err != nil {
			log.WithError(err).Error("event consumer stopped")
			cancel()
		}
	}()

	// Serve the WebSocket endpoint and the pull API.
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	gateway.NewAPI(store, log).Register(mux)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.GetInt("listen.port")),
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	log.WithField("address", server.Addr).Info("listening for connections")
	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
