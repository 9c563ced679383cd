package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teeline/smarthome-washer/internal/pkg/auth"
	"github.com/teeline/smarthome-washer/internal/pkg/fulfillment"
	"github.com/teeline/smarthome-washer/internal/pkg/handlers"
	"github.com/teeline/smarthome-washer/internal/pkg/homegraph"
	"github.com/teeline/smarthome-washer/internal/pkg/logging"
	"github.com/teeline/smarthome-washer/internal/pkg/notifier"
	"github.com/teeline/smarthome-washer/internal/pkg/registry"
	"github.com/teeline/smarthome-washer/internal/pkg/store"
	"github.com/teeline/smarthome-washer/pkg/middlewares"
)

var _serverCmdOpts struct {
	httpPort         uint16
	storePath        string
	homegraphCreds   string
	homegraphToken   string
	homegraphTimeout time.Duration
	gracefulTimeout  time.Duration
	readTimeout      time.Duration
	writeTimeout     time.Duration
	logRequests      bool
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the cloud fulfillment web server",

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doServer(); err != nil {
			return err
		}

		return nil
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("store.path")
	},
}

func init() {
	serverCmd.Flags().Uint16Var(&_serverCmdOpts.httpPort, "http-port", 8080, "HTTP port number")
	serverCmd.Flags().StringVar(&_serverCmdOpts.storePath, "store", "", "path of the device/token store file")
	serverCmd.Flags().StringVar(&_serverCmdOpts.homegraphCreds, "homegraph-creds", "", "service account credentials file for the platform push API")
	serverCmd.Flags().StringVar(&_serverCmdOpts.homegraphToken, "homegraph-token", "", "pre-minted bearer token for the platform push API, overrides the credentials file")
	serverCmd.Flags().DurationVar(&_serverCmdOpts.homegraphTimeout, "homegraph-timeout", time.Second*15, "maximum duration of a platform push call, eg. 1m or 10s")
	serverCmd.Flags().DurationVar(&_serverCmdOpts.gracefulTimeout, "graceful-timeout", time.Second*15, "duration to wait for server to finish, eg. 1m or 10s")
	serverCmd.Flags().DurationVar(&_serverCmdOpts.readTimeout, "read-timeout", time.Second*15, "duration to wait for request read, eg. 1m or 10s")
	serverCmd.Flags().DurationVar(&_serverCmdOpts.writeTimeout, "write-timeout", time.Second*60, "duration to wait for request write, eg. 1m or 10s")
	serverCmd.Flags().BoolVar(&_serverCmdOpts.logRequests, "log-requests", false, "log requests and responses (only in debug mode)")

	errPanic(viper.GetViper().BindPFlag("http.port", serverCmd.Flags().Lookup("http-port")))
	errPanic(viper.GetViper().BindPFlag("store.path", serverCmd.Flags().Lookup("store")))
	errPanic(viper.GetViper().BindPFlag("homegraph.creds-file", serverCmd.Flags().Lookup("homegraph-creds")))
	errPanic(viper.GetViper().BindPFlag("homegraph.access-token", serverCmd.Flags().Lookup("homegraph-token")))
	errPanic(viper.GetViper().BindPFlag("homegraph.api-timeout", serverCmd.Flags().Lookup("homegraph-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.graceful-timeout", serverCmd.Flags().Lookup("graceful-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.read-timeout", serverCmd.Flags().Lookup("read-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.write-timeout", serverCmd.Flags().Lookup("write-timeout")))
	errPanic(viper.GetViper().BindPFlag("logging.log-requests", serverCmd.Flags().Lookup("log-requests")))

	rootCmd.AddCommand(serverCmd)
}

func doServer() error {
	wait := viper.GetDuration("http.graceful-timeout")
	port := viper.GetUint("http.port")
	storePath := viper.GetString("store.path")
	credsFile := viper.GetString("homegraph.creds-file")
	apiTimeout := viper.GetDuration("homegraph.api-timeout")

	var logRequests bool
	if viper.GetBool("logging.log-requests") {
		if logrus.IsLevelEnabled(logrus.DebugLevel) {
			logRequests = true
		} else {
			logging.Logger(nil).Warn("log-requests ignored when not in debug mode")
		}
	}

	db, err := store.Open(storePath)
	if err != nil {
		return err
	}
	defer db.Close()

	hgClient := homegraph.NewLiveClient(credsFile)
	if token := viper.GetString("homegraph.access-token"); token != "" {
		hgClient = hgClient.WithAccessToken(token)
	}
	hg := hgClient.WithTimeout(apiTimeout)

	authSvc := auth.New(db)
	reg := registry.New(db)
	svc := fulfillment.New(authSvc, reg)

	// Every durable state write is pushed to the platform
	notifier.New(db, hg).Register()

	oh := handlers.NewOauthHandler(db, authSvc)
	sh := handlers.NewSmartHomeHandler(svc)
	rsh := handlers.NewRequestSyncHandler(hg)
	ush := handlers.NewUpdateStateHandler(reg)

	r := mux.NewRouter()
	r.Use(middlewares.NewLoggingMw(logRequests))
	r.Use(middlewares.NewRecoveryMw())
	r.Use(middlewares.NewCorrelationMw("X-Correlation-ID"))

	// The login handler answers 405 itself for unsupported methods
	r.HandleFunc("/login", oh.Login)
	r.HandleFunc("/authorize", oh.Authorize).Methods(http.MethodGet)
	r.HandleFunc("/token", oh.Token).Methods(http.MethodPost)
	r.Handle("/smarthome", &sh).Methods(http.MethodPost)
	r.Handle("/request-sync",
		middlewares.NewCors(cors.Options{AllowedOrigins: []string{"*"}}, &rsh)).
		Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/update-state", &ush).Methods(http.MethodPost)

	s := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		ReadTimeout:  viper.GetDuration("http.read-timeout"),
		WriteTimeout: viper.GetDuration("http.write-timeout"),
		IdleTimeout:  time.Second * 60,
		Handler:      r,
	}

	logging.Logger(nil).Infof("Serving on port %d", port)
	go func() {
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Logger(nil).WithError(err).Error("running server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	// Block until we receive a signal
	<-c

	// Create a deadline to wait for.
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	logging.Logger(nil).Info("shutting down")
	if err := s.Shutdown(ctx); err != nil {
		logging.Logger(nil).WithError(err).Errorf("shutting down")
	}
	logging.Logger(nil).Info("exiting")
	return nil
}
