package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/urfave/cli.v1"

	"kite-rpc/client"
	"kite-rpc/config"
	"kite-rpc/directory"
	"kite-rpc/loadbalance"
	"kite-rpc/middleware"
	"kite-rpc/provider"
	"kite-rpc/registry"
	"kite-rpc/server"
)

func main() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() (app *cli.App) {
	app = cli.NewApp()
	app.Version = DisplayVersion
	app.Name = DisplayName
	app.Usage = Usage
	app.UsageText = UsageText
	app.Description = DescriptionText
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "c,config",
			Usage: ConfigUsage,
		},
		cli.StringFlag{
			Name:  FlagLoglvlKey,
			Usage: LoglvlUsage,
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the example Greet service",
			Action: serve,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "listen", Usage: "overrides [server] listen"},
				cli.StringFlag{Name: "version", Value: "v1", Usage: "service version"},
				cli.StringFlag{Name: "group", Value: "g1", Usage: "service group"},
			},
		},
		{
			Name:      "call",
			Usage:     "call a remote method with string arguments",
			ArgsUsage: "[arguments...]",
			Action:    call,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "interface", Value: "Greet"},
				cli.StringFlag{Name: "method", Value: "Hello"},
				cli.StringFlag{Name: "version", Value: "v1"},
				cli.StringFlag{Name: "group", Value: "g1"},
			},
		},
	}
	return app
}

// setup loads the configuration and opens the service directory.
func setup(cliCtx *cli.Context) (*config.Config, *directory.Directory, func(), error) {
	cnf, err := config.Load(cliCtx.GlobalString(FlagConfigKey))
	if err == config.ConfFileNotFound {
		cnf, err = config.Default(), nil
	}
	if err != nil {
		return nil, nil, nil, err
	}
	if lvl := cliCtx.GlobalString(FlagLoglvlKey); lvl != "" {
		cnf.LogCnf.Level = strings.ToLower(lvl)
	}
	if err := cnf.LogCnf.Apply(); err != nil {
		return nil, nil, nil, err
	}
	log.Debugf("loaded config info: %s", cnf)

	reg, err := registry.NewLoader(cnf.RegistryCnf.Options()).Get(cnf.RegistryCnf.Backend)
	if err != nil {
		return nil, nil, nil, err
	}
	dir := directory.New(reg, cnf.RegistryCnf.Root)
	cleanup := func() {
		dir.Close()
		reg.Close()
	}
	return cnf, dir, cleanup, nil
}

func serve(cliCtx *cli.Context) error {
	cnf, dir, cleanup, err := setup(cliCtx)
	if err != nil {
		return err
	}
	defer cleanup()

	p := provider.New()
	err = p.AddService(provider.ServiceConfig{
		Interface: "Greet",
		Version:   cliCtx.String("version"),
		Group:     cliCtx.String("group"),
		Service:   newGreeter(),
	})
	if err != nil {
		return err
	}

	scnf := cnf.ServerCnf
	svr := server.NewServer(p, dir, scnf.Options())
	svr.Use(middleware.RecoverMiddleware())
	svr.Use(middleware.LoggingMiddleware())
	if scnf.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(scnf.RateLimit, scnf.RateBurst))
	}
	if d := scnf.HandlerTimeout.Get(); d > 0 {
		svr.Use(middleware.TimeoutMiddleware(d))
	}

	listen := scnf.Listen
	if l := cliCtx.String("listen"); l != "" {
		listen = l
	}
	errc := make(chan error, 1)
	go func() { errc <- svr.ListenAndServe("tcp", listen) }()

	select {
	case err := <-errc:
		return err
	case <-signalHandler():
	}
	if err := svr.Shutdown(10 * time.Second); err != nil {
		log.Warnf("shutdown: %v", err)
	}
	return <-errc
}

func call(cliCtx *cli.Context) error {
	cnf, dir, cleanup, err := setup(cliCtx)
	if err != nil {
		return err
	}
	defer cleanup()

	opts, err := cnf.ClientCnf.Options()
	if err != nil {
		return err
	}
	balancer, err := loadbalance.NewLoader(dir).Get(cnf.ClientCnf.Balancer)
	if err != nil {
		return err
	}
	cli := client.New(dir, balancer, opts)
	defer cli.Close()

	params := make([]interface{}, 0, len(cliCtx.Args()))
	for _, arg := range cliCtx.Args() {
		params = append(params, arg)
	}
	out, err := cli.Invoke(context.Background(), client.Invocation{
		Interface: cliCtx.String("interface"),
		Method:    cliCtx.String("method"),
		Params:    params,
		Version:   cliCtx.String("version"),
		Group:     cliCtx.String("group"),
	})
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func signalHandler() <-chan os.Signal {
	signchan := make(chan os.Signal, 1)
	signal.Notify(signchan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	return signchan
}
