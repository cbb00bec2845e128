package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-cloud-console/credentials"
	"github.com/jrsteele09/go-cloud-console/directory"
	"github.com/jrsteele09/go-cloud-console/internal/config"
	"github.com/jrsteele09/go-cloud-console/keystone"
	"github.com/jrsteele09/go-cloud-console/provisioning"
	"github.com/jrsteele09/go-cloud-console/session"
)

const usage = `usage: console <command> [args]

commands:
  login <user> <password> [scope]     authenticate against the identity service
  logout                              revoke the current credential
  status                              show the current session
  users                               list identities (admin)
  projects                            list resource scopes (admin)
  pending                             list pending self-registrations (admin)
  approve <identity-id>               approve a pending registration (admin)
  reject <identity-id>                reject a pending registration (admin)
  register <name> <username> <secret> submit a self-registration
  create-user <name> <secret> [scope] create an identity, optionally with a scope
  switch <project-id>                 rebind the session to another scope
  watch                               refresh the directory on an interval until interrupted
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "console: %v\n", err)
		os.Exit(1)
	}
}

// console wires the orchestration core together for the CLI commands.
type console struct {
	cfg      config.Config
	log      zerolog.Logger
	session  *session.Session
	store    *credentials.Store
	cache    *directory.Cache
	workflow *provisioning.Workflow
}

func run(args []string) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	if len(args) == 0 {
		fmt.Print(usage)
		return nil
	}

	c, err := newConsole(config.New())
	if err != nil {
		return err
	}
	return c.dispatch(context.Background(), args[0], args[1:])
}

func newConsole(cfg config.Config) (*console, error) {
	level, err := zerolog.ParseLevel(cfg.GetLogLevel())
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	gateway, err := keystone.New(cfg.GetIdentityURL(), keystone.WithLogger(log))
	if err != nil {
		return nil, err
	}

	store, err := credentials.NewStore(gateway, cfg.GetSessionFile(),
		credentials.WithDefaults(cfg.GetDefaultScope(), cfg.GetDefaultDomain()),
		credentials.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	cache, err := directory.New(gateway, store, directory.WithLogger(log))
	if err != nil {
		return nil, err
	}

	sess, err := session.New(session.Deps{
		Credentials: store,
		Directory:   cache,
		Policy:      session.NameMatchPolicy{AdminName: cfg.GetAdminName()},
	}, session.WithLogger(log))
	if err != nil {
		return nil, err
	}

	workflow, err := provisioning.New(gateway, store, cfg.GetDefaultDomainID(),
		provisioning.WithIdentityCache(cache),
		provisioning.WithMemberRole(cfg.GetMemberRole()),
		provisioning.WithBootstrap(provisioning.Bootstrap{
			UserName:   cfg.GetBootstrapUser(),
			Password:   cfg.GetBootstrapPassword(),
			DomainName: cfg.GetDefaultDomain(),
			ScopeName:  cfg.GetBootstrapScope(),
		}),
		provisioning.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	return &console{
		cfg:      cfg,
		log:      log,
		session:  sess,
		store:    store,
		cache:    cache,
		workflow: workflow,
	}, nil
}

func (c *console) dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "login":
		if len(args) < 2 {
			return errors.New("login requires <user> <password> [scope]")
		}
		scope := ""
		if len(args) > 2 {
			scope = args[2]
		}
		displayBanner(c.cfg.GetAppName())
		if err := c.session.Login(ctx, args[0], args[1], scope, ""); err != nil {
			return err
		}
		return c.printStatus()

	case "logout":
		c.session.Logout(ctx)
		return nil

	case "status":
		c.session.CheckAuth()
		return c.printStatus()

	case "users":
		return c.withAdmin(func() error {
			if err := c.cache.ReloadIdentities(ctx); err != nil {
				return err
			}
			for _, u := range c.cache.Identities() {
				fmt.Printf("%s  %-20s enabled=%-5v %s\n", u.ID, u.Name, u.Enabled, u.Email)
			}
			return nil
		})

	case "projects":
		return c.withAdmin(func() error {
			if err := c.cache.ReloadScopes(ctx); err != nil {
				return err
			}
			for _, p := range c.cache.Scopes() {
				fmt.Printf("%s  %-20s enabled=%v\n", p.ID, p.Name, p.Enabled)
			}
			return nil
		})

	case "pending":
		return c.withAdmin(func() error {
			pending, err := c.workflow.ListPending(ctx)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("no pending registrations")
				return nil
			}
			for _, u := range pending {
				fmt.Printf("%s  %-20s %s\n", u.ID, u.Name, u.Description)
			}
			return nil
		})

	case "approve":
		if len(args) != 1 {
			return errors.New("approve requires <identity-id>")
		}
		return c.withAdmin(func() error { return c.workflow.ApprovePending(ctx, args[0]) })

	case "reject":
		if len(args) != 1 {
			return errors.New("reject requires <identity-id>")
		}
		return c.withAdmin(func() error { return c.workflow.RejectPending(ctx, args[0]) })

	case "register":
		if len(args) != 3 {
			return errors.New("register requires <name> <username> <secret>")
		}
		if err := c.workflow.RegisterSelfService(ctx, args[0], args[1], args[2]); err != nil {
			return err
		}
		fmt.Println("registration submitted; awaiting administrator approval")
		return nil

	case "create-user":
		if len(args) < 2 {
			return errors.New("create-user requires <name> <secret> [scope]")
		}
		scope := ""
		if len(args) > 2 {
			scope = args[2]
		}
		return c.withAdmin(func() error {
			result, err := c.workflow.CreateIdentityWithScope(ctx, provisioning.IdentityAttrs{
				Name:     args[0],
				Password: args[1],
			}, scope)
			if result != nil && result.Identity != nil {
				fmt.Printf("created identity %s\n", result.Identity.ID)
			}
			return err
		})

	case "switch":
		if len(args) != 1 {
			return errors.New("switch requires <project-id>")
		}
		c.session.CheckAuth()
		if err := c.session.SwitchScope(ctx, args[0]); err != nil {
			return err
		}
		return c.printStatus()

	case "watch":
		return c.watch(ctx)

	default:
		fmt.Print(usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

// withAdmin reconciles the persisted session and requires administrator
// level before running fn.
func (c *console) withAdmin(fn func() error) error {
	if !c.session.CheckAuth() {
		return errors.New("not logged in; run: console login <user> <password>")
	}
	if !c.session.State().IsAdmin {
		return errors.New("administrator access required")
	}
	return fn()
}

// watch reloads the directory on the configured interval until interrupted,
// standing in for the UI's periodic refresh trigger.
func (c *console) watch(ctx context.Context) error {
	return c.withAdmin(func() error {
		interval := c.cfg.GetRefreshInterval()
		c.log.Info().Dur("interval", interval).Msg("watching directory")

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

		for {
			select {
			case <-ticker.C:
				if err := c.cache.ReloadIdentities(ctx); err != nil {
					c.log.Warn().Err(err).Msg("identity refresh failed")
				}
				if err := c.cache.ReloadScopes(ctx); err != nil {
					c.log.Warn().Err(err).Msg("scope refresh failed")
				}
			case <-stop:
				c.log.Info().Msg("stopping watch")
				return nil
			}
		}
	})
}

func (c *console) printStatus() error {
	snap := c.session.State()
	if snap.State != session.StateAuthenticated {
		fmt.Println("not logged in")
		return nil
	}
	fmt.Printf("user:    %s\n", snap.User.Name)
	fmt.Printf("scope:   %s\n", snap.Project.Name)
	fmt.Printf("level:   %s\n", level(snap.IsAdmin))
	return nil
}

func level(isAdmin bool) string {
	if isAdmin {
		return "administrator"
	}
	return "operator"
}

func displayBanner(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
