package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/mattyeh1/PsicoCare-sub001/realtime"
)

const CareCtlVersion = "0.1.0"

const DefaultApiUrl = "https://api.psicocare.net"
const DefaultConnectUrl = "wss://push.psicocare.net/ws"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`PsicoCare control.

The default urls are:
    api_url: %s
    connect_url: %s

Usage:
    carectl login --user_auth=<user_auth> [--password=<password>]
        [--api_url=<api_url>] [--config=<config>] [--markers=<markers>]
    carectl register --user_auth=<user_auth> --name=<name> --user_type=<user_type>
        [--password=<password>]
        [--api_url=<api_url>] [--config=<config>] [--markers=<markers>]
    carectl whoami [--api_url=<api_url>] [--config=<config>] [--markers=<markers>]
    carectl listen [--api_url=<api_url>] [--connect_url=<connect_url>]
        [--config=<config>] [--markers=<markers>]
    carectl logout [--api_url=<api_url>] [--config=<config>] [--markers=<markers>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --api_url=<api_url>
    --connect_url=<connect_url>
    --config=<config>            Optional yaml config file.
    --markers=<markers>          Session marker file path.
    --user_auth=<user_auth>
    --password=<password>
    --name=<name>                Display name for register.
    --user_type=<user_type>      professional or client.`,
		DefaultApiUrl,
		DefaultConnectUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CareCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if register_, _ := opts.Bool("register"); register_ {
		register(opts)
	} else if whoami_, _ := opts.Bool("whoami"); whoami_ {
		whoami(opts)
	} else if listen_, _ := opts.Bool("listen"); listen_ {
		listen(opts)
	} else if logout_, _ := opts.Bool("logout"); logout_ {
		logout(opts)
	}
}

type ctlConfig struct {
	ApiUrl     string `yaml:"api_url"`
	ConnectUrl string `yaml:"connect_url"`
	Markers    string `yaml:"markers"`
}

func loadConfig(opts docopt.Opts) *ctlConfig {
	config := &ctlConfig{
		ApiUrl:     DefaultApiUrl,
		ConnectUrl: DefaultConnectUrl,
		Markers:    defaultMarkerPath(),
	}

	if configPathAny := opts["--config"]; configPathAny != nil {
		data, err := os.ReadFile(configPathAny.(string))
		if err != nil {
			Err.Fatalf("config read error = %s", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			Err.Fatalf("config parse error = %s", err)
		}
	}

	// flags win over the config file
	if apiUrlAny := opts["--api_url"]; apiUrlAny != nil {
		config.ApiUrl = apiUrlAny.(string)
	}
	if connectUrlAny := opts["--connect_url"]; connectUrlAny != nil {
		config.ConnectUrl = connectUrlAny.(string)
	}
	if markersAny := opts["--markers"]; markersAny != nil {
		config.Markers = markersAny.(string)
	}

	return config
}

func defaultMarkerPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return ".psicocare-session"
	}
	return filepath.Join(configDir, "psicocare", "session")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
}

func promptPassword(opts docopt.Opts) string {
	if passwordAny := opts["--password"]; passwordAny != nil {
		return passwordAny.(string)
	}
	fmt.Print("Enter password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return string(passwordBytes)
}

func login(opts docopt.Opts) {
	config := loadConfig(opts)
	userAuth := opts["--user_auth"].(string)
	password := promptPassword(opts)

	ctx, cancel := signalContext()
	defer cancel()

	api := realtime.NewCareApiWithContext(ctx, config.ApiUrl)
	markers := realtime.NewFileMarkerStore(config.Markers)
	session := realtime.NewSessionStoreWithDefaults(ctx, api, markers, nil)
	defer session.Close()

	identity, err := session.Login(userAuth, password)
	if err != nil {
		Err.Fatalf("login error = %s", err)
	}
	Out.Printf("logged in as %s (%s, user_id %d)", identity.Name, identity.Role, identity.UserId)
}

func register(opts docopt.Opts) {
	config := loadConfig(opts)
	userAuth := opts["--user_auth"].(string)
	name := opts["--name"].(string)
	userType := realtime.Role(opts["--user_type"].(string))
	password := promptPassword(opts)

	ctx, cancel := signalContext()
	defer cancel()

	api := realtime.NewCareApiWithContext(ctx, config.ApiUrl)
	markers := realtime.NewFileMarkerStore(config.Markers)
	session := realtime.NewSessionStoreWithDefaults(ctx, api, markers, nil)
	defer session.Close()

	identity, err := session.Register(userAuth, password, name, userType)
	if err != nil {
		Err.Fatalf("register error = %s", err)
	}
	Out.Printf("registered %s (%s, user_id %d)", identity.Name, identity.Role, identity.UserId)
}

func whoami(opts docopt.Opts) {
	config := loadConfig(opts)

	ctx, cancel := signalContext()
	defer cancel()

	api := realtime.NewCareApiWithContext(ctx, config.ApiUrl)
	markers := realtime.NewFileMarkerStore(config.Markers)

	marker, err := markers.Get()
	if err != nil {
		Err.Fatalf("marker error = %s", err)
	}
	if marker == nil || !marker.Active {
		Out.Printf("not logged in")
		return
	}
	api.SetToken(marker.Token)

	result, err := api.SessionSync()
	if err == realtime.ErrUnauthorized {
		Out.Printf("session expired for %s", marker.Identity.Name)
		return
	}
	if err != nil {
		// network trouble is not a logout. report the last known identity.
		Out.Printf("offline, last known: %s (%s, user_id %d)",
			marker.Identity.Name, marker.Identity.Role, marker.Identity.UserId)
		return
	}
	Out.Printf("%s (%s, user_id %d)",
		result.Identity.Name, result.Identity.Role, result.Identity.UserId)
}

type printNotifier struct{}

func (self *printNotifier) Notify(notification realtime.Notification) {
	switch notification.Priority {
	case realtime.NotifyInterrupt:
		Out.Printf("* %s: %s", notification.Title, notification.Subject)
	default:
		Out.Printf("  %s", notification.Title)
	}
}

type printNavigator struct{}

func (self *printNavigator) NavigateToEntry() {
	Out.Printf("session ended, returning to login")
}

func listen(opts docopt.Opts) {
	config := loadConfig(opts)

	ctx, cancel := signalContext()
	defer cancel()

	markers := realtime.NewFileMarkerStore(config.Markers)
	client := realtime.NewClientWithDefaults(
		ctx,
		config.ApiUrl,
		config.ConnectUrl,
		markers,
		&printNotifier{},
		&printNavigator{},
	)
	defer client.Close()

	client.SetOnConnectivity(func(state realtime.ChannelState) {
		Out.Printf("connectivity: %s", state)
	})

	if client.Session().Identity() == nil {
		Err.Fatalf("not logged in, run `carectl login` first")
	}
	Out.Printf("listening for notifications, ctrl-c to stop")

	<-ctx.Done()
}

func logout(opts docopt.Opts) {
	config := loadConfig(opts)

	ctx, cancel := signalContext()
	defer cancel()

	api := realtime.NewCareApiWithContext(ctx, config.ApiUrl)
	markers := realtime.NewFileMarkerStore(config.Markers)
	session := realtime.NewSessionStoreWithDefaults(ctx, api, markers, &printNavigator{})
	defer session.Close()

	session.Logout()
	Out.Printf("logged out")
}
