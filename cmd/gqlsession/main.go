// Command gqlsession is a thin CLI over the session-managed GraphQL
// client. It persists the token state between runs, which the library
// deliberately does not do itself.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/gqlsession/gqlclient"
	"github.com/alexjbarnes/gqlsession/internal/config"
	"github.com/alexjbarnes/gqlsession/internal/logging"
	"github.com/alexjbarnes/gqlsession/internal/state"
)

var Version = "dev"

const usage = `usage: gqlsession <command> [arguments]

commands:
  query <document> [variables-json]   execute an operation with the current session
  login <document> [variables-json]   execute a login operation and store the session
  logout                              clear the stored session
  status                              show session state
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(command string, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Debug("gqlsession starting", "version", Version, "command", command)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("opening state db: %w", err)
	}
	defer st.Close()

	// A previously discovered endpoint skips the handshake.
	graphqlURL := cfg.GraphQLURL
	if graphqlURL == "" {
		graphqlURL = st.Endpoint()
	}

	client, err := gqlclient.New(gqlclient.Options{
		GraphQLURL:    graphqlURL,
		DiscoveryURL:  cfg.DiscoveryURL,
		APIKey:        cfg.APIKey,
		SubscriberKey: cfg.SubscriberKey,
		HTTPClient:    &http.Client{Timeout: cfg.RequestTimeout},
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	// The backend invalidating the session also invalidates the
	// stored copy.
	client.OnSessionInvalid(func() {
		if err := st.ClearSession(); err != nil {
			logger.Warn("clearing stored session failed", "error", err.Error())
		}
	})

	if rec, err := st.Session(); err == nil && rec != nil {
		client.RestoreSession(gqlclient.TokenConfig{
			AccessToken:      rec.AccessToken,
			RefreshToken:     rec.RefreshToken,
			ExpiresAt:        rec.ExpiresAt,
			RefreshExpiresAt: rec.RefreshExpiresAt,
		})
	}

	switch command {
	case "query":
		return runOperation(ctx, client, st, args, false)
	case "login":
		return runOperation(ctx, client, st, args, true)
	case "logout":
		client.Logout(ctx, "")
		fmt.Println("logged out")
		return nil
	case "status":
		return printStatus(client)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func runOperation(ctx context.Context, client *gqlclient.Client, st *state.State, args []string, login bool) error {
	if len(args) < 1 {
		return fmt.Errorf("a GraphQL document is required")
	}

	var variables map[string]any
	if len(args) > 1 {
		if err := json.Unmarshal([]byte(args[1]), &variables); err != nil {
			return fmt.Errorf("parsing variables: %w", err)
		}
	}

	var (
		res gqlclient.Result
		err error
	)
	if login {
		res, err = client.Login(ctx, args[0], variables)
	} else {
		res, err = client.Execute(ctx, args[0], variables)
	}
	if err != nil {
		return err
	}

	if err := persist(client, st); err != nil {
		return err
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	fmt.Println(string(out))

	return nil
}

// persist writes the current session and discovered endpoint back to
// the state db so later runs pick them up.
func persist(client *gqlclient.Client, st *state.State) error {
	if endpoint := client.Endpoint(); endpoint != "" {
		if err := st.SetEndpoint(endpoint); err != nil {
			return fmt.Errorf("caching endpoint: %w", err)
		}
	}

	data := client.SessionState()
	if data.AccessToken == "" {
		return nil
	}

	err := st.SetSession(state.SessionRecord{
		AccessToken:      data.AccessToken,
		RefreshToken:     data.RefreshToken,
		ExpiresAt:        data.ExpiresAt,
		RefreshExpiresAt: data.RefreshExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("storing session: %w", err)
	}

	return nil
}

func printStatus(client *gqlclient.Client) error {
	data := client.SessionState()
	if data.AccessToken == "" {
		fmt.Println("no session")
		return nil
	}

	fmt.Printf("session: valid=%t expired=%t willExpireSoon=%t expiresIn=%ds\n",
		data.IsValid, data.IsExpired, data.WillExpireSoon, data.ExpiresIn/1000)

	return nil
}
