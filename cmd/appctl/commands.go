package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"b24app.dev/internal/account"
	"b24app.dev/internal/auth"
	"b24app.dev/internal/config"
	"b24app.dev/internal/installation"
	"b24app.dev/internal/portal"
)

var (
	errNoDatabase       = errors.New("B24APP_PG_DSN is not configured")
	errDomainRequired   = errors.New("--domain is required")
	errMemberIDRequired = errors.New("--member-id is required")
)

// businessWebhookPath receives the business events bound from the console.
const businessWebhookPath = "/api/custom-b24-events/"

type commandFactory struct {
	cfg        config.Config
	openStore  func(ctx context.Context) (account.Store, func(), error)
	newClients func(store account.Store) portal.ClientFactory
}

func (f *commandFactory) newRootCmd(ctx context.Context) *cobra.Command {
	root := &cobra.Command{
		Use:          "appctl",
		Short:        "Operator console for the b24app backend",
		SilenceUsage: true,
	}
	root.SetContext(ctx)
	root.AddCommand(f.newEventsCmd(), f.newContactsCmd(), f.newAccountsCmd(), f.newTokenCmd())
	return root
}

// parseDomain accepts a bare host or a portal URL.
func parseDomain(raw string) (string, error) {
	d := account.NormalizeDomain(raw)
	if d == "" {
		return "", errDomainRequired
	}
	return d, nil
}

// withPortal resolves the active account of --domain and opens a client from its stored credential.
func (f *commandFactory) withPortal(cmd *cobra.Command, fn func(api portal.API) error) error {
	raw, _ := cmd.Flags().GetString("domain")
	domain, err := parseDomain(raw)
	if err != nil {
		return err
	}
	store, closeStore, err := f.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer closeStore()

	acc, err := store.FindActiveByDomain(cmd.Context(), domain)
	if err != nil {
		return fmt.Errorf("active account for %s: %w", domain, err)
	}
	api, err := f.newClients(store).FromAccount(acc)
	if err != nil {
		return err
	}
	return fn(api)
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(out))
	return nil
}

func (f *commandFactory) newEventsCmd() *cobra.Command {
	events := &cobra.Command{Use: "events", Short: "Manage remote event subscriptions"}
	events.PersistentFlags().String("domain", "", "Portal domain or URL")

	list := &cobra.Command{
		Use:   "list",
		Short: "List event handlers registered on the portal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return f.withPortal(cmd, func(api portal.API) error {
				subs, err := api.EventHandlers(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, subs)
			})
		},
	}

	bind := &cobra.Command{
		Use:   "bind",
		Short: "Bind an event code to the business webhook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code, _ := cmd.Flags().GetString("code")
			handler, _ := cmd.Flags().GetString("handler")
			code = strings.ToUpper(strings.TrimSpace(code))
			if code == "" {
				return errors.New("--code is required")
			}
			if handler == "" {
				handler = f.cfg.Portal.ApplicationHost + businessWebhookPath
			}
			return f.withPortal(cmd, func(api portal.API) error {
				if err := api.Bind(cmd.Context(), portal.Subscription{Event: code, Handler: handler}); err != nil {
					return err
				}
				cmd.Printf("bound %s -> %s\n", code, handler)
				return nil
			})
		},
	}
	bind.Flags().String("code", "", "Event code, e.g. ONCRMCONTACTADD")
	bind.Flags().String("handler", "", "Handler URL (default: the business webhook)")

	unbindAll := &cobra.Command{
		Use:   "unbind-all",
		Short: "Remove every event handler registered by the application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return f.withPortal(cmd, func(api portal.API) error {
				n, err := api.UnbindAll(cmd.Context())
				if err != nil {
					return err
				}
				cmd.Printf("unbound %d handlers\n", n)
				return nil
			})
		},
	}

	events.AddCommand(list, bind, unbindAll)
	return events
}

func (f *commandFactory) newContactsCmd() *cobra.Command {
	contacts := &cobra.Command{Use: "contacts", Short: "CRM contact actions"}

	add := &cobra.Command{
		Use:   "add",
		Short: "Create a CRM contact on the portal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			lastName, _ := cmd.Flags().GetString("last-name")
			if name == "" {
				name = "Test contact " + time.Now().UTC().Format(time.RFC3339)
			}
			return f.withPortal(cmd, func(api portal.API) error {
				id, err := api.AddContact(cmd.Context(), map[string]any{"NAME": name, "LAST_NAME": lastName})
				if err != nil {
					return err
				}
				cmd.Printf("contact %d created\n", id)
				return nil
			})
		},
	}
	add.Flags().String("domain", "", "Portal domain or URL")
	add.Flags().String("name", "", "Contact first name")
	add.Flags().String("last-name", "", "Contact last name")

	contacts.AddCommand(add)
	return contacts
}

func (f *commandFactory) newAccountsCmd() *cobra.Command {
	accounts := &cobra.Command{Use: "accounts", Short: "Tenant accounts"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List tenant accounts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			store, closeStore, err := f.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			list, err := store.ListAccounts(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, list)
		},
	}
	list.Flags().Int("limit", 50, "Maximum number of accounts")

	block := &cobra.Command{
		Use:   "block",
		Short: "Block the live account of a member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			memberID, _ := cmd.Flags().GetString("member-id")
			if strings.TrimSpace(memberID) == "" {
				return errMemberIDRequired
			}
			store, closeStore, err := f.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			orch := installation.NewOrchestrator(store, f.newClients(store), installation.Options{
				ApplicationHost: f.cfg.Portal.ApplicationHost,
				Scope:           f.cfg.Portal.Scope,
			})
			outcome, err := orch.Block(cmd.Context(), memberID)
			if err != nil {
				return err
			}
			cmd.Printf("%s: %s\n", memberID, outcome)
			return nil
		},
	}
	block.Flags().String("member-id", "", "Portal member id")

	accounts.AddCommand(list, block)
	return accounts
}

func (f *commandFactory) newTokenCmd() *cobra.Command {
	token := &cobra.Command{Use: "token", Short: "Session tokens"}

	issue := &cobra.Command{
		Use:   "issue",
		Short: "Mint a session token for a portal domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, _ := cmd.Flags().GetString("domain")
			memberID, _ := cmd.Flags().GetString("member-id")
			domain, err := parseDomain(raw)
			if err != nil {
				return err
			}
			codec, err := auth.NewTokenCodec([]byte(f.cfg.JWT.Secret), f.cfg.JWT.Algorithm, f.cfg.JWT.TTL(),
				auth.WithIssuer(f.cfg.JWT.Issuer))
			if err != nil {
				return err
			}
			signed, expiresAt, err := codec.Issue(domain, memberID)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"token": signed, "expires_at": expiresAt})
		},
	}
	issue.Flags().String("domain", "", "Portal domain or URL")
	issue.Flags().String("member-id", "", "Portal member id (optional)")

	token.AddCommand(issue)
	return token
}
