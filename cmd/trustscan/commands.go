package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joncooperworks/devicetrust/audit"
	"github.com/joncooperworks/devicetrust/certs"
	"github.com/joncooperworks/devicetrust/config"
	"github.com/joncooperworks/devicetrust/crypto"
	"github.com/joncooperworks/devicetrust/crypto/keystore"
	"github.com/joncooperworks/devicetrust/identity"
	"github.com/joncooperworks/devicetrust/rbac"
	"github.com/joncooperworks/devicetrust/vault"
)

type scanner struct {
	configPath   string
	jsonOut      bool
	passwordFile string
	prompt       bool
	withinDays   int

	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
}

type report struct {
	Backend      string          `json:"key_backend,omitempty"`
	Rotation     []rotationItem  `json:"credentials_needing_rotation,omitempty"`
	Certificates []expiringItem  `json:"certificates_expiring,omitempty"`
	Decision     *decisionReport `json:"decision,omitempty"`
	Keys         *keyListing     `json:"keys,omitempty"`
}

type keyListing struct {
	Backend    string   `json:"backend"`
	Enumerable bool     `json:"enumerable"`
	IDs        []string `json:"ids,omitempty"`
}

type rotationItem struct {
	ID     string               `json:"id"`
	Name   string               `json:"name"`
	Type   vault.CredentialType `json:"type"`
	Status vault.Status         `json:"status"`
}

type expiringItem struct {
	Path     string    `json:"path"`
	CN       string    `json:"cn"`
	NotAfter time.Time `json:"not_after"`
	Days     int       `json:"days_until_expiry"`
}

type decisionReport struct {
	User       string `json:"user"`
	Permission string `json:"permission"`
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason"`
	Role       string `json:"matched_role,omitempty"`
}

func newRootCmd(out io.Writer) *cobra.Command {
	s := &scanner{out: out}

	root := &cobra.Command{
		Use:           "trustscan",
		Short:         "Report credentials and certificates that need attention",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return s.init()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var r report
			if err := s.scanVault(cmd.Context(), &r); err != nil {
				return err
			}
			if err := s.scanCerts(&r); err != nil {
				return err
			}
			return s.render(r)
		},
	}
	root.PersistentFlags().StringVar(&s.configPath, "config", os.Getenv(config.EnvVar), "devicetrust config file")
	root.PersistentFlags().BoolVar(&s.jsonOut, "json", false, "print the report as JSON")
	root.PersistentFlags().StringVar(&s.passwordFile, "password-file", "", "unlock the vault with the master password in this file")
	root.PersistentFlags().BoolVar(&s.prompt, "prompt", false, "prompt for the vault master password instead of using the device secret")
	root.PersistentFlags().IntVar(&s.withinDays, "within", int(certs.RenewalThreshold.Hours()/24), "certificate expiry window in days")

	rotation := &cobra.Command{
		Use:   "rotation",
		Short: "List credentials that need rotation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var r report
			if err := s.scanVault(cmd.Context(), &r); err != nil {
				return err
			}
			return s.render(r)
		},
	}

	certsCmd := &cobra.Command{
		Use:   "certs",
		Short: "List certificates inside the renewal window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var r report
			if err := s.scanCerts(&r); err != nil {
				return err
			}
			return s.render(r)
		},
	}

	var resourceType, resourceID string
	explain := &cobra.Command{
		Use:   "explain [user] [permission]",
		Short: "Explain an access decision against the stored policy",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := s.explain(args[0], args[1], resourceType, resourceID)
			if err != nil {
				return err
			}
			return s.render(report{Decision: d})
		},
	}
	explain.Flags().StringVar(&resourceType, "resource-type", "", "resource type, e.g. device")
	explain.Flags().StringVar(&resourceID, "resource-id", "", "resource id, e.g. room-42")

	keys := &cobra.Command{
		Use:   "keys",
		Short: "List key ids held by the resolved key storage backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ks, err := keystore.Auto(ctx, s.cfg.KeystoreAuto(identity.Probe(), s.logger))
			if err != nil {
				return fmt.Errorf("failed to resolve key storage: %w", err)
			}
			listing, err := describeKeys(ctx, ks)
			if err != nil {
				return err
			}
			return s.render(report{Keys: listing})
		},
	}

	root.AddCommand(rotation, certsCmd, explain, keys)
	return root
}

func (s *scanner) init() error {
	s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	s.cfg = config.Default()
	if s.configPath == "" {
		return nil
	}
	cfg, err := config.LoadFile(s.configPath)
	if err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

func (s *scanner) openVault(ctx context.Context, r *report) (*vault.Vault, error) {
	provider := identity.Probe()
	opts := append(s.cfg.VaultOptions(s.logger, provider), vault.WithAudit(audit.NewSlogHook(s.logger)))

	if s.prompt || s.passwordFile != "" {
		password, err := readPassword(s.passwordFile)
		if err != nil {
			return nil, err
		}
		defer crypto.Wipe(password)
		return vault.Open(s.cfg.Paths.Vault, password, opts...)
	}

	ks, err := keystore.Auto(ctx, s.cfg.KeystoreAuto(provider, s.logger))
	if err != nil {
		return nil, err
	}
	r.Backend = ks.Name()
	return vault.OpenWithKeyStorage(ctx, s.cfg.Paths.Vault, ks, s.cfg.Keystore.VaultKeyID, opts...)
}

func (s *scanner) scanVault(ctx context.Context, r *report) error {
	if ctx == nil {
		ctx = context.Background()
	}
	v, err := s.openVault(ctx, r)
	if err != nil {
		return fmt.Errorf("failed to open vault: %w", err)
	}
	defer v.Close()
	for _, c := range v.CredentialsNeedingRotation() {
		r.Rotation = append(r.Rotation, rotationItem{ID: c.ID, Name: c.Name, Type: c.Type, Status: c.Status})
	}
	return nil
}

func (s *scanner) scanCerts(r *report) error {
	manager, err := certs.NewManager(s.cfg.Paths.Certs, s.cfg.ManagerOptions(s.logger)...)
	if err != nil {
		return err
	}
	expiring, err := manager.ExpiringCertificates(time.Duration(s.withinDays) * 24 * time.Hour)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, e := range expiring {
		r.Certificates = append(r.Certificates, expiringItem{
			Path:     e.Path,
			CN:       e.Certificate.CommonName(),
			NotAfter: e.Certificate.NotAfter,
			Days:     e.Certificate.DaysUntilExpiry(now),
		})
	}
	return nil
}

func (s *scanner) explain(user, permission, resourceType, resourceID string) (*decisionReport, error) {
	perm, err := rbac.ParsePermission(permission)
	if err != nil {
		return nil, err
	}
	svc := rbac.New(rbac.WithLogger(s.logger), rbac.WithAudit(audit.NewSlogHook(s.logger)))
	if err := svc.Load(s.cfg.PolicyPath()); err != nil {
		return nil, err
	}
	var res *rbac.Resource
	if resourceType != "" {
		t, err := rbac.ParseResourceType(resourceType)
		if err != nil {
			return nil, err
		}
		res = rbac.On(t, resourceID)
	}
	d := svc.CheckPermission(user, perm, res)
	return &decisionReport{User: user, Permission: perm.String(), Allowed: d.Allowed, Reason: d.Reason, Role: d.MatchedRole}, nil
}

func describeKeys(ctx context.Context, ks keystore.KeyStorage) (*keyListing, error) {
	listing := &keyListing{Backend: ks.Name()}
	lister, ok := ks.(keystore.Lister)
	if !ok {
		return listing, nil
	}
	ids, err := lister.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	listing.Enumerable = true
	listing.IDs = ids
	return listing, nil
}

func (s *scanner) render(r report) error {
	if s.jsonOut {
		enc := json.NewEncoder(s.out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	if r.Decision != nil {
		verdict := "DENY"
		if r.Decision.Allowed {
			verdict = "ALLOW"
		}
		fmt.Fprintf(s.out, "%s %s %s: %s\n", verdict, r.Decision.User, r.Decision.Permission, r.Decision.Reason)
		return nil
	}
	if r.Keys != nil {
		fmt.Fprintf(s.out, "Key storage backend: %s\n", r.Keys.Backend)
		if !r.Keys.Enumerable {
			fmt.Fprintln(s.out, "  backend stores keys under hashed ids and cannot list them")
			return nil
		}
		for _, id := range r.Keys.IDs {
			fmt.Fprintf(s.out, "  - %s\n", id)
		}
		return nil
	}
	if r.Backend != "" {
		fmt.Fprintf(s.out, "Key storage backend: %s\n", r.Backend)
	}
	fmt.Fprintf(s.out, "Credentials needing rotation (%d):\n", len(r.Rotation))
	for _, c := range r.Rotation {
		fmt.Fprintf(s.out, "  - %s (%s, %s) %s\n", c.ID, c.Type, c.Status, c.Name)
	}
	fmt.Fprintf(s.out, "Certificates expiring within %d days (%d):\n", s.withinDays, len(r.Certificates))
	for _, c := range r.Certificates {
		fmt.Fprintf(s.out, "  - %s %s expires %s (%d days)\n", c.Path, c.CN, c.NotAfter.Format("2006-01-02"), c.Days)
	}
	return nil
}
